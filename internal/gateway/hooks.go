// ABOUTME: Inbound webhook endpoint that turns POST /hooks/{name} into a session run
// ABOUTME: Mappings are snapshotted from config and swapped when the hooks subsystem restarts

package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/2389/clawgate/internal/agent"
	"github.com/2389/clawgate/internal/config"
	"github.com/2389/clawgate/internal/session"
)

const maxHookBody = 1 << 20

// hookPayload is the optional JSON body of a hook call.
type hookPayload struct {
	Message string `json:"message"`
	Text    string `json:"text"`
}

type hookTable struct {
	enabled  bool
	token    string
	resolver session.Resolver
	mappings map[string]config.HookMapping
}

// hooks serves /hooks/{name}.
type hooks struct {
	runs   runStarter
	logger *slog.Logger
	table  atomic.Pointer[hookTable]
}

func newHooks(runs runStarter, logger *slog.Logger) *hooks {
	h := &hooks{runs: runs, logger: logger.With("subsystem", "hooks")}
	h.table.Store(&hookTable{})
	return h
}

// load snapshots the hook mappings of cfg.
func (h *hooks) load(cfg *config.Config) {
	t := &hookTable{
		enabled:  cfg.Hooks.Enabled,
		token:    cfg.Hooks.Token,
		resolver: session.NewResolver(cfg),
		mappings: make(map[string]config.HookMapping, len(cfg.Hooks.Mappings)),
	}
	for _, m := range cfg.Hooks.Mappings {
		t.mappings[strings.ToLower(m.Name)] = m
	}
	h.table.Store(t)
	h.logger.Info("hooks loaded", "enabled", t.enabled, "mappings", len(t.mappings))
}

func (h *hooks) authorized(t *hookTable, r *http.Request) bool {
	if t.token == "" {
		return false
	}
	got := r.Header.Get("X-Clawgate-Token")
	if got == "" {
		got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(t.token)) == 1
}

// readHookMessage returns the message text of a hook body: a JSON object with
// message or text, or the raw body.
func readHookMessage(r *http.Request) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody+1))
	if err != nil {
		return "", err
	}
	if len(body) > maxHookBody {
		return "", errors.New("request body too large")
	}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var p hookPayload
		if err := json.Unmarshal(body, &p); err == nil {
			if p.Message != "" {
				return p.Message, nil
			}
			return p.Text, nil
		}
	}
	return trimmed, nil
}

func (h *hooks) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false, "error": "method not allowed"})
		return
	}
	t := h.table.Load()
	if !t.enabled {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "hooks are disabled"})
		return
	}
	if !h.authorized(t, r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "invalid hook token"})
		return
	}

	name := strings.ToLower(r.PathValue("name"))
	m, ok := t.mappings[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "unknown hook: " + name})
		return
	}

	body, err := readHookMessage(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	message := strings.TrimSpace(strings.Join([]string{m.Message, body}, "\n\n"))
	if message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "message is required"})
		return
	}

	key, err := t.resolver.Canonical(m.SessionKey)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	req := agent.Request{
		SessionKey: key.String(),
		AgentID:    key.AgentID,
		Message:    message,
		Lane:       agent.LaneHook,
		Label:      m.Name,
		Deliver:    m.Deliver,
	}
	if idem := r.Header.Get("Idempotency-Key"); idem != "" {
		req.IdempotencyKey = "hook:" + name + ":" + idem
	}

	runID, err := h.runs.Start(r.Context(), req)
	if err != nil {
		h.logger.Warn("hook run not started", "hook", name, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	h.logger.Info("hook accepted", "hook", name, "session", key.String(), "run_id", runID)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "runId": runID, "sessionKey": key.String()})
}
