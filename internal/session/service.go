// ABOUTME: Session operations exposed over RPC: list, patch, reset, delete and compact
// ABOUTME: Every mutation is one FileStore.Update transaction on the owning agent's store

package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/2389/clawgate/internal/agent"
	"github.com/2389/clawgate/internal/apierr"
	"github.com/2389/clawgate/internal/catalog"
	"github.com/2389/clawgate/internal/config"
	"github.com/2389/clawgate/internal/events"
)

// MaxLabelLength bounds session labels, in characters.
const MaxLabelLength = 64

// RunControl is the part of the run manager session operations need.
type RunControl interface {
	ClearQueue(keys ...string) int
	AbortSession(key string) (string, bool)
	WaitForRun(ctx context.Context, runID string, timeout time.Duration) (agent.Result, error)
}

// SubagentStopper aborts the children of a requester session.
type SubagentStopper interface {
	StopByRequester(requesterKey string) int
}

// ServiceParams holds the Service's collaborators.
type ServiceParams struct {
	Store   *FileStore
	Config  *config.Live
	Catalog *catalog.Holder
	Runs    RunControl
	Events  events.Publisher
	Logger  *slog.Logger
}

// Service implements session operations.
type Service struct {
	store   *FileStore
	cfg     *config.Live
	catalog *catalog.Holder
	runs    RunControl
	events  events.Publisher
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	stopper SubagentStopper
}

// NewService creates a session service.
func NewService(p ServiceParams) *Service {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Events == nil {
		p.Events = events.Nop{}
	}
	return &Service{
		store:   p.Store,
		cfg:     p.Config,
		catalog: p.Catalog,
		runs:    p.Runs,
		events:  p.Events,
		logger:  p.Logger.With("component", "sessions"),
		now:     time.Now,
	}
}

// SetSubagentStopper wires the subagent orchestrator after construction.
func (s *Service) SetSubagentStopper(st SubagentStopper) {
	s.mu.Lock()
	s.stopper = st
	s.mu.Unlock()
}

func (s *Service) subagentStopper() SubagentStopper {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopper
}

// SetLockTimeout changes how long store updates wait for the store lock.
func (s *Service) SetLockTimeout(d time.Duration) {
	s.store.SetLockTimeout(d)
}

// LockTimeout returns how long store updates wait for the store lock.
func (s *Service) LockTimeout() time.Duration {
	return s.store.LockTimeout()
}

// resolve canonicalizes raw and returns the key, its alias candidates and its store path.
func (s *Service) resolve(raw string) (Key, []string, string, error) {
	cfg := s.cfg.Get()
	r := NewResolver(cfg)
	k, err := r.Canonical(raw)
	if err != nil {
		return Key{}, nil, "", err
	}
	return k, r.Candidates(raw, k), StorePath(cfg, k.AgentID), nil
}

// StorePathFor returns the store file holding key.
func (s *Service) StorePathFor(raw string) (string, error) {
	_, _, path, err := s.resolve(raw)
	return path, err
}

// Canonical returns the canonical form of raw.
func (s *Service) Canonical(raw string) (Key, error) {
	return NewResolver(s.cfg.Get()).Canonical(raw)
}

// ResolveModel returns the effective provider/model for an entry of agentID.
func (s *Service) ResolveModel(agentID string, e *Entry) catalog.Ref {
	cat := s.catalog.Get()
	if e != nil && e.ModelOverride != "" {
		if e.ProviderOverride != "" {
			return catalog.Ref{Provider: e.ProviderOverride, Model: e.ModelOverride}
		}
		if ref, err := cat.Parse(e.ModelOverride); err == nil {
			return ref
		}
		return catalog.Ref{Model: e.ModelOverride}
	}

	cfg := s.cfg.Get()
	if a, ok := cfg.Agent(agentID); ok && a.Model != "" {
		if ref, err := cat.Parse(a.Model); err == nil {
			return ref
		}
	}
	ref, _ := cat.Default()
	return ref
}

func (s *Service) publish(key, reason string) {
	s.events.Publish(events.TopicSessionsChanged, map[string]any{"key": key, "reason": reason})
}

// Get returns a copy of the entry for key, or nil when it does not exist.
func (s *Service) Get(ctx context.Context, raw string) (*Entry, error) {
	k, candidates, path, err := s.resolve(raw)
	if err != nil {
		return nil, err
	}
	store, err := s.store.Load(path)
	if err != nil {
		return nil, err
	}
	return lookupEntry(store, k.String(), candidates).Clone(), nil
}

// SessionIDFor returns the session id of the entry for raw, or "" when the
// key is invalid or has no entry yet.
func (s *Service) SessionIDFor(ctx context.Context, raw string) string {
	e, err := s.Get(ctx, raw)
	if err != nil || e == nil {
		return ""
	}
	return e.SessionID
}

// PatchParams are the fields sessions.patch may change.
type PatchParams struct {
	Key            string           `json:"key"`
	Label          Optional[string] `json:"label"`
	ThinkingLevel  Optional[string] `json:"thinkingLevel"`
	VerboseLevel   Optional[string] `json:"verboseLevel"`
	ReasoningLevel Optional[string] `json:"reasoningLevel"`
	SendPolicy     Optional[string] `json:"sendPolicy"`
	Model          Optional[string] `json:"model"`
	SpawnedBy      Optional[string] `json:"spawnedBy"`
}

// PatchResult is returned by Patch.
type PatchResult struct {
	OK       bool        `json:"ok"`
	Key      string      `json:"key"`
	Entry    *Entry      `json:"entry"`
	Resolved catalog.Ref `json:"resolved"`
}

func invalidLevel(kind, raw string, valid []string) error {
	return apierr.InvalidRequest("Invalid %s level %q.", kind, raw).
		WithHint("Use one of: " + strings.Join(valid, ", "))
}

// normalized holds validated patch values.
type normalized struct {
	label, thinking, verbose, reasoning, sendPolicy, spawnedBy string
	model                                                      catalog.Ref
}

// validatePatch checks every field that does not need the store content.
func (s *Service) validatePatch(k Key, p PatchParams) (normalized, error) {
	var n normalized
	var ok bool

	if p.Label.Set && !p.Label.Null {
		n.label = strings.TrimSpace(p.Label.Value)
		if n.label == "" {
			return n, apierr.InvalidRequest("invalid label: empty")
		}
		if utf8.RuneCountInString(n.label) > MaxLabelLength {
			return n, apierr.InvalidRequest("invalid label: too long (max %d)", MaxLabelLength)
		}
	}
	if p.ThinkingLevel.Set && !p.ThinkingLevel.Null {
		if n.thinking, ok = NormalizeThinking(p.ThinkingLevel.Value); !ok {
			return n, invalidLevel("thinking", p.ThinkingLevel.Value, ThinkingLevels)
		}
	}
	if p.VerboseLevel.Set && !p.VerboseLevel.Null {
		if n.verbose, ok = NormalizeVerbose(p.VerboseLevel.Value); !ok {
			return n, invalidLevel("verbose", p.VerboseLevel.Value, VerboseLevels)
		}
	}
	if p.ReasoningLevel.Set && !p.ReasoningLevel.Null {
		if n.reasoning, ok = NormalizeReasoning(p.ReasoningLevel.Value); !ok {
			return n, invalidLevel("reasoning", p.ReasoningLevel.Value, ReasoningLevels)
		}
	}
	if p.SendPolicy.Set && !p.SendPolicy.Null {
		if n.sendPolicy, ok = NormalizeSendPolicy(p.SendPolicy.Value); !ok {
			return n, apierr.InvalidRequest("invalid sendPolicy %q", p.SendPolicy.Value).
				WithHint("Use one of: " + strings.Join(SendPolicies, ", "))
		}
	}
	if p.SpawnedBy.Set {
		if !k.IsSubagent() {
			return n, apierr.InvalidRequest("spawnedBy is only supported for subagent:* sessions")
		}
		if !p.SpawnedBy.Null {
			n.spawnedBy = strings.TrimSpace(p.SpawnedBy.Value)
			if n.spawnedBy == "" {
				return n, apierr.InvalidRequest("invalid spawnedBy: empty")
			}
		}
	}
	if p.Model.Set && !p.Model.Null {
		ref, err := s.catalog.Get().Resolve(p.Model.Value)
		if err != nil {
			return n, apierr.InvalidRequest("invalid model: %v", err)
		}
		n.model = ref
	}
	return n, nil
}

// Patch applies field updates to a session, creating it on first touch.
func (s *Service) Patch(ctx context.Context, p PatchParams) (*PatchResult, error) {
	k, candidates, path, err := s.resolve(p.Key)
	if err != nil {
		return nil, err
	}
	n, err := s.validatePatch(k, p)
	if err != nil {
		return nil, err
	}

	key := k.String()
	var updated *Entry
	err = s.store.Update(ctx, path, func(store Map) error {
		_, entry := ResolveCanonicalEntry(store, key, candidates)
		if entry == nil {
			entry = NewEntry(s.now())
		} else {
			entry = entry.Clone()
		}

		if p.Label.Set {
			if !p.Label.Null {
				for other, e := range store {
					if other != key && e.Label == n.label {
						return apierr.InvalidRequest("label already in use: %s", n.label)
					}
				}
			}
			entry.Label = n.label
		}
		if p.SpawnedBy.Set {
			if entry.SpawnedBy != "" && entry.SpawnedBy != n.spawnedBy {
				return apierr.InvalidRequest("spawnedBy cannot be changed once set")
			}
			entry.SpawnedBy = n.spawnedBy
		}
		if p.ThinkingLevel.Set {
			entry.ThinkingLevel = n.thinking
		}
		if p.VerboseLevel.Set {
			entry.VerboseLevel = n.verbose
		}
		if p.ReasoningLevel.Set {
			entry.ReasoningLevel = n.reasoning
		}
		if p.SendPolicy.Set {
			entry.SendPolicy = n.sendPolicy
		}
		if p.Model.Set {
			entry.ProviderOverride = n.model.Provider
			entry.ModelOverride = n.model.Model
		}

		entry.UpdatedAt = s.now().UnixMilli()
		store[key] = entry
		updated = entry.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("session patched", "key", key)
	s.publish(key, "patch")
	return &PatchResult{OK: true, Key: key, Entry: updated, Resolved: s.ResolveModel(k.AgentID, updated)}, nil
}

// ResetResult is returned by Reset.
type ResetResult struct {
	OK       bool   `json:"ok"`
	Key      string `json:"key"`
	Entry    *Entry `json:"entry"`
	Archived string `json:"archived,omitempty"`
}

// Reset starts a fresh run history for a session while keeping its preferences.
func (s *Service) Reset(ctx context.Context, raw string) (*ResetResult, error) {
	k, candidates, path, err := s.resolve(raw)
	if err != nil {
		return nil, err
	}

	key := k.String()
	var next *Entry
	var oldTranscript string
	err = s.store.Update(ctx, path, func(store Map) error {
		_, prev := ResolveCanonicalEntry(store, key, candidates)

		next = NewEntry(s.now())
		if prev != nil {
			oldTranscript = TranscriptPath(path, prev)
			next.ThinkingLevel = prev.ThinkingLevel
			next.VerboseLevel = prev.VerboseLevel
			next.ReasoningLevel = prev.ReasoningLevel
			next.ProviderOverride = prev.ProviderOverride
			next.ModelOverride = prev.ModelOverride
			next.SendPolicy = prev.SendPolicy
			next.Label = prev.Label
			next.DisplayName = prev.DisplayName
			next.SpawnedBy = prev.SpawnedBy
			next.LastChannel = prev.LastChannel
			next.LastTo = prev.LastTo
			if c := prev.Clone(); c != nil {
				next.Origin = c.Origin
				next.SkillsSnapshot = c.SkillsSnapshot
				next.Extra = c.Extra
			}
		}
		store[key] = next
		next = next.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &ResetResult{OK: true, Key: key, Entry: next}
	if archived, err := ArchiveFile(oldTranscript, ArchiveReset, s.now()); err != nil {
		s.logger.Warn("failed to archive transcript on reset", "key", key, "error", err)
	} else {
		res.Archived = archived
	}

	s.logger.Info("session reset", "key", key, "session_id", next.SessionID)
	s.publish(key, "reset")
	return res, nil
}

// DeleteParams are the sessions.delete parameters.
type DeleteParams struct {
	Key string `json:"key"`
	// DeleteTranscript archives the transcript when nil or true.
	DeleteTranscript *bool `json:"deleteTranscript,omitempty"`
}

// DeleteResult is returned by Delete.
type DeleteResult struct {
	OK       bool     `json:"ok"`
	Key      string   `json:"key"`
	Deleted  bool     `json:"deleted"`
	Archived []string `json:"archived"`
}

// Delete removes a session after stopping its queued work, subagents and active run.
// The main session of an agent can never be deleted.
func (s *Service) Delete(ctx context.Context, p DeleteParams) (*DeleteResult, error) {
	k, candidates, path, err := s.resolve(p.Key)
	if err != nil {
		return nil, err
	}
	cfg := s.cfg.Get()
	if NewResolver(cfg).IsMain(k) {
		return nil, apierr.InvalidRequest("Cannot delete the main session (%s).", k.String())
	}
	key := k.String()

	existing, err := s.store.Load(path)
	if err != nil {
		return nil, err
	}
	var sessionID string
	if e := lookupEntry(existing, key, candidates); e != nil {
		sessionID = e.SessionID
	}

	if s.runs != nil {
		s.runs.ClearQueue(key, sessionID)
	}
	if st := s.subagentStopper(); st != nil {
		if n := st.StopByRequester(key); n > 0 {
			s.logger.Info("stopped subagents of deleted session", "key", key, "count", n)
		}
	}
	if err := s.stopActiveRun(ctx, key, sessionID, cfg.Session.DeleteWait); err != nil {
		return nil, err
	}

	var removed *Entry
	err = s.store.Update(ctx, path, func(store Map) error {
		_, entry := ResolveCanonicalEntry(store, key, candidates)
		if entry == nil {
			return nil
		}
		removed = entry
		delete(store, key)
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &DeleteResult{OK: true, Key: key, Deleted: removed != nil, Archived: []string{}}
	if removed == nil {
		return res, nil
	}

	if p.DeleteTranscript == nil || *p.DeleteTranscript {
		archived, err := ArchiveFile(TranscriptPath(path, removed), ArchiveDeleted, s.now())
		if err != nil {
			s.logger.Warn("failed to archive transcript on delete", "key", key, "error", err)
		} else if archived != "" {
			res.Archived = append(res.Archived, archived)
		}
	}

	s.logger.Info("session deleted", "key", key, "archived", len(res.Archived))
	s.publish(key, "delete")
	return res, nil
}

// stopActiveRun aborts the run on key or sessionID and waits for it to end.
func (s *Service) stopActiveRun(ctx context.Context, key, sessionID string, wait time.Duration) error {
	if s.runs == nil {
		return nil
	}
	runID, ok := s.runs.AbortSession(key)
	if !ok && sessionID != "" {
		runID, ok = s.runs.AbortSession(sessionID)
	}
	if !ok {
		return nil
	}

	s.logger.Info("aborted active run before delete", "key", key, "run_id", runID)
	if _, err := s.runs.WaitForRun(ctx, runID, wait); err != nil {
		if errors.Is(err, agent.ErrRunNotFound) {
			return nil
		}
		if errors.Is(err, agent.ErrWaitTimeout) {
			return apierr.Unavailable("Session %s is still active; try again in a moment.", key)
		}
		return apierr.Wrap(err, "waiting for active run to end")
	}
	return nil
}

// ListParams filter sessions.list.
type ListParams struct {
	AgentID          string `json:"agentId,omitempty"`
	Limit            int    `json:"limit,omitempty"`
	IncludeSubagents bool   `json:"includeSubagents,omitempty"`
}

// Row is one listed session.
type Row struct {
	Key      string      `json:"key"`
	AgentID  string      `json:"agentId"`
	Kind     string      `json:"kind"`
	Entry    *Entry      `json:"entry"`
	Resolved catalog.Ref `json:"resolved"`
}

// ListResult is returned by List.
type ListResult struct {
	Count    int   `json:"count"`
	Sessions []Row `json:"sessions"`
}

// List returns sessions, most recently updated first.
func (s *Service) List(ctx context.Context, p ListParams) (*ListResult, error) {
	cfg := s.cfg.Get()
	r := NewResolver(cfg)

	agents := []string{cfg.DefaultAgent()}
	if p.AgentID != "" {
		agents = []string{strings.ToLower(strings.TrimSpace(p.AgentID))}
	} else {
		for _, a := range cfg.Agents.List {
			if a.ID != agents[0] {
				agents = append(agents, a.ID)
			}
		}
	}

	rows := []Row{}
	seenPaths := make(map[string]bool)
	for _, agentID := range agents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := StorePath(cfg, agentID)
		if seenPaths[path] {
			continue
		}
		seenPaths[path] = true

		store, err := s.store.Load(path)
		if err != nil {
			return nil, err
		}
		for raw, e := range store {
			k, ok := ParseKey(raw)
			if !ok {
				k = Key{AgentID: agentID, Rest: raw}
			}
			kind := "direct"
			switch {
			case k.IsSubagent():
				if !p.IncludeSubagents {
					continue
				}
				kind = "subagent"
			case r.IsMain(k):
				kind = "main"
			}
			rows = append(rows, Row{
				Key:      raw,
				AgentID:  k.AgentID,
				Kind:     kind,
				Entry:    e,
				Resolved: s.ResolveModel(k.AgentID, e),
			})
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Entry.UpdatedAt != rows[j].Entry.UpdatedAt {
			return rows[i].Entry.UpdatedAt > rows[j].Entry.UpdatedAt
		}
		return rows[i].Key < rows[j].Key
	})
	if p.Limit > 0 && len(rows) > p.Limit {
		rows = rows[:p.Limit]
	}
	return &ListResult{Count: len(rows), Sessions: rows}, nil
}
