// ABOUTME: Session key parsing and canonicalization
// ABOUTME: Maps request spellings onto agent:<id>:<rest> keys and lists their legacy aliases

package session

import (
	"strings"

	"github.com/google/uuid"

	"github.com/2389/clawgate/internal/apierr"
	"github.com/2389/clawgate/internal/config"
)

const (
	agentPrefix     = "agent:"
	subagentSegment = "subagent:"
)

// Key is a canonical session key, agent:<AgentID>:<Rest>.
type Key struct {
	AgentID string
	Rest    string
}

// String returns the canonical form.
func (k Key) String() string {
	return agentPrefix + k.AgentID + ":" + k.Rest
}

// IsSubagent reports whether k names a subagent session.
func (k Key) IsSubagent() bool {
	return strings.HasPrefix(k.Rest, subagentSegment)
}

// ParseKey parses an agent-qualified key. Bare keys are rejected.
func ParseKey(raw string) (Key, bool) {
	lower := strings.ToLower(strings.TrimSpace(raw))
	body, ok := strings.CutPrefix(lower, agentPrefix)
	if !ok {
		return Key{}, false
	}
	agentID, rest, ok := strings.Cut(body, ":")
	if !ok || rest == "" || !config.ValidAgentID(agentID) {
		return Key{}, false
	}
	return Key{AgentID: agentID, Rest: rest}, true
}

// IsSubagentKey reports whether raw denotes a subagent session, qualified or bare.
func IsSubagentKey(raw string) bool {
	if k, ok := ParseKey(raw); ok {
		return k.IsSubagent()
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw)), subagentSegment)
}

// NewSubagentKey mints a fresh child key for agentID.
func NewSubagentKey(agentID string) Key {
	return Key{AgentID: agentID, Rest: subagentSegment + uuid.New().String()}
}

// Resolver canonicalizes request keys against the configured default agent and main key.
type Resolver struct {
	DefaultAgent string
	MainKey      string
}

// NewResolver returns the resolver for cfg.
func NewResolver(cfg *config.Config) Resolver {
	return Resolver{DefaultAgent: cfg.DefaultAgent(), MainKey: cfg.Session.MainKey}
}

// Main returns the protected main key of agentID.
func (r Resolver) Main(agentID string) Key {
	return Key{AgentID: agentID, Rest: r.MainKey}
}

// IsMain reports whether k is its agent's main key.
func (r Resolver) IsMain(k Key) bool {
	return k.Rest == r.MainKey
}

// Canonical resolves a request key. "main" (or the configured main key) maps to
// the default agent's main session, bare keys are scoped to the default agent,
// and agent-qualified keys are lower-cased.
func (r Resolver) Canonical(raw string) (Key, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Key{}, apierr.InvalidRequest("key is required")
	}
	lower := strings.ToLower(trimmed)

	if lower == "main" || lower == r.MainKey {
		return r.Main(r.DefaultAgent), nil
	}
	if strings.HasPrefix(lower, agentPrefix) {
		k, ok := ParseKey(lower)
		if !ok {
			return Key{}, apierr.InvalidRequest("invalid session key %q", raw)
		}
		return k, nil
	}
	return Key{AgentID: r.DefaultAgent, Rest: lower}, nil
}

// Candidates lists every spelling under which k may have been stored, canonical first.
func (r Resolver) Candidates(raw string, k Key) []string {
	out := []string{k.String()}
	add := func(s string) {
		if s == "" {
			return
		}
		for _, existing := range out {
			if existing == s {
				return
			}
		}
		out = append(out, s)
	}

	add(strings.TrimSpace(raw))
	add(strings.ToLower(strings.TrimSpace(raw)))
	if k.AgentID == r.DefaultAgent {
		add(k.Rest)
		if r.IsMain(k) {
			add("main")
		}
	}
	return out
}
