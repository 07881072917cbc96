// ABOUTME: Process-local registry of live subagent registrations
// ABOUTME: Enforces register-once and deregister-once keyed by run id

package subagent

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/2389/clawgate/internal/agent"
	"github.com/2389/clawgate/internal/session"
)

// ErrAlreadyRegistered indicates a registration for the run id exists.
var ErrAlreadyRegistered = errors.New("subagent run already registered")

// Cleanup policies.
const (
	CleanupDelete = "delete"
	CleanupKeep   = "keep"
)

// Registration records one live child run.
type Registration struct {
	RunID               string          `json:"runId"`
	ChildSessionKey     string          `json:"childSessionKey"`
	RequesterSessionKey string          `json:"requesterSessionKey,omitempty"`
	RequesterOrigin     *session.Origin `json:"requesterOrigin,omitempty"`
	Task                string          `json:"task"`
	Cleanup             string          `json:"cleanup"`
	Label               string          `json:"label,omitempty"`
	RunTimeoutSeconds   int             `json:"runTimeoutSeconds,omitempty"`
	Model               string          `json:"model,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	EndedAt             time.Time       `json:"endedAt,omitzero"`
	Outcome             agent.Status    `json:"outcome,omitempty"`

	// Stopped is set when the requester asked for its children to stop.
	Stopped bool `json:"stopped,omitempty"`
}

// Registry is a concurrency-safe map of registrations keyed by run id.
type Registry struct {
	mu    sync.RWMutex
	byRun map[string]*Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byRun: make(map[string]*Registration)}
}

// Register adds r. A run id can only be registered once while live.
func (r *Registry) Register(reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byRun[reg.RunID]; exists {
		return ErrAlreadyRegistered
	}
	r.byRun[reg.RunID] = &reg
	return nil
}

// Deregister removes and returns the registration for runID. Only the first
// caller for a given run id receives it.
func (r *Registry) Deregister(runID string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byRun[runID]
	if !ok {
		return Registration{}, false
	}
	delete(r.byRun, runID)
	return *reg, true
}

// Get returns the registration for runID.
func (r *Registry) Get(runID string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.byRun[runID]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// MarkStoppedByRequester flags and returns every registration whose requester is key.
func (r *Registry) MarkStoppedByRequester(key string) []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Registration
	for _, reg := range r.byRun {
		if reg.RequesterSessionKey == key {
			reg.Stopped = true
			out = append(out, *reg)
		}
	}
	return out
}

// List returns registrations, optionally filtered by requester, oldest first.
func (r *Registry) List(requester string) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, 0, len(r.byRun))
	for _, reg := range r.byRun {
		if requester != "" && reg.RequesterSessionKey != requester {
			continue
		}
		out = append(out, *reg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out
}

// Len returns the number of live registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRun)
}
