// ABOUTME: Decision store interface and the in-memory implementation
// ABOUTME: Resolution is compare-and-swap: only a pending decision can be responded to or expired

package decision

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrExists is returned when creating a decision whose id is taken.
var ErrExists = errors.New("decision already exists")

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Status     Status `json:"status,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
}

func (f Filter) match(d *Decision) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.AgentID != "" && d.Context.AgentID != f.AgentID {
		return false
	}
	if f.SessionKey != "" && d.Context.SessionKey != f.SessionKey {
		return false
	}
	return true
}

// Store persists decisions.
type Store interface {
	// Create stores a new pending decision.
	Create(ctx context.Context, d *Decision) error

	// Respond resolves a pending decision. It returns nil, nil when the
	// decision does not exist or is no longer pending, and an InvalidRequest
	// error when the answer does not fit the decision.
	Respond(ctx context.Context, id string, answer Answer, by Responder, at time.Time) (*Decision, error)

	// Expire moves a pending decision to expired. It returns nil, nil when
	// the decision does not exist or is no longer pending.
	Expire(ctx context.Context, id string, at time.Time) (*Decision, error)

	// Get returns the decision or nil when it does not exist.
	Get(ctx context.Context, id string) (*Decision, error)

	// List returns matching decisions, oldest first.
	List(ctx context.Context, f Filter) ([]*Decision, error)

	Close() error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu        sync.Mutex
	decisions map[string]*Decision
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{decisions: make(map[string]*Decision)}
}

func (m *MemoryStore) Create(_ context.Context, d *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.decisions[d.ID]; ok {
		return ErrExists
	}
	m.decisions[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) Respond(_ context.Context, id string, answer Answer, by Responder, at time.Time) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.decisions[id]
	if !ok || d.Status != StatusPending {
		return nil, nil
	}
	matched, err := MatchAnswer(d, answer)
	if err != nil {
		return nil, err
	}
	d.Status = StatusResolved
	d.ResolvedAt = at.UTC()
	d.RespondedBy = &by
	d.Response = &matched
	return d.Clone(), nil
}

func (m *MemoryStore) Expire(_ context.Context, id string, at time.Time) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.decisions[id]
	if !ok || d.Status != StatusPending {
		return nil, nil
	}
	d.Status = StatusExpired
	d.ResolvedAt = at.UTC()
	return d.Clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decisions[id].Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Decision, 0, len(m.decisions))
	for _, d := range m.decisions {
		if f.match(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
