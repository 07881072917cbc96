// ABOUTME: Decision service used by the RPC layer
// ABOUTME: Renders questions, applies advisory expiry on read and respond, and broadcasts changes

package decision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/clawgate/internal/apierr"
	"github.com/2389/clawgate/internal/config"
	"github.com/2389/clawgate/internal/events"
)

// OpenStore returns the store selected by cfg.Decisions.Store.
func OpenStore(cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.Decisions.Store {
	case config.DecisionStoreMemory:
		return NewMemoryStore(), nil
	case config.DecisionStoreSQLite, "":
		return NewSQLiteStore(cfg.Database.Path, logger)
	default:
		return nil, fmt.Errorf("unknown decision store %q", cfg.Decisions.Store)
	}
}

// Service implements the decision.* operations.
type Service struct {
	store  Store
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewService wraps store.
func NewService(store Store, publisher events.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		store:  store,
		events: publisher,
		logger: logger.With("component", "decisions"),
		now:    time.Now,
	}
}

// Create validates p and stores a new pending decision.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Decision, error) {
	d, err := New(p, s.now())
	if err != nil {
		return nil, err
	}
	d.QuestionHTML = RenderQuestion(d.Question)

	if err := s.store.Create(ctx, d); err != nil {
		return nil, apierr.Wrap(err, "storing decision")
	}

	s.logger.Info("decision created", "id", d.ID, "type", d.Type, "session_key", d.Context.SessionKey)
	s.events.Publish(events.TopicDecisionCreated, d)
	return d, nil
}

// RespondParams are the decision.respond parameters.
type RespondParams struct {
	DecisionID  string    `json:"decisionId"`
	Answer      Answer    `json:"answer"`
	RespondedBy Responder `json:"respondedBy"`
}

// Respond resolves a pending decision. Only the first response succeeds.
func (s *Service) Respond(ctx context.Context, p RespondParams) (*Decision, error) {
	id := strings.TrimSpace(p.DecisionID)
	if id == "" {
		return nil, apierr.InvalidRequest("decisionId is required")
	}
	if strings.TrimSpace(p.RespondedBy.UserID) == "" {
		return nil, apierr.InvalidRequest("respondedBy.userId is required")
	}

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, apierr.Wrap(err, "loading decision")
	}
	if current == nil || current.Status != StatusPending {
		return nil, apierr.InvalidRequest("decision not found or already responded")
	}
	if current.Expired(s.now()) {
		if _, err := s.expire(ctx, id); err != nil {
			return nil, err
		}
		return nil, apierr.InvalidRequest("decision expired")
	}

	d, err := s.store.Respond(ctx, id, p.Answer, p.RespondedBy, s.now())
	if err != nil {
		return nil, apierr.Wrap(err, "resolving decision")
	}
	if d == nil {
		return nil, apierr.InvalidRequest("decision not found or already responded")
	}

	s.logger.Info("decision resolved", "id", d.ID, "user_id", p.RespondedBy.UserID, "option_id", d.Response.OptionID)
	s.events.Publish(events.TopicDecisionResolved, d)
	return d, nil
}

// Get returns the decision with id, expiring it first when its timeout elapsed.
func (s *Service) Get(ctx context.Context, id string) (*Decision, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apierr.InvalidRequest("decisionId is required")
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, apierr.Wrap(err, "loading decision")
	}
	if d == nil {
		return nil, apierr.InvalidRequest("decision not found")
	}
	if d.Expired(s.now()) {
		expired, err := s.expire(ctx, id)
		if err != nil {
			return nil, err
		}
		if expired != nil {
			return expired, nil
		}
		// Someone else moved it; reload.
		return s.Get(ctx, id)
	}
	return d, nil
}

// List returns decisions matching f. Timed-out pending decisions are
// expired first so a status filter sees their real state.
func (s *Service) List(ctx context.Context, f Filter) ([]*Decision, error) {
	pending, err := s.store.List(ctx, Filter{Status: StatusPending, AgentID: f.AgentID, SessionKey: f.SessionKey})
	if err != nil {
		return nil, apierr.Wrap(err, "listing decisions")
	}
	now := s.now()
	for _, d := range pending {
		if d.Expired(now) {
			if _, err := s.expire(ctx, d.ID); err != nil {
				return nil, err
			}
		}
	}

	out, err := s.store.List(ctx, f)
	if err != nil {
		return nil, apierr.Wrap(err, "listing decisions")
	}
	if out == nil {
		out = []*Decision{}
	}
	return out, nil
}

// expire transitions id to expired and broadcasts when this call won.
func (s *Service) expire(ctx context.Context, id string) (*Decision, error) {
	d, err := s.store.Expire(ctx, id, s.now())
	if err != nil {
		return nil, apierr.Wrap(err, "expiring decision")
	}
	if d != nil {
		s.logger.Info("decision expired", "id", id)
		s.events.Publish(events.TopicDecisionExpired, d)
	}
	return d, nil
}

// Close closes the underlying store.
func (s *Service) Close() error {
	return s.store.Close()
}
