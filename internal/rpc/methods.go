// ABOUTME: Registers the gateway methods against the session, subagent, decision and reload subsystems
// ABOUTME: Each method decodes its params, validates transport-level fields and delegates

package rpc

import (
	"context"
	"strings"
	"time"

	"github.com/2389/clawgate/internal/apierr"
	"github.com/2389/clawgate/internal/auth"
	"github.com/2389/clawgate/internal/decision"
	"github.com/2389/clawgate/internal/reload"
	"github.com/2389/clawgate/internal/session"
	"github.com/2389/clawgate/internal/subagent"
)

// Sessions is the session store surface used by the sessions.* methods.
type Sessions interface {
	List(ctx context.Context, p session.ListParams) (*session.ListResult, error)
	Patch(ctx context.Context, p session.PatchParams) (*session.PatchResult, error)
	Reset(ctx context.Context, key string) (*session.ResetResult, error)
	Delete(ctx context.Context, p session.DeleteParams) (*session.DeleteResult, error)
	Compact(ctx context.Context, p session.CompactParams) (*session.CompactResult, error)
}

// Subagents is the orchestrator surface used by sessions.spawn and subagents.list.
type Subagents interface {
	Spawn(ctx context.Context, p subagent.SpawnParams) (*subagent.SpawnResult, error)
	List(requester string) ([]subagent.Registration, error)
}

// Decisions is the decision service surface used by the decision.* methods.
type Decisions interface {
	Create(ctx context.Context, p decision.CreateParams) (*decision.Decision, error)
	Respond(ctx context.Context, p decision.RespondParams) (*decision.Decision, error)
	Get(ctx context.Context, id string) (*decision.Decision, error)
	List(ctx context.Context, f decision.Filter) ([]*decision.Decision, error)
}

// Reloader is the reload surface used by gateway.reload.
type Reloader interface {
	Reload(ctx context.Context, opts reload.ApplyOptions) (*reload.Result, error)
}

// HealthFunc reports process health for the health method.
type HealthFunc func(ctx context.Context) any

// Services are the subsystems methods are bound to. Nil services leave
// their methods unregistered.
type Services struct {
	Sessions  Sessions
	Subagents Subagents
	Decisions Decisions
	Reloader  Reloader
	Health    HealthFunc
}

// KeyParams carry a single session key.
type KeyParams struct {
	Key string `json:"key"`
}

// SubagentListParams filter subagents.list.
type SubagentListParams struct {
	RequesterSessionKey string `json:"requesterSessionKey,omitempty"`
}

// SubagentListResult is returned by subagents.list.
type SubagentListResult struct {
	Count     int                     `json:"count"`
	Subagents []subagent.Registration `json:"subagents"`
}

// DecisionIDParams identify one decision.
type DecisionIDParams struct {
	ID string `json:"id"`
}

// DecisionListResult is returned by decision.list.
type DecisionListResult struct {
	Count     int                  `json:"count"`
	Decisions []*decision.Decision `json:"decisions"`
}

// ReloadParams are the gateway.reload parameters.
type ReloadParams struct {
	ForceRestart bool `json:"forceRestart,omitempty"`
	// Graceful defaults to true.
	Graceful          *bool `json:"graceful,omitempty"`
	GracefulTimeoutMs int64 `json:"gracefulTimeoutMs,omitempty"`
}

func requireKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", apierr.InvalidRequest("key is required")
	}
	return key, nil
}

// Register binds every method backed by a non-nil service.
func Register(d *Dispatcher, s Services) {
	if s.Sessions != nil {
		registerSessions(d, s.Sessions)
	}
	if s.Subagents != nil {
		registerSubagents(d, s.Subagents)
	}
	if s.Decisions != nil {
		registerDecisions(d, s.Decisions)
	}
	if s.Reloader != nil {
		registerReload(d, s.Reloader)
	}
	if s.Health != nil {
		health := s.Health
		d.Handle("health", Typed("health", func(ctx context.Context, _ struct{}) (any, error) {
			return health(ctx), nil
		}))
	}
}

func registerSessions(d *Dispatcher, svc Sessions) {
	d.Handle("sessions.list", Typed("sessions.list", func(ctx context.Context, p session.ListParams) (*session.ListResult, error) {
		if p.Limit < 0 {
			return nil, apierr.InvalidRequest("limit must be >= 0")
		}
		return svc.List(ctx, p)
	}))

	d.Handle("sessions.patch", Typed("sessions.patch", func(ctx context.Context, p session.PatchParams) (*session.PatchResult, error) {
		key, err := requireKey(p.Key)
		if err != nil {
			return nil, err
		}
		p.Key = key
		return svc.Patch(ctx, p)
	}))

	d.Handle("sessions.reset", Typed("sessions.reset", func(ctx context.Context, p KeyParams) (*session.ResetResult, error) {
		key, err := requireKey(p.Key)
		if err != nil {
			return nil, err
		}
		return svc.Reset(ctx, key)
	}))

	d.Handle("sessions.delete", Typed("sessions.delete", func(ctx context.Context, p session.DeleteParams) (*session.DeleteResult, error) {
		key, err := requireKey(p.Key)
		if err != nil {
			return nil, err
		}
		p.Key = key
		return svc.Delete(ctx, p)
	}))

	d.Handle("sessions.compact", Typed("sessions.compact", func(ctx context.Context, p session.CompactParams) (*session.CompactResult, error) {
		key, err := requireKey(p.Key)
		if err != nil {
			return nil, err
		}
		p.Key = key
		return svc.Compact(ctx, p)
	}))
}

func registerSubagents(d *Dispatcher, orch Subagents) {
	d.Handle("sessions.spawn", Typed("sessions.spawn", orch.Spawn))

	d.Handle("subagents.list", Typed("subagents.list", func(_ context.Context, p SubagentListParams) (*SubagentListResult, error) {
		regs, err := orch.List(strings.TrimSpace(p.RequesterSessionKey))
		if err != nil {
			return nil, err
		}
		if regs == nil {
			regs = []subagent.Registration{}
		}
		return &SubagentListResult{Count: len(regs), Subagents: regs}, nil
	}))
}

func registerDecisions(d *Dispatcher, svc Decisions) {
	d.Handle("decision.create", Typed("decision.create", svc.Create))
	d.Handle("decision.respond", Typed("decision.respond", svc.Respond))
	d.Restrict("decision.respond", auth.RoleAdmin, auth.RoleOperator)

	d.Handle("decision.get", Typed("decision.get", func(ctx context.Context, p DecisionIDParams) (*decision.Decision, error) {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, apierr.InvalidRequest("id is required")
		}
		return svc.Get(ctx, id)
	}))

	d.Handle("decision.list", Typed("decision.list", func(ctx context.Context, f decision.Filter) (*DecisionListResult, error) {
		switch f.Status {
		case "", decision.StatusPending, decision.StatusResolved, decision.StatusExpired:
		default:
			return nil, apierr.InvalidRequest("invalid status %q", f.Status).
				WithHint("Use one of: pending, resolved, expired")
		}
		list, err := svc.List(ctx, f)
		if err != nil {
			return nil, err
		}
		if list == nil {
			list = []*decision.Decision{}
		}
		return &DecisionListResult{Count: len(list), Decisions: list}, nil
	}))
}

func registerReload(d *Dispatcher, r Reloader) {
	d.Handle("gateway.reload", Typed("gateway.reload", func(ctx context.Context, p ReloadParams) (*reload.Result, error) {
		if p.GracefulTimeoutMs < 0 {
			return nil, apierr.InvalidRequest("gracefulTimeoutMs must be >= 0")
		}
		opts := reload.ApplyOptions{
			ForceRestart:    p.ForceRestart,
			Graceful:        p.Graceful == nil || *p.Graceful,
			GracefulTimeout: time.Duration(p.GracefulTimeoutMs) * time.Millisecond,
		}
		return r.Reload(ctx, opts)
	}))
	d.Restrict("gateway.reload", auth.RoleAdmin, auth.RoleOperator)
}
