// ABOUTME: Subagent orchestrator: spawn, stop-by-requester and run-end cleanup
// ABOUTME: Child sessions are created through session patches and runs through the run manager

package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clawgate/internal/agent"
	"github.com/2389/clawgate/internal/apierr"
	"github.com/2389/clawgate/internal/config"
	"github.com/2389/clawgate/internal/events"
	"github.com/2389/clawgate/internal/session"
)

const (
	// runEndGrace is added to a child's run timeout when waiting for its end.
	runEndGrace = 30 * time.Second

	// abortConfirmWait bounds the wait for an aborted child to stop.
	abortConfirmWait = 10 * time.Second

	// cleanupTimeout bounds the delete issued for cleanup "delete".
	cleanupTimeout = 30 * time.Second
)

// Sessions is the part of the session service the orchestrator needs.
type Sessions interface {
	Patch(ctx context.Context, p session.PatchParams) (*session.PatchResult, error)
	Delete(ctx context.Context, p session.DeleteParams) (*session.DeleteResult, error)
	Canonical(raw string) (session.Key, error)
}

// Runs is the part of the run manager the orchestrator needs.
type Runs interface {
	Start(ctx context.Context, req agent.Request) (string, error)
	Abort(runID string) bool
	WaitForRun(ctx context.Context, runID string, timeout time.Duration) (agent.Result, error)
}

// Params holds the orchestrator's collaborators.
type Params struct {
	Sessions Sessions
	Runs     Runs
	Config   *config.Live
	Events   events.Publisher
	Logger   *slog.Logger
}

// Orchestrator spawns and tracks subagents.
type Orchestrator struct {
	sessions Sessions
	runs     Runs
	cfg      *config.Live
	registry *Registry
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	watchers sync.WaitGroup
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(p Params) *Orchestrator {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Events == nil {
		p.Events = events.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		sessions: p.Sessions,
		runs:     p.Runs,
		cfg:      p.Config,
		registry: NewRegistry(),
		events:   p.Events,
		logger:   p.Logger.With("component", "subagents"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SpawnParams are the sessions.spawn parameters.
type SpawnParams struct {
	Task                string          `json:"task"`
	Label               string          `json:"label,omitempty"`
	AgentID             string          `json:"agentId,omitempty"`
	Model               string          `json:"model,omitempty"`
	Thinking            string          `json:"thinking,omitempty"`
	RunTimeoutSeconds   int             `json:"runTimeoutSeconds,omitempty"`
	Cleanup             string          `json:"cleanup,omitempty"`
	RequesterSessionKey string          `json:"requesterSessionKey,omitempty"`
	RequesterOrigin     *session.Origin `json:"requesterOrigin,omitempty"`
}

// SpawnResult is returned by Spawn.
type SpawnResult struct {
	Status          string `json:"status"`
	ChildSessionKey string `json:"childSessionKey"`
	RunID           string `json:"runId"`
	ModelApplied    bool   `json:"modelApplied"`
	Warning         string `json:"warning,omitempty"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Spawn starts a child run for p.Task and registers it for cleanup.
func (o *Orchestrator) Spawn(ctx context.Context, p SpawnParams) (*SpawnResult, error) {
	task := strings.TrimSpace(p.Task)
	if task == "" {
		return nil, apierr.InvalidRequest("task is required")
	}
	cleanup := strings.ToLower(strings.TrimSpace(p.Cleanup))
	switch cleanup {
	case "":
		cleanup = CleanupKeep
	case CleanupKeep, CleanupDelete:
	default:
		return nil, apierr.InvalidRequest("cleanup must be %q or %q", CleanupDelete, CleanupKeep)
	}
	if p.RunTimeoutSeconds < 0 {
		return nil, apierr.InvalidRequest("runTimeoutSeconds must be >= 0")
	}

	if session.IsSubagentKey(p.RequesterSessionKey) {
		return nil, apierr.Forbidden("sessions.spawn is not allowed from sub-agent sessions")
	}

	cfg := o.cfg.Get()

	requesterAgent := cfg.DefaultAgent()
	var requesterKey string
	if strings.TrimSpace(p.RequesterSessionKey) != "" {
		k, err := o.sessions.Canonical(p.RequesterSessionKey)
		if err != nil {
			return nil, err
		}
		requesterAgent = k.AgentID
		requesterKey = k.String()
	}

	targetAgent := strings.ToLower(strings.TrimSpace(p.AgentID))
	if targetAgent == "" {
		targetAgent = requesterAgent
	}
	if !config.ValidAgentID(targetAgent) {
		return nil, apierr.InvalidRequest("invalid agentId %q", p.AgentID)
	}
	if targetAgent != requesterAgent {
		requesterCfg, _ := cfg.Agent(requesterAgent)
		allow := requesterCfg.Subagents.AllowAgents
		if !slices.Contains(allow, "*") && !slices.Contains(allow, targetAgent) {
			allowed := "none"
			if len(allow) > 0 {
				allowed = strings.Join(allow, ", ")
			}
			return nil, apierr.Forbidden("agentId is not allowed for sessions.spawn (allowed: %s)", allowed)
		}
	}
	targetCfg, _ := cfg.Agent(targetAgent)

	model := firstNonEmpty(p.Model, targetCfg.Subagents.Model, cfg.Agents.Defaults.Subagents.Model)

	var thinking string
	if raw := firstNonEmpty(p.Thinking, targetCfg.Subagents.Thinking, cfg.Agents.Defaults.Subagents.Thinking); raw != "" {
		level, ok := session.NormalizeThinking(raw)
		if !ok {
			return nil, apierr.InvalidRequest("Invalid thinking level %q.", raw).
				WithHint("Use one of: " + strings.Join(session.ThinkingLevels, ", "))
		}
		thinking = level
	}

	child := session.NewSubagentKey(targetAgent).String()
	label := strings.TrimSpace(p.Label)

	res := &SpawnResult{Status: "accepted", ChildSessionKey: child}

	if model != "" {
		if _, err := o.sessions.Patch(ctx, session.PatchParams{Key: child, Model: session.Some(model)}); err != nil {
			if !apierr.Is(err, apierr.CodeInvalidRequest) {
				o.discardChild(child)
				return nil, err
			}
			res.Warning = apierr.As(err).Message
			o.logger.Warn("subagent model not applied", "child", child, "model", model, "error", err)
		} else {
			res.ModelApplied = true
		}
	}

	settings := session.PatchParams{Key: child}
	if requesterKey != "" {
		settings.SpawnedBy = session.Some(requesterKey)
	}
	if label != "" {
		settings.Label = session.Some(label)
	}
	if thinking != "" {
		settings.ThinkingLevel = session.Some(thinking)
	}
	if _, err := o.sessions.Patch(ctx, settings); err != nil {
		o.discardChild(child)
		return nil, err
	}

	var runTimeout time.Duration
	if p.RunTimeoutSeconds > 0 {
		runTimeout = time.Duration(p.RunTimeoutSeconds) * time.Second
	}

	req := agent.Request{
		SessionKey: child,
		AgentID:    targetAgent,
		Message:    task,
		ExtraSystemPrompt: BuildSystemPrompt(PromptParams{
			RequesterSessionKey: requesterKey,
			RequesterOrigin:     p.RequesterOrigin,
			ChildSessionKey:     child,
			Label:               label,
			Task:                task,
		}),
		Thinking:       thinking,
		Label:          label,
		Deliver:        false,
		Lane:           agent.LaneSubagent,
		IdempotencyKey: uuid.New().String(),
		Timeout:        runTimeout,
	}
	if res.ModelApplied {
		req.Model = model
	}

	runID, err := o.runs.Start(ctx, req)
	if err != nil {
		o.logger.Error("failed to start subagent run", "child", child, "error", err)
		o.discardChild(child)
		return nil, apierr.Unavailable("failed to start subagent run: %v", err)
	}
	res.RunID = runID

	reg := Registration{
		RunID:               runID,
		ChildSessionKey:     child,
		RequesterSessionKey: requesterKey,
		RequesterOrigin:     p.RequesterOrigin,
		Task:                task,
		Cleanup:             cleanup,
		Label:               label,
		RunTimeoutSeconds:   p.RunTimeoutSeconds,
		Model:               model,
		CreatedAt:           o.now().UTC(),
	}
	if err := o.registry.Register(reg); err != nil {
		// Idempotency keys are fresh per spawn, so a duplicate means the run id was reused.
		return nil, apierr.Unavailable("registering subagent: %v", err)
	}

	o.watchers.Add(1)
	go o.watch(reg, o.waitBudget(cfg, p.RunTimeoutSeconds))

	o.logger.Info("subagent spawned",
		"run_id", runID,
		"child", child,
		"requester", requesterKey,
		"agent_id", targetAgent,
		"cleanup", cleanup,
	)
	o.events.Publish(events.TopicSubagentSpawned, reg)
	return res, nil
}

// waitBudget is how long a watcher waits for the child run to end.
func (o *Orchestrator) waitBudget(cfg *config.Config, runTimeoutSeconds int) time.Duration {
	if runTimeoutSeconds > 0 {
		return time.Duration(runTimeoutSeconds)*time.Second + runEndGrace
	}
	return cfg.Agents.Defaults.Subagents.WaitTimeout
}

// discardChild removes a child session after a failed spawn.
func (o *Orchestrator) discardChild(child string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := o.sessions.Delete(ctx, session.DeleteParams{Key: child}); err != nil {
		o.logger.Warn("failed to remove child session after failed spawn", "child", child, "error", err)
	}
}

// watch waits for reg's run to end and applies cleanup.
func (o *Orchestrator) watch(reg Registration, budget time.Duration) {
	defer o.watchers.Done()

	res, err := o.runs.WaitForRun(o.ctx, reg.RunID, budget)
	switch {
	case err == nil:
	case errors.Is(err, agent.ErrWaitTimeout):
		o.logger.Warn("subagent run exceeded wait budget, aborting", "run_id", reg.RunID, "budget", budget)
		o.runs.Abort(reg.RunID)
		if confirmed, cerr := o.runs.WaitForRun(o.ctx, reg.RunID, abortConfirmWait); cerr == nil {
			res = confirmed
		}
		res.RunID = reg.RunID
		res.Status = agent.StatusTimeout
	case errors.Is(err, context.Canceled):
		// Shutting down; the registration is lost with the process.
		return
	default:
		res = agent.Result{RunID: reg.RunID, Status: agent.StatusError, Error: err.Error()}
	}

	o.finish(reg.RunID, res)
}

// finish deregisters a run, announces its result and applies cleanup.
func (o *Orchestrator) finish(runID string, res agent.Result) {
	reg, ok := o.registry.Deregister(runID)
	if !ok {
		return
	}

	cfg := o.cfg.Get()
	if cfg.AnnounceSubagents() && reg.RequesterSessionKey != "" && !reg.Stopped {
		o.announce(reg, res)
	}

	if reg.Cleanup == CleanupDelete {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		_, err := o.sessions.Delete(ctx, session.DeleteParams{Key: reg.ChildSessionKey})
		cancel()
		if err != nil {
			o.logger.Warn("subagent cleanup failed", "child", reg.ChildSessionKey, "error", err)
		}
	}

	reg.EndedAt = o.now().UTC()
	reg.Outcome = res.Status
	o.logger.Info("subagent ended", "run_id", runID, "child", reg.ChildSessionKey, "status", res.Status)
	o.events.Publish(events.TopicSubagentEnded, reg)
}

// announce starts a run on the requester session reporting the child's result.
func (o *Orchestrator) announce(reg Registration, res agent.Result) {
	req := agent.Request{
		SessionKey:     reg.RequesterSessionKey,
		Message:        BuildAnnouncement(reg, res),
		Deliver:        true,
		Lane:           agent.LaneMain,
		IdempotencyKey: "announce:" + reg.RunID,
	}
	if origin := reg.RequesterOrigin; origin != nil {
		req.Channel = origin.Channel
		req.To = origin.To
		req.AccountID = origin.AccountID
		req.ThreadID = origin.ThreadID
	}
	if _, err := o.runs.Start(context.Background(), req); err != nil {
		o.logger.Warn("failed to announce subagent result", "run_id", reg.RunID, "requester", reg.RequesterSessionKey, "error", err)
	}
}

// StopByRequester aborts every child run spawned by requesterKey.
// Their registrations are cleaned up by their watchers as the runs end.
func (o *Orchestrator) StopByRequester(requesterKey string) int {
	regs := o.registry.MarkStoppedByRequester(requesterKey)
	for _, reg := range regs {
		o.runs.Abort(reg.RunID)
		o.logger.Info("stopping subagent", "run_id", reg.RunID, "requester", requesterKey)
	}
	return len(regs)
}

// List returns live registrations, optionally only those of requester.
func (o *Orchestrator) List(requester string) ([]Registration, error) {
	if strings.TrimSpace(requester) == "" {
		return o.registry.List(""), nil
	}
	k, err := o.sessions.Canonical(requester)
	if err != nil {
		return nil, err
	}
	return o.registry.List(k.String()), nil
}

// Wait blocks until every watcher has finished.
func (o *Orchestrator) Wait() {
	o.watchers.Wait()
}

// Close stops all watchers without applying cleanup.
func (o *Orchestrator) Close() {
	o.cancel()
	o.watchers.Wait()
}

// String implements fmt.Stringer for log output.
func (r Registration) String() string {
	return fmt.Sprintf("subagent(run=%s child=%s)", r.RunID, r.ChildSessionKey)
}
