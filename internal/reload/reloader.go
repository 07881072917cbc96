// ABOUTME: Applies reload plans to a running gateway through a Target
// ABOUTME: Handles graceful drains, forced restarts, hot swaps and per-subsystem restarts

package reload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/clawgate/internal/config"
	"github.com/2389/clawgate/internal/events"
)

// DefaultGracefulTimeout bounds a drain when the caller gives no timeout.
const DefaultGracefulTimeout = 30 * time.Second

// Subsystem names used in Target.RestartSubsystem and HotOutcome.
const (
	SubsystemChannels       = "channels"
	SubsystemCron           = "cron"
	SubsystemHeartbeat      = "heartbeat"
	SubsystemHooks          = "hooks"
	SubsystemBrowserControl = "browser-control"
)

// errForced is the cancel cause of a drain pre-empted by a forced reload.
var errForced = errors.New("drain cancelled by forced reload")

// Target is the running gateway as seen by the reloader.
type Target interface {
	// ApplyHot refreshes state derived from the configuration after next
	// has been installed as the live config.
	ApplyHot(ctx context.Context, next *config.Config, plan *Plan) error

	// RestartSubsystem tears down and rebuilds one subsystem. For channels,
	// ids lists the channels to restart.
	RestartSubsystem(ctx context.Context, name string, ids []string) error

	// WaitIdle blocks until no runs are in flight or ctx ends.
	WaitIdle(ctx context.Context) error

	// RequestRestart asks the process to restart. It must not block.
	RequestRestart(reasons []string)
}

// ApplyOptions control how a plan is applied.
type ApplyOptions struct {
	ForceRestart    bool          `json:"forceRestart,omitempty"`
	Graceful        bool          `json:"graceful,omitempty"`
	GracefulTimeout time.Duration `json:"-"`

	// Mode is a gateway.reload.mode; empty applies the plan as built.
	Mode string `json:"-"`
}

// RestartOutcome describes a gateway restart.
type RestartOutcome struct {
	Scheduled bool     `json:"scheduled"`
	Drained   bool     `json:"drained"`
	Forced    bool     `json:"forced"`
	Skipped   bool     `json:"skipped,omitempty"`
	Reasons   []string `json:"reasons"`
	WaitedMs  int64    `json:"waitedMs"`
}

// HotOutcome describes an in-place reload.
type HotOutcome struct {
	Applied []string          `json:"applied"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Result is returned by Apply and Reload.
type Result struct {
	Mode    string          `json:"mode"`
	Plan    *Plan           `json:"plan"`
	Restart *RestartOutcome `json:"restart,omitempty"`
	Hot     *HotOutcome     `json:"hot,omitempty"`
}

// Params holds the Reloader's collaborators.
type Params struct {
	Live    *config.Live
	Target  Target
	Planner *Planner
	Events  events.Publisher
	Logger  *slog.Logger

	// Load reads the configuration from disk; defaults to config.Load.
	Load func(path string) (*config.Config, error)
}

// Reloader applies configuration changes to a running gateway.
type Reloader struct {
	live    *config.Live
	target  Target
	planner *Planner
	events  events.Publisher
	logger  *slog.Logger
	load    func(string) (*config.Config, error)

	// mu serializes reloads.
	mu sync.Mutex

	drainMu     sync.Mutex
	cancelDrain context.CancelCauseFunc
}

// NewReloader creates a reloader.
func NewReloader(p Params) *Reloader {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Events == nil {
		p.Events = events.Nop{}
	}
	if p.Planner == nil {
		p.Planner = NewPlanner(nil)
	}
	if p.Load == nil {
		p.Load = config.Load
	}
	return &Reloader{
		live:    p.Live,
		target:  p.Target,
		planner: p.Planner,
		events:  p.Events,
		logger:  p.Logger.With("component", "reload"),
		load:    p.Load,
	}
}

// Reload re-reads the live config's file and applies the difference.
func (r *Reloader) Reload(ctx context.Context, opts ApplyOptions) (*Result, error) {
	return r.reload(ctx, opts, false)
}

func (r *Reloader) reload(ctx context.Context, opts ApplyOptions, modeFromFile bool) (*Result, error) {
	if opts.ForceRestart {
		r.preemptDrain()
	}

	path := r.live.Get().Path
	if path == "" {
		return nil, errors.New("live configuration has no file path")
	}
	next, err := r.load(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	next.Path = path
	if modeFromFile {
		opts.Mode = next.Gateway.Reload.Mode
	}
	return r.apply(ctx, next, opts)
}

// Apply diffs next against the live config and applies the resulting plan.
func (r *Reloader) Apply(ctx context.Context, next *config.Config, opts ApplyOptions) (*Result, error) {
	if opts.ForceRestart {
		r.preemptDrain()
	}
	return r.apply(ctx, next, opts)
}

func (r *Reloader) apply(ctx context.Context, next *config.Config, opts ApplyOptions) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.live.Get()
	if prev.Fingerprint() == next.Fingerprint() {
		res := &Result{Mode: ModeNoop, Plan: newPlan(nil)}
		r.logger.Debug("configuration unchanged")
		return res, nil
	}

	plan := r.planner.Plan(Diff(prev.Raw, next.Raw))
	if opts.Mode == config.ReloadModeRestart && len(plan.ChangedPaths) > 0 {
		plan = plan.ForceGatewayRestart()
	}

	var res *Result
	switch {
	case plan.RestartGateway && opts.Mode == config.ReloadModeHot:
		res = r.hotSkippingRestart(ctx, next, plan)
	case plan.RestartGateway:
		res = r.restart(ctx, plan, opts)
	default:
		res = r.hot(ctx, next, plan)
	}

	r.logger.Info("configuration reload",
		"mode", res.Mode,
		"changed", len(plan.ChangedPaths),
		"restart_gateway", plan.RestartGateway,
	)
	r.events.Publish(events.TopicGatewayReload, res)
	return res, nil
}

// hot installs next and restarts the subsystems plan names.
func (r *Reloader) hot(ctx context.Context, next *config.Config, plan *Plan) *Result {
	res := &Result{Mode: plan.Mode(), Plan: plan, Hot: &HotOutcome{Applied: []string{}}}

	r.live.Swap(next)
	if res.Mode == ModeNoop {
		res.Hot = nil
		return res
	}
	if err := r.target.ApplyHot(ctx, next, plan); err != nil {
		r.fail(res.Hot, "config", err)
	} else if len(plan.HotReasons) > 0 {
		res.Hot.Applied = append(res.Hot.Applied, "config")
	}

	restart := func(name string, ids []string) {
		if err := r.target.RestartSubsystem(ctx, name, ids); err != nil {
			r.fail(res.Hot, name, err)
			return
		}
		res.Hot.Applied = append(res.Hot.Applied, name)
	}
	if len(plan.RestartChannels) > 0 {
		restart(SubsystemChannels, plan.RestartChannels)
	}
	if plan.RestartCron {
		restart(SubsystemCron, nil)
	}
	if plan.RestartHeartbeat {
		restart(SubsystemHeartbeat, nil)
	}
	if plan.ReloadHooks {
		restart(SubsystemHooks, nil)
	}
	if plan.RestartBrowserControl {
		restart(SubsystemBrowserControl, nil)
	}

	return res
}

// hotSkippingRestart applies the parts of plan that need no gateway restart
// and reports the restart as skipped. The live config becomes next, so the
// restart-only values take effect at the next process start.
func (r *Reloader) hotSkippingRestart(ctx context.Context, next *config.Config, plan *Plan) *Result {
	rest := make([]string, 0, len(plan.ChangedPaths))
	for _, path := range plan.ChangedPaths {
		if !r.planner.RestartsGateway(path) {
			rest = append(rest, path)
		}
	}
	applied := r.hot(ctx, next, r.planner.Plan(rest))

	r.logger.Warn("configuration change requires a gateway restart; reload mode is hot, not restarting",
		"reasons", plan.RestartReasons)
	return &Result{
		Mode:    ModeRestart,
		Plan:    plan,
		Hot:     applied.Hot,
		Restart: &RestartOutcome{Skipped: true, Reasons: plan.RestartReasons},
	}
}

func (r *Reloader) fail(h *HotOutcome, name string, err error) {
	if h.Failed == nil {
		h.Failed = map[string]string{}
	}
	h.Failed[name] = err.Error()
	r.logger.Error("hot reload step failed", "step", name, "error", err)
}

// restart schedules a gateway restart, draining first when asked.
func (r *Reloader) restart(ctx context.Context, plan *Plan, opts ApplyOptions) *Result {
	out := &RestartOutcome{Reasons: plan.RestartReasons}
	res := &Result{Mode: ModeRestart, Plan: plan, Restart: out}

	if opts.Graceful && !opts.ForceRestart {
		out.Drained, out.Forced, out.WaitedMs = r.drain(ctx, opts.GracefulTimeout)
	} else {
		out.Forced = opts.ForceRestart
	}

	r.target.RequestRestart(plan.RestartReasons)
	out.Scheduled = true
	return res
}

// drain waits for in-flight runs to finish, bounded by timeout.
func (r *Reloader) drain(ctx context.Context, timeout time.Duration) (drained, forced bool, waitedMs int64) {
	if timeout <= 0 {
		timeout = DefaultGracefulTimeout
	}

	drainCtx, cancel := context.WithCancelCause(ctx)
	r.drainMu.Lock()
	r.cancelDrain = cancel
	r.drainMu.Unlock()
	defer func() {
		r.drainMu.Lock()
		r.cancelDrain = nil
		r.drainMu.Unlock()
		cancel(nil)
	}()

	waitCtx, stop := context.WithTimeout(drainCtx, timeout)
	defer stop()

	start := time.Now()
	err := r.target.WaitIdle(waitCtx)
	waitedMs = time.Since(start).Milliseconds()

	switch {
	case err == nil:
		return true, false, waitedMs
	case errors.Is(context.Cause(drainCtx), errForced):
		r.logger.Info("drain pre-empted by forced reload", "waited_ms", waitedMs)
		return false, true, waitedMs
	default:
		r.logger.Warn("drain did not complete, restarting anyway", "timeout", timeout, "error", err)
		return false, false, waitedMs
	}
}

// preemptDrain cancels a drain in progress, if any.
func (r *Reloader) preemptDrain() {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()
	if r.cancelDrain != nil {
		r.cancelDrain(errForced)
	}
}
