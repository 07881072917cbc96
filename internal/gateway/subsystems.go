// ABOUTME: Long-running gateway subsystems that the reloader can restart independently
// ABOUTME: Heartbeat and cron schedule runs, channels and browser-control track collaborator state

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clawgate/internal/agent"
	"github.com/2389/clawgate/internal/config"
	"github.com/2389/clawgate/internal/session"
)

const (
	defaultHeartbeatPrompt = "Heartbeat: check for pending work and report anything that needs attention."
	browserProbeInterval   = 30 * time.Second
	browserProbeTimeout    = 5 * time.Second
)

// runStarter is the slice of agent.Manager used by schedulers.
type runStarter interface {
	Start(ctx context.Context, req agent.Request) (string, error)
	ActiveRun(key string) (string, bool)
}

// supervisor owns the cancel function of one background loop.
type supervisor struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newSupervisor(name string, logger *slog.Logger) *supervisor {
	return &supervisor{name: name, logger: logger.With("subsystem", name)}
}

// restart stops the running loop, if any, and starts run in its place.
func (s *supervisor) restart(parent context.Context, run func(ctx context.Context)) {
	s.stop()

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		run(ctx)
	}()
}

// stop cancels the running loop and waits for it to return.
func (s *supervisor) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// every calls fn on each tick until ctx ends.
func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// startScheduled starts a scheduled run unless the session is already busy.
func startScheduled(ctx context.Context, runs runStarter, logger *slog.Logger, req agent.Request) {
	if runID, busy := runs.ActiveRun(req.SessionKey); busy {
		logger.Debug("skipping scheduled run, session busy", "session", req.SessionKey, "active_run", runID)
		return
	}
	runID, err := runs.Start(ctx, req)
	if err != nil {
		logger.Warn("scheduled run not started", "session", req.SessionKey, "lane", req.Lane, "error", err)
		return
	}
	logger.Debug("scheduled run started", "session", req.SessionKey, "lane", req.Lane, "run_id", runID)
}

// agentIDs lists the configured agents, or the default agent when none are listed.
func agentIDs(cfg *config.Config) []string {
	if len(cfg.Agents.List) == 0 {
		return []string{cfg.DefaultAgent()}
	}
	ids := make([]string, 0, len(cfg.Agents.List))
	for _, a := range cfg.Agents.List {
		ids = append(ids, a.ID)
	}
	return ids
}

// heartbeatLoop starts a run on every agent's main session at the configured interval.
func heartbeatLoop(runs runStarter, cfg *config.Config, logger *slog.Logger) func(ctx context.Context) {
	hb := cfg.Agents.Defaults.Heartbeat
	return func(ctx context.Context) {
		if hb.Every <= 0 {
			logger.Debug("heartbeat disabled")
			return
		}
		prompt := hb.Prompt
		if prompt == "" {
			prompt = defaultHeartbeatPrompt
		}
		resolver := session.NewResolver(cfg)
		logger.Info("heartbeat scheduled", "every", hb.Every)
		every(ctx, hb.Every, func() {
			for _, id := range agentIDs(cfg) {
				startScheduled(ctx, runs, logger, agent.Request{
					SessionKey:     resolver.Main(id).String(),
					AgentID:        id,
					Message:        prompt,
					Lane:           agent.LaneHeartbeat,
					IdempotencyKey: "heartbeat:" + uuid.New().String(),
				})
			}
		})
	}
}

// cronLoop runs every configured job on its own ticker.
func cronLoop(runs runStarter, cfg *config.Config, logger *slog.Logger) func(ctx context.Context) {
	return func(ctx context.Context) {
		if !cfg.Cron.Enabled || len(cfg.Cron.Jobs) == 0 {
			logger.Debug("cron disabled")
			return
		}
		resolver := session.NewResolver(cfg)

		var wg sync.WaitGroup
		for _, job := range cfg.Cron.Jobs {
			key, err := resolver.Canonical(job.SessionKey)
			if err != nil {
				logger.Error("cron job has invalid session key", "job", job.Name, "error", err)
				continue
			}
			if job.Every <= 0 {
				continue
			}
			wg.Add(1)
			go func(job config.CronJob, key session.Key) {
				defer wg.Done()
				logger.Info("cron job scheduled", "job", job.Name, "every", job.Every, "session", key.String())
				every(ctx, job.Every, func() {
					startScheduled(ctx, runs, logger, agent.Request{
						SessionKey:     key.String(),
						AgentID:        key.AgentID,
						Message:        job.Message,
						Lane:           agent.LaneCron,
						Label:          job.Name,
						IdempotencyKey: fmt.Sprintf("cron:%s:%s", job.Name, uuid.New().String()),
					})
				})
			}(job, key)
		}
		wg.Wait()
	}
}

// ChannelStatus is the gateway's view of one channel connection.
type ChannelStatus struct {
	ID        string    `json:"id"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"startedAt,omitzero"`
	Restarts  int       `json:"restarts"`
}

// channelSet tracks which configured channels are connected.
type channelSet struct {
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*ChannelStatus
}

func newChannelSet(logger *slog.Logger) *channelSet {
	return &channelSet{
		logger:   logger.With("subsystem", "channels"),
		channels: make(map[string]*ChannelStatus),
	}
}

// sync starts enabled channels and stops disabled or removed ones. Channels
// in restart are cycled even when their enabled state did not change.
func (c *channelSet) sync(cfg *config.Config, restart []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	forced := make(map[string]bool, len(restart))
	for _, id := range restart {
		forced[id] = true
	}

	for id, st := range c.channels {
		ch, ok := cfg.Channels[id]
		if (!ok || !ch.Enabled) && st.Running {
			st.Running = false
			c.logger.Info("channel stopped", "channel", id)
		}
		if !ok {
			delete(c.channels, id)
		}
	}

	now := time.Now().UTC()
	for id, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		st, ok := c.channels[id]
		switch {
		case !ok:
			c.channels[id] = &ChannelStatus{ID: id, Running: true, StartedAt: now}
			c.logger.Info("channel started", "channel", id)
		case forced[id] || !st.Running:
			st.Running = true
			st.StartedAt = now
			st.Restarts++
			c.logger.Info("channel restarted", "channel", id, "restarts", st.Restarts)
		}
	}
}

func (c *channelSet) stopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.channels {
		st.Running = false
	}
}

func (c *channelSet) snapshot() []ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChannelStatus, 0, len(c.channels))
	for _, st := range c.channels {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BrowserStatus reports reachability of the browser-control endpoint.
type BrowserStatus struct {
	Enabled   bool      `json:"enabled"`
	Reachable bool      `json:"reachable"`
	CheckedAt time.Time `json:"checkedAt,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// browserControl probes the configured control URL.
type browserControl struct {
	client *http.Client

	mu     sync.Mutex
	status BrowserStatus
}

func newBrowserControl() *browserControl {
	return &browserControl{client: &http.Client{Timeout: browserProbeTimeout}}
}

func (b *browserControl) loop(cfg *config.Config, logger *slog.Logger) func(ctx context.Context) {
	bc := cfg.Browser
	return func(ctx context.Context) {
		b.set(BrowserStatus{Enabled: bc.Enabled && bc.ControlURL != ""})
		if !bc.Enabled || bc.ControlURL == "" {
			logger.Debug("browser control disabled")
			return
		}
		b.probe(ctx, bc.ControlURL, logger)
		every(ctx, browserProbeInterval, func() { b.probe(ctx, bc.ControlURL, logger) })
	}
}

func (b *browserControl) probe(ctx context.Context, url string, logger *slog.Logger) {
	st := BrowserStatus{Enabled: true, CheckedAt: time.Now().UTC()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+"/", nil)
	if err == nil {
		var resp *http.Response
		resp, err = b.client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode >= http.StatusInternalServerError {
				err = fmt.Errorf("status %d", resp.StatusCode)
			}
		}
	}
	if err != nil {
		st.Error = err.Error()
		if ctx.Err() == nil {
			logger.Warn("browser control unreachable", "url", url, "error", err)
		}
	} else {
		st.Reachable = true
	}
	b.set(st)
}

func (b *browserControl) set(st BrowserStatus) {
	b.mu.Lock()
	b.status = st
	b.mu.Unlock()
}

func (b *browserControl) snapshot() BrowserStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}
