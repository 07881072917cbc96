// ABOUTME: Gateway orchestrator that wires the control plane and serves gRPC and HTTP
// ABOUTME: Owns listeners, subsystems, the reload watcher and the shutdown/restart lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/clawgate/internal/agent"
	"github.com/2389/clawgate/internal/auth"
	"github.com/2389/clawgate/internal/catalog"
	"github.com/2389/clawgate/internal/config"
	"github.com/2389/clawgate/internal/decision"
	"github.com/2389/clawgate/internal/events"
	"github.com/2389/clawgate/internal/reload"
	"github.com/2389/clawgate/internal/rpc"
	"github.com/2389/clawgate/internal/session"
	"github.com/2389/clawgate/internal/subagent"
)

// ErrRestartRequested is returned by Run when a reload scheduled a gateway restart.
// The caller is expected to reload the configuration and build a new Gateway.
var ErrRestartRequested = errors.New("gateway restart requested")

// Option customizes a Gateway.
type Option func(*options)

type options struct {
	levelVar *slog.LevelVar
	executor agent.Executor
}

// WithLevelVar lets hot reloads change the log level through v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(o *options) { o.levelVar = v }
}

// WithExecutor overrides the agent runtime built from agents.runtime.
func WithExecutor(e agent.Executor) Option {
	return func(o *options) { o.executor = e }
}

// Gateway orchestrates the clawgate server components.
type Gateway struct {
	// config is the startup configuration; listeners are bound from it.
	config *config.Config
	live   *config.Live
	logger *slog.Logger

	events     *events.Broadcaster
	runs       *agent.Manager
	catalog    *catalog.Holder
	sessions   *session.Service
	subagents  *subagent.Orchestrator
	decisions  *decision.Service
	reloader   *reload.Reloader
	watcher    *reload.Watcher
	dispatcher *rpc.Dispatcher

	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	levelVar    *slog.LevelVar

	hooks     *hooks
	channels  *channelSet
	browser   *browserControl
	heartbeat *supervisor
	cron      *supervisor
	browserUp *supervisor

	// subCtx parents every subsystem loop; cancelled on shutdown.
	subCtx    context.Context
	subCancel context.CancelFunc

	restartCh chan []string
	serverID  string
	startedAt time.Time
	ready     atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a Gateway from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}

	executor := o.executor
	if executor == nil {
		var err error
		executor, err = agent.NewExecutor(cfg.Agents.Runtime, logger)
		if err != nil {
			return nil, fmt.Errorf("creating agent runtime: %w", err)
		}
	}

	store, err := decision.OpenStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening decision store: %w", err)
	}

	live := config.NewLive(cfg)
	broadcaster := events.NewBroadcaster(logger)

	runs := agent.NewManager(executor, broadcaster, logger)
	runs.SetDefaultTimeout(cfg.Agents.Runtime.Timeout)

	catalogs := catalog.NewHolder(catalog.New(cfg))
	sessions := session.NewService(session.ServiceParams{
		Store:   session.NewFileStore(cfg.Session.LockTimeout, logger),
		Config:  live,
		Catalog: catalogs,
		Runs:    runs,
		Events:  broadcaster,
		Logger:  logger,
	})
	orch := subagent.NewOrchestrator(subagent.Params{
		Sessions: sessions,
		Runs:     runs,
		Config:   live,
		Events:   broadcaster,
		Logger:   logger,
	})
	sessions.SetSubagentStopper(orch)
	runs.SetSessionLookup(sessions.SessionIDFor)

	subCtx, subCancel := context.WithCancel(context.Background())
	gw := &Gateway{
		config:    cfg,
		live:      live,
		logger:    logger.With("component", "gateway"),
		events:    broadcaster,
		runs:      runs,
		catalog:   catalogs,
		sessions:  sessions,
		subagents: orch,
		decisions: decision.NewService(store, broadcaster, logger),
		levelVar:  o.levelVar,
		hooks:     newHooks(runs, logger),
		channels:  newChannelSet(logger),
		browser:   newBrowserControl(),
		heartbeat: newSupervisor(reload.SubsystemHeartbeat, logger),
		cron:      newSupervisor(reload.SubsystemCron, logger),
		browserUp: newSupervisor(reload.SubsystemBrowserControl, logger),
		subCtx:    subCtx,
		subCancel: subCancel,
		restartCh: make(chan []string, 1),
		serverID:  generateServerID(),
		startedAt: time.Now(),
	}

	gw.reloader = reload.NewReloader(reload.Params{
		Live:   live,
		Target: gw,
		Events: broadcaster,
		Logger: logger,
	})
	gw.watcher = reload.NewWatcher(gw.reloader, live, logger)

	gw.dispatcher = rpc.NewDispatcher(logger)
	rpc.Register(gw.dispatcher, rpc.Services{
		Sessions:  sessions,
		Subagents: orch,
		Decisions: gw.decisions,
		Reloader:  gw.reloader,
		Health:    gw.health,
	})

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	}

	gw.grpcServer = newGRPCServer(verifier, logger.With("component", "grpc"))
	gw.grpcServer.RegisterService(&gatewayServiceDesc, &grpcCall{dispatcher: gw.dispatcher})

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(verifier),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP mux. Health and hooks are outside JWT auth; hooks
// carry their own token.
func (g *Gateway) routes(verifier auth.TokenVerifier) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.Handle("/hooks/{name}", g.hooks)

	authMiddleware := auth.NoAuthHTTPMiddleware()
	if verifier != nil {
		authMiddleware = auth.HTTPAuthMiddleware(verifier, g.logger)
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
	mux.Handle("/rpc", authMiddleware(&rpcHandler{dispatcher: g.dispatcher}))
	mux.Handle("/ws", authMiddleware(&wsHandler{
		dispatcher:  g.dispatcher,
		broadcaster: g.events,
		logger:      g.logger.With("transport", "ws"),
	}))

	return mux
}

// Handler returns the HTTP handler of the gateway.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Dispatcher returns the RPC dispatcher shared by every transport.
func (g *Gateway) Dispatcher() *rpc.Dispatcher {
	return g.dispatcher
}

// startSubsystems starts every subsystem from the live configuration.
func (g *Gateway) startSubsystems() {
	cfg := g.live.Get()
	g.channels.sync(cfg, nil)
	g.hooks.load(cfg)
	g.heartbeat.restart(g.subCtx, heartbeatLoop(g.runs, cfg, g.heartbeat.logger))
	g.cron.restart(g.subCtx, cronLoop(g.runs, cfg, g.cron.logger))
	g.browserUp.restart(g.subCtx, g.browser.loop(cfg, g.browserUp.logger))
}

func (g *Gateway) stopSubsystems() {
	g.heartbeat.stop()
	g.cron.stop()
	g.browserUp.stop()
	g.channels.stopAll()
}

// ApplyHot implements reload.Target.
func (g *Gateway) ApplyHot(_ context.Context, next *config.Config, _ *reload.Plan) error {
	g.catalog.Set(catalog.New(next))
	g.sessions.SetLockTimeout(next.Session.LockTimeout)
	if g.levelVar != nil {
		g.levelVar.Set(next.Logging.SlogLevel())
	}
	return nil
}

// RestartSubsystem implements reload.Target.
func (g *Gateway) RestartSubsystem(_ context.Context, name string, ids []string) error {
	cfg := g.live.Get()
	switch name {
	case reload.SubsystemChannels:
		g.channels.sync(cfg, ids)
	case reload.SubsystemHooks:
		g.hooks.load(cfg)
	case reload.SubsystemHeartbeat:
		g.heartbeat.restart(g.subCtx, heartbeatLoop(g.runs, cfg, g.heartbeat.logger))
	case reload.SubsystemCron:
		g.cron.restart(g.subCtx, cronLoop(g.runs, cfg, g.cron.logger))
	case reload.SubsystemBrowserControl:
		g.browserUp.restart(g.subCtx, g.browser.loop(cfg, g.browserUp.logger))
	default:
		return fmt.Errorf("unknown subsystem %q", name)
	}
	g.logger.Info("subsystem restarted", "subsystem", name, "ids", ids)
	return nil
}

// WaitIdle implements reload.Target.
func (g *Gateway) WaitIdle(ctx context.Context) error {
	return g.runs.WaitIdle(ctx)
}

// RequestRestart implements reload.Target.
func (g *Gateway) RequestRestart(reasons []string) {
	select {
	case g.restartCh <- reasons:
		g.logger.Warn("gateway restart scheduled", "reasons", reasons)
	default:
		g.logger.Debug("gateway restart already pending", "reasons", reasons)
	}
}

// Health is the payload of the health method.
type Health struct {
	OK                bool            `json:"ok"`
	ServerID          string          `json:"serverId"`
	UptimeMs          int64           `json:"uptimeMs"`
	PendingRuns       int             `json:"pendingRuns"`
	Subagents         int             `json:"subagents"`
	Subscribers       int             `json:"subscribers"`
	DefaultAgent      string          `json:"defaultAgent"`
	Runtime           string          `json:"runtime"`
	ReloadMode        string          `json:"reloadMode"`
	ConfigFingerprint string          `json:"configFingerprint"`
	Channels          []ChannelStatus `json:"channels"`
	Browser           BrowserStatus   `json:"browser"`
}

func (g *Gateway) health(context.Context) any {
	cfg := g.live.Get()
	regs, _ := g.subagents.List("")
	return &Health{
		OK:                true,
		ServerID:          g.serverID,
		UptimeMs:          time.Since(g.startedAt).Milliseconds(),
		PendingRuns:       g.runs.Pending(),
		Subagents:         len(regs),
		Subscribers:       g.events.Count(),
		DefaultAgent:      cfg.DefaultAgent(),
		Runtime:           cfg.Agents.Runtime.Executor,
		ReloadMode:        cfg.Gateway.Reload.Mode,
		ConfigFingerprint: cfg.Fingerprint(),
		Channels:          g.channels.snapshot(),
		Browser:           g.browser.snapshot(),
	}
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startWatcher runs the config watcher when the configuration came from a file.
func (g *Gateway) startWatcher() {
	if g.live.Get().Path == "" {
		return
	}
	go func() {
		if err := g.watcher.Run(g.subCtx); err != nil {
			g.logger.Error("config watcher stopped", "error", err)
		}
	}()
}

// waitForShutdownSignal waits for context cancellation, a server error or a
// scheduled restart.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case reasons := <-g.restartCh:
		g.logger.Info("restarting gateway", "reasons", reasons)
		return ErrRestartRequested
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, ErrRestartRequested when a reload asked
// for a restart, or the error of a failed server.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	g.startSubsystems()
	g.startWatcher()
	g.ready.Store(true)

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	g.ready.Store(false)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured, stateDir string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(stateDir, "tailscale")
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir := resolveTailscaleStateDir(tsCfg.StateDir, g.config.StateDir)
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener(grpcLn)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops servers and subsystems and releases resources. It is safe to
// call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.closeOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		g.shutdownGRPCServer(ctx)

		g.subCancel()
		g.stopSubsystems()

		g.subagents.Close()
		g.runs.Close()

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "decision store close", g.decisions.Close())
		g.events.Close()

		if len(errs) > 0 {
			g.closeErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return g.closeErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the gateway is serving and an agent runtime is configured.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
		return
	}
	if g.live.Get().Agents.Runtime.Executor == config.ExecutorNone {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agent runtime configured"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d pending runs)", g.runs.Pending())
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("clawgate-%d", time.Now().UnixNano()%1000000)
}
