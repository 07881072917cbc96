// Package gateway runs the clawgate control plane as a network service.
//
// # Overview
//
// The gateway package wires the session store, subagent orchestrator,
// decision service and reload machinery together, exposes them through one
// RPC dispatcher on several transports, and owns the process lifecycle.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    live       *config.Live
//	    events     *events.Broadcaster
//	    runs       *agent.Manager
//	    sessions   *session.Service
//	    subagents  *subagent.Orchestrator
//	    decisions  *decision.Service
//	    reloader   *reload.Reloader
//	    dispatcher *rpc.Dispatcher
//	    grpcServer *grpc.Server
//	    httpServer *http.Server
//	    // ... and more
//	}
//
// # Transports
//
//   - POST /rpc - one request frame in, one response frame out
//   - GET /ws - WebSocket carrying request/response frames plus event frames
//     for topics requested with the subscribe method
//   - gRPC clawgate.v1.Gateway/Call - google.protobuf.Struct request
//     {method, params}, response {id, ok, payload}; errors are gRPC statuses
//   - POST /hooks/{name} - inbound webhooks mapped to session runs
//   - GET /health - liveness check
//   - GET /health/ready - readiness check
//
// /rpc, /ws and gRPC require a bearer JWT when auth.jwt_secret is set.
// WebSocket clients that cannot set headers may pass ?token=.
//
// # Subsystems
//
// Heartbeat and cron schedule runs on the agent manager, channels tracks the
// enabled channel connections, hooks serves webhook mappings and
// browser-control probes the configured control URL. Each can be restarted
// on its own by a hot reload through the reload.Target methods the Gateway
// implements.
//
// # Lifecycle
//
// Run binds listeners (TCP, or a tsnet node when tailscale.enabled), starts
// the subsystems and the config watcher, and blocks. It returns nil when its
// context ends, or ErrRestartRequested when a reload scheduled a gateway
// restart; callers then load the configuration again and build a new
// Gateway.
//
//	for {
//	    gw, err := gateway.New(cfg, logger)
//	    ...
//	    err = gw.Run(ctx)
//	    if !errors.Is(err, gateway.ErrRestartRequested) {
//	        return err
//	    }
//	    cfg, err = config.Load(path)
//	    ...
//	}
//
// # Shutdown
//
// Shutdown stops HTTP and gRPC servers gracefully, cancels subsystems,
// stops subagent watchers and runs, closes the tsnet node and the decision
// store. It is idempotent.
package gateway
