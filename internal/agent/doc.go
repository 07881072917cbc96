// Package agent is the gateway's agent-run invocation surface.
//
// # Overview
//
// The gateway never executes model turns itself. It hands each run to an
// Executor (the agent runtime) and tracks the run's lifecycle so that the
// session store, the subagent orchestrator and the reload planner can
// reason about in-flight work.
//
// # Manager
//
// The Manager owns every queued and running run:
//
//	mgr := agent.NewManager(executor, broadcaster, logger)
//	runID, err := mgr.Start(ctx, agent.Request{SessionKey: key, Message: "hi"})
//	res, err := mgr.WaitForRun(ctx, runID, 30*time.Second)
//
// Key operations:
//
//   - Start(ctx, req): queue a run on the session's lane, return its run id
//   - Abort(runID) / AbortSession(key): best-effort cancellation
//   - WaitForRun(ctx, runID, timeout): bounded wait for run end
//   - ClearQueue(keys...): drop queued (not yet started) runs for sessions
//   - WaitIdle(ctx): block until no run is queued or running
//
// # Lanes
//
// Runs on the same session key are serialized: each session has a lane with
// at most one running run and a FIFO queue behind it. Runs on different
// sessions proceed concurrently. The Request.Lane label ("main",
// "subagent", "cron", "heartbeat", "hook") is passed through to the
// executor and recorded on the run for observability.
//
// # Idempotency
//
// A request carrying an IdempotencyKey that was seen recently returns the
// original run id instead of starting a second run.
//
// # Cancellation
//
// Aborting a running run cancels its context. The executor is expected to
// return promptly but the manager does not assume it does; callers that need
// confirmation use WaitForRun with a timeout.
//
// # Executors
//
//   - WebhookExecutor POSTs the run request to agents.runtime.url
//   - NoneExecutor rejects every run (no runtime configured)
//   - ExecutorFunc adapts a function, used by tests and embedded runtimes
package agent
