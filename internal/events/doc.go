// Package events provides the in-process broadcast sink used to tell external
// listeners about session, subagent, decision and reload activity.
//
// # Overview
//
// Every subsystem that mutates state publishes a small event after the
// mutation has been committed:
//
//   - sessions.changed: a session entry was patched, reset, deleted or compacted
//   - subagent.spawned / subagent.ended: a child run was registered or finished
//   - decision.created / decision.resolved / decision.expired
//   - gateway.reload: a reload plan was applied
//   - agent.run: a run changed state (queued, started, ended)
//
// Publishing is fire-and-forget. Nothing in the gateway depends on an event
// being delivered for correctness.
//
// # Subscriptions
//
// Subscribers register for one or more topics (or "*" for all of them) and
// receive events on a buffered channel:
//
//	ch, id := b.Subscribe(ctx, "sessions.changed", "decision.*")
//
// A topic pattern ending in ".*" matches every topic with that prefix.
// Subscriptions are removed when ctx is cancelled or Unsubscribe is called.
// Slow subscribers whose buffers are full miss events rather than blocking
// publishers.
//
// The WebSocket transport bridges subscriptions to clients through the
// "subscribe" RPC method.
package events
