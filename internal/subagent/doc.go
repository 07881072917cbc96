// Package subagent spawns bounded child agent runs on behalf of a session and
// cleans up after them.
//
// # Spawning
//
// Orchestrator.Spawn validates the request, mints a child session key
// (agent:<agentId>:subagent:<uuid>), applies the child's model, thinking
// level, label and spawnedBy through session patches, and starts the child's
// run with delivery disabled so the requester observes the result instead of
// the child messaging users directly.
//
// Rules enforced at spawn time:
//
//   - A subagent session may not spawn further subagents (Forbidden)
//   - Spawning for another agent requires that agent in the requester
//     agent's subagents.allow_agents list, or "*" (Forbidden)
//   - An unknown thinking level fails with the valid levels as a hint
//   - A model the catalog rejects is a warning on the response, not a failure
//   - Failing to start the run fails the spawn (Unavailable) and removes the
//     child session
//
// # Run end
//
// Every registration has a watcher that waits for the child run to end,
// bounded by the run timeout plus a grace period or by
// agents.defaults.subagents.wait_timeout. A run that outlives the wait is
// aborted. When the run ends the registration is removed, the requester is
// told about the result (agents.defaults.subagents.announce), and cleanup
// "delete" removes the child session through the normal session delete path.
//
// # Limitations
//
// Registrations live in memory. A gateway restart while a child is running
// leaves the child session in its store but no watcher will clean it up.
package subagent
