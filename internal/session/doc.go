// Package session implements the gateway's durable session registry.
//
// # Overview
//
// A session is one conversation scope: a user on a channel talking to an
// agent, an agent's main session, or a subagent spawned by another session.
// Each agent keeps its sessions in one JSON store file mapping session key to
// Entry. Transcripts live next to the store as <sessionId>.jsonl.
//
// # Keys
//
// Canonical keys have the form agent:<agentId>:<rest>. Requests may use
// shorter spellings which the Resolver canonicalizes:
//
//	"main"                -> agent:<default>:<main_key>
//	"dm:alice"            -> agent:<default>:dm:alice
//	"Agent:Ops:Main"      -> agent:ops:main
//
// Subagent sessions use agent:<agentId>:subagent:<uuid>.
//
// # Transactions
//
// FileStore.Update is the only way store content is mutated:
//
//	err := store.Update(ctx, path, func(m session.Map) error {
//	    m[key].Label = "work"
//	    return nil
//	})
//
// Writers to the same path are serialized by an in-process lock (bounded by
// session.lock_timeout) and an flock on <path>.lock, so separate processes
// sharing a state dir cannot interleave either. Writers to different paths
// never block each other. The mutated map is written back with a temp file
// and rename only when the function returns nil.
//
// # Aliases
//
// Entries written under a legacy spelling are folded into the canonical key
// by ResolveCanonicalEntry at the top of every mutation. If both the alias
// and the canonical key exist, the canonical entry wins.
//
// # Operations
//
// Service exposes the RPC-level operations: Patch, Reset, Delete, Compact,
// List and Get. Delete refuses the agent's main session, clears queued runs,
// stops subagents the session spawned, and aborts any active run, waiting up
// to session.delete_wait for it to end before removing the entry.
// Transcripts are archived by rename (.deleted, .reset, .bak plus a UTC
// timestamp), never silently dropped.
package session
