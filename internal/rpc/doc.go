// ABOUTME: Package documentation for the RPC method dispatcher
// ABOUTME: Describes frames, method names and how errors are reported

// Package rpc maps named gateway methods onto the session, subagent, decision
// and reload subsystems.
//
// # Frames
//
// Every transport carries the same request frame:
//
//	{"id": "1", "method": "sessions.patch", "params": {...}}
//
// and answers with either
//
//	{"id": "1", "ok": true, "payload": {...}}
//
// or
//
//	{"id": "1", "ok": false, "error": {"code": "INVALID_REQUEST", "message": "..."}}
//
// Params are decoded strictly: unknown fields are rejected with
// INVALID_REQUEST before any subsystem is touched. Errors that are not
// already typed surface as UNAVAILABLE.
//
// # Methods
//
//	sessions.list      list sessions of an agent
//	sessions.patch     change session preferences
//	sessions.reset     start a fresh transcript for a session
//	sessions.delete    remove a non-main session
//	sessions.compact   trim a transcript to its newest lines
//	sessions.spawn     start a subagent run
//	subagents.list     list live subagent registrations
//	decision.create    ask a human a question
//	decision.respond   answer a pending decision
//	decision.list      list decisions
//	decision.get       fetch one decision
//	gateway.reload     re-read the config file and apply it
//	health             liveness summary
//
// The subscribe method is only meaningful on a streaming transport and is
// handled by the WebSocket endpoint in package gateway.
package rpc
