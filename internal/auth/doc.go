// Package auth authenticates RPC callers of the gateway.
//
// # Tokens
//
// Callers present an HS256-signed JWT whose "sub" claim names the principal
// (a user, a channel adapter or the agent runtime). Tokens are signed with
// auth.jwt_secret, which must be at least MinSecretLength bytes. The CLI's
// token command mints them:
//
//	clawgate token --subject ops-bot --ttl 720h
//
// An optional "roles" claim carries a list of role names for the principal.
//
// # Transports
//
// HTTPAuthMiddleware guards /rpc, /ws and /hooks. It reads the token from the
// Authorization header ("Bearer <token>") or, for WebSocket clients that
// cannot set headers, from the "token" query parameter.
//
// UnaryInterceptor and StreamInterceptor guard the gRPC service and read the
// token from the "authorization" metadata key.
//
// # Disabled Authentication
//
// When no secret is configured the gateway runs unauthenticated (intended for
// loopback and tailnet-only deployments). The NoAuth variants inject an
// anonymous AuthContext so handlers can always call FromContext.
package auth
