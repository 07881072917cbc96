// ABOUTME: HTTP middleware for JWT authentication on RPC, WebSocket and hook endpoints
// ABOUTME: Extracts the token from the Authorization header or the token query parameter

package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// requestToken finds the token on r. The query parameter is only consulted
// when no Authorization header is present.
func requestToken(r *http.Request) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" {
		return extractBearerToken(h)
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return q, ""
	}
	return "", "missing authorization header"
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":    false,
		"error": map[string]string{"code": "UNAUTHENTICATED", "message": msg},
	})
}

// HTTPAuthMiddleware rejects requests without a valid token and adds the
// caller's AuthContext to the request context.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := requestToken(r)
			if errMsg != "" {
				logAuthFailure(logger, r.RemoteAddr, errMsg, "path", r.URL.Path)
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				logAuthFailure(logger, r.RemoteAddr, "invalid token", "path", r.URL.Path, "error", err)
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), fromClaims(claims))))
		})
	}
}

// NoAuthHTTPMiddleware injects an anonymous AuthContext.
func NoAuthHTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), anonymous())))
		})
	}
}

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, peerAddr, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if peerAddr != "" {
		baseAttrs = append(baseAttrs, "peer_addr", peerAddr)
	}
	logger.Warn("auth failure", append(baseAttrs, attrs...)...)
}
