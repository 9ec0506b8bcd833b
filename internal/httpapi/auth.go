package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/store"
)

type sessionContextKey struct{}

// AuthMiddleware resolves the caller's session for every agent-facing
// endpoint. Session issuance lives elsewhere; this service only looks
// sessions up. The public transfer endpoint authenticates with an API
// key instead and is skipped here, as are health and metrics.
func AuthMiddleware(sessions store.SessionStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		session, err := sessions.GetSession(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) (store.Session, bool) {
	session, ok := ctx.Value(sessionContextKey{}).(store.Session)
	return session, ok
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	if header := strings.TrimSpace(r.Header.Get("X-Session-ID")); header != "" {
		return header
	}
	// EventSource cannot set headers, so the stream endpoints accept
	// the session in the query string.
	return strings.TrimSpace(r.URL.Query().Get("session_id"))
}

func bearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics", "/metrics/json", "/debug/vars":
		return true
	case "/api/transfers/public":
		return true
	default:
		return r.Method == http.MethodOptions
	}
}
