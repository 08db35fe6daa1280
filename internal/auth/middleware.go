package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
)

// SessionCookie is the cookie carrying the session token; the
// X-Session-Token header is the fallback for non-browser clients.
const (
	SessionCookie = "session_token"
	SessionHeader = "X-Session-Token"
)

type sessionKey struct{}

// SessionFromContext returns the authenticated identity attached to the
// request, or nil for anonymous callers.
func SessionFromContext(ctx context.Context) *SessionInfo {
	if v, ok := ctx.Value(sessionKey{}).(*SessionInfo); ok {
		return v
	}
	return nil
}

// WithSession attaches the caller's session to the request context when
// a valid token is presented. It never rejects: anonymous access is a
// valid state, the access gate and handlers decide what it may do.
func (s *Sessions) WithSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractSessionToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		info, err := s.Validate(r.Context(), token)
		if err != nil {
			if !errors.Is(err, ErrInvalidSession) {
				log.Printf("session validation failed: %v", err)
			}
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey{}, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Middleware enforces the device shared-secret check. Used only on
// device-facing endpoints; never combined with session requirements.
func (d *DeviceKey) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := d.Verify(r.Header.Get("Authorization")); err != nil {
			if errors.Is(err, ErrMissingCredentials) {
				authError(w, "authorization header required", http.StatusUnauthorized)
			} else {
				log.Printf("invalid api key attempt from %s", r.RemoteAddr)
				authError(w, "invalid api key", http.StatusUnauthorized)
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractSessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.Header.Get(SessionHeader)
}

func authError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
