// Package authmw provides HTTP middleware for bearer token authentication
// and for identifying the user a request acts on behalf of.
package authmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// ActorHeader carries the ID of the user performing a command.
const ActorHeader = "X-Actor-Id"

// maxActorLen bounds the header so a client cannot stuff the audit trail.
const maxActorLen = 128

type actorKey struct{}

// BearerToken rejects requests whose Authorization header is not exactly
// "Bearer <token>". The token comparison is constant time.
func BearerToken(token string) func(http.Handler) http.Handler {
	const scheme = "Bearer "
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), scheme)
			if !ok {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Actor returns middleware that copies the acting user's ID from header into
// the request context. A missing header is not an error here: commands that
// need an actor reject the request themselves.
func Actor(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = ActorHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(header))
			if len(id) > maxActorLen {
				http.Error(w, `{"error":"actor id too long"}`, http.StatusBadRequest)
				return
			}
			if id != "" {
				r = r.WithContext(WithActor(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithActor returns a copy of ctx carrying the acting user's ID.
func WithActor(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actorKey{}, id)
}

// ActorFromContext returns the acting user's ID, or "" if none was set.
func ActorFromContext(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}
