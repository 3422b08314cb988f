// Package authmw provides HTTP middleware for bearer token authentication.
// Each token identifies the mailbox owner whose data the request may touch.
package authmw

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

type ownerKey struct{}

// BearerTokens returns middleware that maps the request's bearer token to an
// owner ID and stores it in the request context. Every configured token is
// compared in constant time so the match position does not leak.
func BearerTokens(owners map[string]string) func(http.Handler) http.Handler {
	type entry struct {
		token []byte
		owner string
	}
	entries := make([]entry, 0, len(owners))
	for tok, owner := range owners {
		entries = append(entries, entry{token: []byte(tok), owner: owner})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len("Bearer "):])

			owner := ""
			for _, e := range entries {
				if subtle.ConstantTimeCompare(got, e.token) == 1 {
					owner = e.owner
				}
			}
			if owner == "" {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

// WithOwner returns a context carrying the authenticated owner ID.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the authenticated owner ID, if any.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

// ParseTokens parses "owner:token,owner:token" into a token to owner map.
func ParseTokens(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		owner, token, ok := strings.Cut(pair, ":")
		owner, token = strings.TrimSpace(owner), strings.TrimSpace(token)
		if !ok || owner == "" || token == "" {
			return nil, fmt.Errorf("api token entry %q: want owner:token", pair)
		}
		if prev, dup := out[token]; dup && prev != owner {
			return nil, fmt.Errorf("api token for %q is already assigned to %q", owner, prev)
		}
		out[token] = owner
	}
	return out, nil
}
