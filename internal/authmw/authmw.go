// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

type principalKey struct{}

// Principal returns the name bound to the token that authenticated the
// request, or "" when the request was not authenticated.
func Principal(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

// WithPrincipal returns ctx carrying name as the authenticated principal.
func WithPrincipal(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, principalKey{}, name)
}

type credential struct {
	name  string
	token []byte
}

// ParseTokens parses "name:token" pairs separated by commas.
func ParseTokens(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, token, ok := strings.Cut(pair, ":")
		if !ok || name == "" || token == "" {
			return nil, fmt.Errorf("malformed token entry %q (want name:token)", pair)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("duplicate token name %q", name)
		}
		out[name] = token
	}
	return out, nil
}

// BearerTokens returns middleware that accepts any of the named tokens and
// records the matching name as the request principal. Every candidate is
// compared in constant time so timing does not reveal which name matched.
func BearerTokens(tokens map[string]string) func(http.Handler) http.Handler {
	creds := make([]credential, 0, len(tokens))
	for name, tok := range tokens {
		creds = append(creds, credential{name: name, token: []byte(tok)})
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len("Bearer "):])

			matched := ""
			for _, c := range creds {
				if subtle.ConstantTimeCompare(got, c.token) == 1 {
					matched = c.name
				}
			}
			if matched == "" {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), matched)))
		})
	}
}
