// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

type ctxKey struct{}

// Operator returns the name of the authenticated operator, if any.
func Operator(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(ctxKey{}).(string)
	return name, ok && name != ""
}

// WithOperator returns ctx carrying the operator name.
func WithOperator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ctxKey{}, name)
}

// ParseTokens parses "name:token,name:token" into a token to operator map.
// Names and tokens must be non-empty and unique.
func ParseTokens(s string) (map[string]string, error) {
	out := make(map[string]string)
	names := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, token, ok := strings.Cut(part, ":")
		name, token = strings.TrimSpace(name), strings.TrimSpace(token)
		if !ok || name == "" || token == "" {
			return nil, fmt.Errorf("api token entry %q must be name:token", redact(part))
		}
		if names[name] {
			return nil, fmt.Errorf("duplicate api token name %q", name)
		}
		if _, dup := out[token]; dup {
			return nil, fmt.Errorf("api token for %q duplicates another operator's token", name)
		}
		names[name] = true
		out[token] = name
	}
	return out, nil
}

// Names returns the operator names in a token map, sorted. Tokens are never
// returned so the result is safe to log.
func Names(tokens map[string]string) []string {
	out := make([]string, 0, len(tokens))
	for _, name := range tokens {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func redact(entry string) string {
	if name, _, ok := strings.Cut(entry, ":"); ok {
		return name + ":***"
	}
	return "***"
}

// BearerTokens returns middleware that validates the Authorization header
// carries a Bearer token from tokens (token -> operator name). On success the
// operator's name is stored in the request context. Every configured token is
// compared in constant time so the time taken does not reveal which matched.
func BearerTokens(tokens map[string]string) func(http.Handler) http.Handler {
	type entry struct {
		token []byte
		name  string
	}
	entries := make([]entry, 0, len(tokens))
	for tok, name := range tokens {
		if tok == "" {
			continue
		}
		entries = append(entries, entry{token: []byte(tok), name: name})
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
			for _, e := range entries {
				if subtle.ConstantTimeCompare(got, e.token) == 1 {
					matched = e.name
				}
			}
			if matched == "" {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), matched)))
		})
	}
}
