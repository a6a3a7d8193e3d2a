package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/pulsegate/pulsegate/internal/identity"
)

// APIKeyHeader carries a caller's API key.
const APIKeyHeader = "X-API-Key"

type identifierContextKey string

const IdentifierContextKey identifierContextKey = "rate_limit_identifier"

// Identifier sources, in resolution order.
const (
	IdentifierSourceToken  = "token"
	IdentifierSourceAPIKey = "api_key"
	IdentifierSourceIP     = "ip"
)

// Identity is who a request is attributed to for rate limiting.
type Identity struct {
	Identifier string
	Source     string
}

// IdentifierResolver derives a rate limit identifier from a request: a verified
// bearer token subject, then the API key header, then the client IP.
type IdentifierResolver struct {
	Verifier *identity.TokenVerifier
}

// Resolve never fails; the client address is always available as a last resort.
func (res IdentifierResolver) Resolve(r *http.Request) Identity {
	if res.Verifier != nil {
		if token := identity.BearerToken(r.Header.Get("Authorization")); token != "" {
			if subject, err := res.Verifier.Subject(token); err == nil {
				return Identity{Identifier: "user:" + subject, Source: IdentifierSourceToken}
			}
		}
	}

	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return Identity{Identifier: "key:" + key, Source: IdentifierSourceAPIKey}
	}

	return Identity{Identifier: "ip:" + clientIP(r), Source: IdentifierSourceIP}
}

// ResolveIdentifier stores the resolved identity in the request context.
func ResolveIdentifier(resolver IdentifierResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := resolver.Resolve(r)
			ctx := context.WithValue(r.Context(), IdentifierContextKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetIdentity returns the identity stored by ResolveIdentifier.
func GetIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(IdentifierContextKey).(Identity)
	return id, ok
}

// clientIP strips the port chi's RealIP leaves on RemoteAddr when no proxy header is present.
func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	if addr == "" {
		return "unknown"
	}
	return addr
}
