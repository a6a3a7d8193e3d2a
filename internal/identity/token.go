package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid bearer token")

// TokenVerifier checks HS256 access tokens signed with the provider's shared secret.
type TokenVerifier struct {
	Secret   []byte
	Audience string
}

// NewTokenVerifier returns nil when no secret is configured.
func NewTokenVerifier(secret, audience string) *TokenVerifier {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &TokenVerifier{Secret: []byte(secret), Audience: strings.TrimSpace(audience)}
}

// Subject verifies tokenStr and returns its sub claim.
func (v *TokenVerifier) Subject(tokenStr string) (string, error) {
	if v == nil || len(v.Secret) == 0 {
		return "", fmt.Errorf("%w: verifier not configured", ErrInvalidToken)
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.Audience != "" {
		options = append(options, jwt.WithAudience(v.Audience))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.NewParser(options...).ParseWithClaims(strings.TrimSpace(tokenStr), claims, func(t *jwt.Token) (any, error) {
		return v.Secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	return subject, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
