package auth

import (
	"context"
	"errors"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Principal represents the authenticated caller from JWT.
type Principal struct {
	Name string // username
	Role string // "admin" | "manager" | "customer"
}

type principalKey struct{}

// WithPrincipal stores the principal in context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext retrieves the principal from context (if any).
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// ParseBearer extracts and validates a JWT from an Authorization header value
// ("Bearer <token>") handed over by whatever transport fronts the core: an
// HTTP header or a WebSocket handshake parameter.
func ParseBearer(header, secret string) (*Principal, error) {
	if header == "" {
		return nil, errors.New("missing authorization")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, errors.New("invalid authorization header")
	}
	tokenStr := strings.TrimSpace(parts[1])
	return ParseToken(tokenStr, secret)
}

// ParseToken validates a raw JWT string and extracts the principal.
func ParseToken(tokenStr, secret string) (*Principal, error) {
	return parseJWT(tokenStr, secret)
}

// parseJWT validates and extracts claims from a JWT token.
func parseJWT(tokenStr string, secret string) (*Principal, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}

	type claims struct {
		Name string `json:"name"`
		Role string `json:"role"`
		jwt.RegisteredClaims
	}

	tok, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !tok.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return nil, err
	}
	c, _ := tok.Claims.(*claims)
	if c == nil || c.Name == "" || c.Role == "" {
		return nil, errors.New("invalid claims")
	}
	return &Principal{Name: c.Name, Role: strings.ToLower(c.Role)}, nil
}
