// Package middleware holds the HTTP plumbing shared by the API: request
// logging and the bearer identity resolver.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleUser        Role = "USER"
	RoleAdmin       Role = "ADMIN"
	RoleIntegration Role = "INTEGRATION"
)

// Identity is the authenticated caller. OwnerID is the token subject.
type Identity struct {
	OwnerID string
	Role    Role
}

// Claims is the token payload: standard claims plus the caller role.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type identityKey struct{}

var errNoToken = errors.New("missing bearer token")

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Authenticate resolves the bearer token into an Identity. Requests without
// a valid HS256 token are rejected with 401.
func Authenticate(secret []byte) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := ParseToken(secret, r.Header.Get("Authorization"))
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireRole rejects callers whose role is not listed with 403.
func RequireRole(roles ...Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if id.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}

// ParseToken validates an "Authorization: Bearer <jwt>" header value.
func ParseToken(secret []byte, header string) (Identity, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return Identity{}, errNoToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("parsing token: %w", err)
	}

	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("token has no subject")
	}
	role := Role(claims.Role)
	switch role {
	case RoleUser, RoleAdmin, RoleIntegration:
	default:
		return Identity{}, fmt.Errorf("unknown role %q", claims.Role)
	}

	return Identity{OwnerID: claims.Subject, Role: role}, nil
}

// NewToken signs a token for id. Used by dev tooling and tests; production
// tokens come from the identity provider.
func NewToken(secret []byte, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.OwnerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	s, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return s, nil
}
