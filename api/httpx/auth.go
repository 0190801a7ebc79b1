package httpx

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/nexora/dispatch/core/model"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   model.Role
}

type principalKey struct{}

// Claims are the bearer token claims. The subject is the user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the caller stored by Authenticate.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// IssueToken signs an HS256 token for userID.
func IssueToken(secret, userID string, role model.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	c := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}

// ParseToken validates tok and returns its principal.
func ParseToken(tok, secret string) (Principal, error) {
	var c Claims
	t, err := jwt.ParseWithClaims(tok, &c, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, err
	}
	if !t.Valid || c.Subject == "" || c.Role == "" {
		return Principal{}, errors.New("invalid claims")
	}
	return Principal{UserID: c.Subject, Role: model.Role(strings.ToLower(c.Role))}, nil
}

// BearerToken extracts the token of an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	tok := strings.TrimSpace(parts[1])
	return tok, tok != ""
}

// SocketUser authenticates a websocket upgrade with the same tokens as the
// API. Browsers cannot set headers on the upgrade, so the token may also
// come in the token query parameter. With an empty secret it returns nil
// and sockets are not authenticated.
func SocketUser(secret string) func(*http.Request) (string, error) {
	if secret == "" {
		return nil
	}
	return func(r *http.Request) (string, error) {
		tok, ok := BearerToken(r)
		if !ok {
			tok = r.URL.Query().Get("token")
		}
		if tok == "" {
			return "", errors.New("missing bearer token")
		}
		p, err := ParseToken(tok, secret)
		if err != nil {
			return "", err
		}
		return p.UserID, nil
	}
}

// Authenticate resolves the caller of every request. With an empty secret
// the X-User-ID and X-User-Role headers are trusted instead, which is only
// suitable for local development.
func Authenticate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p Principal
			if secret == "" {
				p = Principal{UserID: r.Header.Get("X-User-ID"), Role: model.Role(r.Header.Get("X-User-Role"))}
				if p.UserID == "" {
					WriteJSON(w, http.StatusUnauthorized, Error{Error: "missing X-User-ID"})
					return
				}
			} else {
				tok, ok := BearerToken(r)
				if !ok {
					WriteJSON(w, http.StatusUnauthorized, Error{Error: "missing bearer token"})
					return
				}
				var err error
				if p, err = ParseToken(tok, secret); err != nil {
					WriteJSON(w, http.StatusUnauthorized, Error{Error: "invalid token"})
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok || !slices.Contains(roles, p.Role) {
				WriteJSON(w, http.StatusForbidden, Error{Error: "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// StaticToken protects a machine endpoint with a shared bearer token. An
// empty token leaves it open.
func StaticToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got, ok := BearerToken(r); !ok || got != token {
			WriteJSON(w, http.StatusUnauthorized, Error{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
