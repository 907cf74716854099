package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated principal behind a token.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Service mints and verifies JWTs. Revoked tokens are held in an in-memory
// blacklist until they expire on their own.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewService creates a token service with the given signing secret and
// token lifetime.
func NewService(secret string, ttl time.Duration) *Service {
	return &Service{
		secret:  []byte(secret),
		ttl:     ttl,
		now:     time.Now,
		revoked: make(map[string]time.Time),
	}
}

// Mint issues a signed token for the identity.
func (s *Service) Mint(id Identity) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   id.ID,
		"email": id.Email,
		"iat":   now.Unix(),
		"exp":   now.Add(s.ttl).Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a token and returns the identity it carries.
func (s *Service) Verify(tokenString string) (Identity, error) {
	if tokenString == "" || s.isRevoked(tokenString) {
		return Identity{}, ErrUnauthorized
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !token.Valid {
		return Identity{}, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrUnauthorized
	}
	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	if sub == "" {
		return Identity{}, ErrUnauthorized
	}
	return Identity{ID: sub, Email: email}, nil
}

// Revoke blacklists a token until its natural expiry.
func (s *Service) Revoke(tokenString string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.revoked[tokenString] = now.Add(s.ttl)

	// Sweep expired entries so the blacklist cannot grow unbounded
	for token, expiry := range s.revoked {
		if expiry.Before(now) {
			delete(s.revoked, token)
		}
	}
}

func (s *Service) isRevoked(tokenString string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.revoked[tokenString]
	return ok && expiry.After(s.now())
}

type contextKey struct{}

// FromContext returns the identity attached by RequireAuthFunc.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// TokenFromRequest extracts the bearer token from a request. The token may
// arrive as an Authorization header, a "token" cookie, or a "token" query
// parameter (for websocket dials, where headers are awkward from browsers).
func TokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	if cookie, err := r.Cookie("token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

// RequireAuthFunc wraps an http.HandlerFunc and requires a valid token.
// The verified identity is attached to the request context.
func (s *Service) RequireAuthFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.Verify(TokenFromRequest(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, id)))
	}
}
