package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintVerifyRoundTrip(t *testing.T) {
	s := NewService("secret", time.Hour)

	token, err := s.Mint(Identity{ID: "u1", Email: "u1@example.com"})
	require.NoError(t, err)

	id, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.ID)
	assert.Equal(t, "u1@example.com", id.Email)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	s := NewService("secret", time.Hour)

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := s.Verify(token)
		assert.ErrorIs(t, err, ErrUnauthorized, "token %q", token)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	minter := NewService("secret-a", time.Hour)
	verifier := NewService("secret-b", time.Hour)

	token, err := minter.Mint(Identity{ID: "u1"})
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsExpired(t *testing.T) {
	s := NewService("secret", time.Minute)

	token, err := s.Mint(Identity{ID: "u1"})
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRevokedTokenIsRejected(t *testing.T) {
	s := NewService("secret", time.Hour)

	token, err := s.Mint(Identity{ID: "u1"})
	require.NoError(t, err)

	s.Revoke(token)
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	r.AddCookie(&http.Cookie{Name: "token", Value: "cookie-token"})
	assert.Equal(t, "cookie-token", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/x?token=query-token", nil)
	assert.Equal(t, "query-token", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	assert.Equal(t, "", TokenFromRequest(r))
}

func TestRequireAuthFunc(t *testing.T) {
	s := NewService("secret", time.Hour)
	token, err := s.Mint(Identity{ID: "u1", Email: "u1@example.com"})
	require.NoError(t, err)

	var seen Identity
	handler := s.RequireAuthFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", seen.ID)

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
