package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberapp/matchcore/internal/apperr"
)

func TestAuthenticateRoundTrip(t *testing.T) {
	v := NewJWTVerifier("secret", "ember")
	tok, err := v.Issue("user-1", "Ada", time.Minute)
	require.NoError(t, err)

	id, err := v.Authenticate(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, "Ada", id.DisplayName)
}

func TestAuthenticateRejects(t *testing.T) {
	v := NewJWTVerifier("secret", "ember")
	other := NewJWTVerifier("other", "ember")
	wrongIssuer := NewJWTVerifier("secret", "someone-else")

	expired, err := v.Issue("u", "", -time.Minute)
	require.NoError(t, err)
	forged, err := other.Issue("u", "", time.Minute)
	require.NoError(t, err)
	foreign, err := wrongIssuer.Issue("u", "", time.Minute)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "ember"},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	cases := map[string]string{
		"empty":      "",
		"garbage":    "not.a.token",
		"expired":    expired,
		"bad sig":    forged,
		"bad issuer": foreign,
		"no subject": noSubject,
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Authenticate(context.Background(), tok)
			assert.True(t, errors.Is(err, apperr.ErrUnauthenticated), "got %v", err)
		})
	}
}

func TestAuthenticateCancelledContext(t *testing.T) {
	v := NewJWTVerifier("secret", "")
	tok, err := v.Issue("u", "", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = v.Authenticate(ctx, tok)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", TokenFromRequest(r))

	_, err := ParseBearerToken("Basic abc")
	assert.Error(t, err)
}
