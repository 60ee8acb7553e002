package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	tok, err := v.Issue(Principal{ID: "42", Name: "alice"}, time.Minute)
	require.NoError(t, err)

	p, err := v.Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, Principal{ID: "42", Name: "alice"}, p)
}

func TestVerifyNumericUserID(t *testing.T) {
	secret := []byte("s3cret")
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":     "bob",
		"user_id": 7,
		"exp":     time.Now().Add(time.Minute).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)

	p, err := NewJWTVerifier("s3cret").Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "7", string(p.ID))
	assert.Equal(t, "bob", p.Name)
}

func TestVerifyRejects(t *testing.T) {
	v := NewJWTVerifier("s3cret")
	expired, err := v.Issue(Principal{ID: "1", Name: "a"}, -time.Minute)
	require.NoError(t, err)
	wrongKey, err := NewJWTVerifier("other").Issue(Principal{ID: "1", Name: "a"}, time.Minute)
	require.NoError(t, err)
	noSubject, err := v.Issue(Principal{ID: "1"}, time.Minute)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"expired":    expired,
		"wrong key":  wrongKey,
		"no subject": noSubject,
		"garbage":    "not.a.jwt",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err = v.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=fromquery", nil)
	assert.Equal(t, "fromquery", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer fromheader")
	assert.Equal(t, "fromheader", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	assert.Empty(t, TokenFromRequest(r))
}
