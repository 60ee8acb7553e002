// Package auth validates bearer credentials presented at connect time.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/unerue/studytube/internal/domain"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Principal is the identity a valid token resolves to.
type Principal struct {
	ID   domain.ParticipantID
	Name string
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

type claims struct {
	UserID any `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HS256 tokens whose subject is the username and whose
// user_id claim is the account id.
type JWTVerifier struct {
	secret []byte
	leeway time.Duration
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), leeway: 5 * time.Second}
}

func (v *JWTVerifier) Verify(_ context.Context, raw string) (Principal, error) {
	if raw == "" {
		return Principal{}, ErrMissingToken
	}
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(v.leeway))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return Principal{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	id := userID(c.UserID)
	if id == "" {
		id = c.Subject
	}
	return Principal{ID: domain.ParticipantID(id), Name: c.Subject}, nil
}

func userID(v any) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatInt(int64(t), 10)
	case string:
		return t
	}
	return ""
}

// Issue signs a token for p valid for ttl. Used by tests and local tooling.
func (v *JWTVerifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		UserID: string(p.ID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
}

// TokenFromRequest reads a bearer token from the Authorization header, or
// from the token query parameter since browsers cannot set headers on a
// websocket handshake.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}
