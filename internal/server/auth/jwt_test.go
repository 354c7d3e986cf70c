package auth

import (
	"testing"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("super-secret")

func sign(t *testing.T, claims jwt.Claims, method jwt.SigningMethod, key any) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestGenerateToken_RoundTrip(t *testing.T) {
	tok, err := GenerateToken("user-123", secret, time.Hour)
	require.NoError(t, err)

	id, err := GetUserIDFromToken(tok, secret)
	require.NoError(t, err)
	assert.Equal(t, "user-123", id)

	other, err := GenerateToken("user-123", secret, time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, tok, other, "every token gets its own id")
}

func TestGetUserIDFromToken_Rejects(t *testing.T) {
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	expired, err := GenerateToken("u1", secret, -time.Second)
	require.NoError(t, err)
	wrongKey, err := GenerateToken("u1", []byte("other"), time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"expired", expired, common.ErrTokenExpired},
		{"wrong secret", wrongKey, common.ErrInvalidToken},
		{"malformed", "not.a.jwt", common.ErrInvalidToken},
		{"foreign issuer", sign(t, jwt.RegisteredClaims{Issuer: "someone", Subject: "u1", ExpiresAt: future}, jwt.SigningMethodHS256, secret), common.ErrInvalidToken},
		{"no expiry", sign(t, jwt.RegisteredClaims{Issuer: Issuer, Subject: "u1"}, jwt.SigningMethodHS256, secret), common.ErrInvalidToken},
		{"no subject", sign(t, jwt.RegisteredClaims{Issuer: Issuer, ExpiresAt: future}, jwt.SigningMethodHS256, secret), common.ErrInvalidToken},
		{"other algorithm", sign(t, jwt.RegisteredClaims{Issuer: Issuer, Subject: "u1", ExpiresAt: future}, jwt.SigningMethodHS512, secret), common.ErrInvalidToken},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := GetUserIDFromToken(tc.token, secret)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}
