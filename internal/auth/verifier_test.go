package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestVerifyAcceptsUserIDClaim(t *testing.T) {
	v := New("test-secret")
	tok := signToken(t, "test-secret", jwt.MapClaims{
		"userId": "user-123",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	p, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "user-123", p.UserID)
}

func TestVerifyFirstPresentClaimWins(t *testing.T) {
	v := New("test-secret")
	tok := signToken(t, "test-secret", jwt.MapClaims{
		"sub": "sub-user",
		"id":  "id-user",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	p, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "sub-user", p.UserID)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	v := New("test-secret")
	tok := signToken(t, "wrong-secret", jwt.MapClaims{"userId": "user-123"})
	_, err := v.Verify(tok)
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := New("test-secret")
	tok := signToken(t, "test-secret", jwt.MapClaims{
		"userId": "user-123",
		"exp":    time.Now().Add(-time.Hour).Unix(),
	})
	_, err := v.Verify(tok)
	assert.Error(t, err)
}

func TestVerifyRejectsMissingUserIdentifier(t *testing.T) {
	v := New("test-secret")
	tok := signToken(t, "test-secret", jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err := v.Verify(tok)
	assert.ErrorIs(t, err, ErrMissingUserID)
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	v := New("test-secret")
	_, err := v.Verify("not-a-jwt")
	assert.Error(t, err)
}
