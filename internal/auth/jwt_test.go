package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallTokenRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret", time.Minute)
	require.NoError(t, err)

	token, expiresAt, err := issuer.GenerateCallToken("call-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expiresAt, time.Second)

	claims, err := issuer.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "call-1", claims.CallID)
	assert.Equal(t, RoleCallLeg, claims.Role)
}

func TestValidateTokenRejects(t *testing.T) {
	issuer, err := NewTokenIssuer("test-secret", time.Minute)
	require.NoError(t, err)
	other, err := NewTokenIssuer("other-secret", time.Minute)
	require.NoError(t, err)

	t.Run("wrong secret", func(t *testing.T) {
		token, _, err := other.GenerateCallToken("call-1")
		require.NoError(t, err)
		_, err = issuer.ValidateToken(token)
		assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
	})

	t.Run("expired", func(t *testing.T) {
		past, err := NewTokenIssuer("test-secret", time.Minute)
		require.NoError(t, err)
		past.now = func() time.Time { return time.Now().Add(-time.Hour) }
		token, _, err := past.GenerateCallToken("call-1")
		require.NoError(t, err)
		_, err = issuer.ValidateToken(token)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("wrong role", func(t *testing.T) {
		claims := &CallClaims{
			Role: "device",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_, err = issuer.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidRole)
	})

	t.Run("unsigned", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, &CallClaims{Role: RoleCallLeg}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = issuer.ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := issuer.ValidateToken("not-a-token")
		assert.ErrorIs(t, err, jwt.ErrTokenMalformed)
	})
}

func TestNewTokenIssuerRequiresSecret(t *testing.T) {
	_, err := NewTokenIssuer("", time.Minute)
	assert.ErrorIs(t, err, ErrEmptySecret)
}
