package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const agentAddr = "0x00000000000000000000000000000000000000aa"

func TestService(t *testing.T) {
	t.Run("should require a secret", func(t *testing.T) {
		_, err := NewService("", time.Hour)
		assert.ErrorIs(t, err, ErrMissingSecret)
	})

	t.Run("should round trip the agent address", func(t *testing.T) {
		s, err := NewService("secret", time.Hour)
		require.NoError(t, err)

		token, err := s.Issue(agentAddr, "")
		require.NoError(t, err)
		claims, err := s.VerifyToken("Bearer " + token)
		require.NoError(t, err)

		assert.Equal(t, agentAddr, claims.Address())
		assert.Equal(t, RoleAgent, claims.Role)
		assert.False(t, claims.IsOperator())
	})

	t.Run("should reject invalid addresses at issue time", func(t *testing.T) {
		s, err := NewService("secret", time.Hour)
		require.NoError(t, err)

		_, err = s.Issue("not-an-address", RoleAgent)
		assert.Error(t, err)
	})

	t.Run("should reject expired tokens", func(t *testing.T) {
		s, err := NewService("secret", time.Minute)
		require.NoError(t, err)
		issued := time.Now()
		s.now = func() time.Time { return issued }
		token, err := s.Issue(agentAddr, RoleOperator)
		require.NoError(t, err)

		s.now = func() time.Time { return issued.Add(2 * time.Minute) }
		_, err = s.VerifyToken(token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("should refresh tokens within the grace period", func(t *testing.T) {
		s, err := NewService("secret", time.Minute)
		require.NoError(t, err)
		issued := time.Now()
		s.now = func() time.Time { return issued }
		token, err := s.Issue(agentAddr, RoleOperator)
		require.NoError(t, err)

		s.now = func() time.Time { return issued.Add(RefreshGrace / 2) }
		fresh, claims, err := s.Refresh("Bearer " + token)
		require.NoError(t, err)
		assert.Equal(t, agentAddr, claims.Address())

		renewed, err := s.VerifyToken(fresh)
		require.NoError(t, err)
		assert.Equal(t, agentAddr, renewed.Address())
		assert.True(t, renewed.IsOperator())

		s.now = func() time.Time { return issued.Add(RefreshGrace + 2*time.Minute) }
		_, _, err = s.Refresh(token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("should reject tokens signed with another secret", func(t *testing.T) {
		a, _ := NewService("secret-a", time.Hour)
		b, _ := NewService("secret-b", time.Hour)
		token, err := a.Issue(agentAddr, RoleAgent)
		require.NoError(t, err)

		_, err = b.VerifyToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
		_, _, err = b.Refresh(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
		_, err = b.VerifyToken("")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject the none algorithm", func(t *testing.T) {
		s, _ := NewService("secret", time.Hour)
		claims := &Claims{Role: RoleOperator, RegisteredClaims: jwt.RegisteredClaims{Subject: agentAddr, Issuer: issuer}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = s.VerifyToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
