package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proximity-beacon/beacon-engine/internal/config"
	"github.com/proximity-beacon/beacon-engine/pkg/crypto"
)

func newManager(t *testing.T) *JWTManager {
	t.Helper()
	hash, err := crypto.HashPassword("hunter2")
	require.NoError(t, err)

	return NewJWTManager(config.JWTConfig{
		Secret:          "test-secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
	}, []config.OperatorConfig{
		{Username: "ops", PasswordHash: hash, Role: RoleAdmin},
		{Username: "guest", PasswordHash: hash},
	})
}

func TestAuthenticate(t *testing.T) {
	m := newManager(t)

	access, refresh, err := m.Authenticate("ops", "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, refresh)

	claims, err := m.ValidateToken(access)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Username)
	assert.True(t, claims.IsAdmin())
}

func TestAuthenticateRejects(t *testing.T) {
	m := newManager(t)

	_, _, err := m.Authenticate("ops", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = m.Authenticate("nobody", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestDefaultRoleIsViewer(t *testing.T) {
	m := newManager(t)

	access, _, err := m.Authenticate("guest", "hunter2")
	require.NoError(t, err)

	claims, err := m.ValidateToken(access)
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, claims.Role)
	assert.False(t, claims.IsAdmin())
}

func TestValidateTokenWrongSecret(t *testing.T) {
	m := newManager(t)
	access, _, err := m.Authenticate("ops", "hunter2")
	require.NoError(t, err)

	other := NewJWTManager(config.JWTConfig{Secret: "other"}, nil)
	_, err = other.ValidateToken(access)
	assert.Error(t, err)
}

func TestValidateTokenRejectsRefreshToken(t *testing.T) {
	m := newManager(t)
	_, refresh, err := m.Authenticate("ops", "hunter2")
	require.NoError(t, err)

	_, err = m.ValidateToken(refresh)
	assert.Error(t, err)
}

func TestRefreshToken(t *testing.T) {
	m := newManager(t)
	_, refresh, err := m.Authenticate("ops", "hunter2")
	require.NoError(t, err)

	access, _, err := m.RefreshToken(refresh)
	require.NoError(t, err)

	claims, err := m.ValidateToken(access)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Username)
}
