package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvisionedUser(t *testing.T) {
	u, err := NewProvisionedUser("  Jo@Example.COM ")
	require.NoError(t, err)

	assert.Equal(t, "jo@example.com", u.Email)
	assert.Equal(t, "jo_", u.Name)
	assert.True(t, u.Provisioned)
	assert.True(t, u.IsActive())
	assert.False(t, u.IsAdmin())
	assert.NotEmpty(t, u.Password)
}

func TestNewProvisionedUserRejectsInvalidEmail(t *testing.T) {
	_, err := NewProvisionedUser("not-an-email")
	assert.Error(t, err)
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)

	assert.True(t, CheckPasswordHash("correct horse", hash))
	assert.False(t, CheckPasswordHash("wrong horse", hash))
}

func TestUserRoleAndStatus(t *testing.T) {
	u := &User{Role: ROLE_ADMIN, Status: STATUS_DISABLED}
	assert.True(t, u.IsAdmin())
	assert.False(t, u.IsActive())
}
