package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUser(t *testing.T) {
	u, err := NewUser("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name)

	_, err = NewUser("")
	assert.ErrorIs(t, err, ErrUsernameEmpty)

	_, err = NewUser(strings.Repeat("x", MaxUsernameLen+1))
	assert.ErrorIs(t, err, ErrUsernameTooLong)

	_, err = NewUser("bad\nname")
	assert.ErrorIs(t, err, ErrUsernameInvalid)

	_, err = NewUser(strings.Repeat("x", MaxUsernameLen))
	assert.NoError(t, err)
}
