package auth_test

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/authz/internal/auth"
)

func TestPasswordHasher(t *testing.T) {
	hasher := auth.NewBcryptPasswordHasher(4)

	hash, err := hasher.Hash("ssh-secret")
	require.NoError(t, err)
	assert.True(t, auth.IsBcryptHash(hash))

	assert.NoError(t, hasher.Verify(hash, "ssh-secret"))
	assert.ErrorIs(t, hasher.Verify(hash, "ssh-password"), auth.ErrSecretMismatch)

	t.Run("TestTooLongPassword", func(t *testing.T) {
		tooLongPass := make([]byte, 73)
		_, _ = rand.Read(tooLongPass)

		_, err := hasher.Hash(string(tooLongPass))
		assert.Error(t, err)
	})
}

func TestPasswordHasher_Plaintext(t *testing.T) {
	hasher := auth.NewBcryptPasswordHasher(0)

	assert.NoError(t, hasher.Verify("secret", "secret"))
	assert.ErrorIs(t, hasher.Verify("secret", "Secret"), auth.ErrSecretMismatch)
	assert.ErrorIs(t, hasher.Verify("secret", ""), auth.ErrSecretMismatch)
	assert.ErrorIs(t, hasher.Verify("", ""), auth.ErrSecretMismatch, "empty stored secret never matches")
}
