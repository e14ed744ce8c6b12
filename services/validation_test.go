package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/authz"
	"go.pilab.hu/authz/directory"
	"go.pilab.hu/authz/internal/auth"
)

type brokenDirectory struct {
	authz.PrincipalDirectory
}

func (brokenDirectory) FindClientByClientID(context.Context, string) (*authz.Client, error) {
	return nil, authz.NewStorageError("find_client", "clients", errors.New("timeout"))
}

func TestValidator_AuthenticateClient(t *testing.T) {
	v := NewValidator(directory.Seed(), auth.NewBcryptPasswordHasher(4))
	ctx := context.Background()

	client, err := v.AuthenticateClient(ctx, "abc123", "ssh-secret")
	require.NoError(t, err)
	assert.Equal(t, "1", client.ID)

	_, err = v.AuthenticateClient(ctx, "abc123", "ssh-password")
	assert.ErrorIs(t, err, authz.ErrUnauthorized)

	_, err = v.AuthenticateClient(ctx, "nobody", "ssh-secret")
	assert.ErrorIs(t, err, authz.ErrNotFound)

	_, err = NewValidator(brokenDirectory{}, auth.NewBcryptPasswordHasher(4)).AuthenticateClient(ctx, "abc123", "ssh-secret")
	assert.True(t, authz.IsStorageError(err))
}

func TestValidator_AuthenticateUser(t *testing.T) {
	hasher := auth.NewBcryptPasswordHasher(4)
	hashed, err := hasher.Hash("password")
	require.NoError(t, err)

	dir, err := directory.Parse([]byte(`
users:
  - id: "2"
    username: joe
    password: "` + hashed + `"
    name: Joe
`))
	require.NoError(t, err)
	v := NewValidator(dir, hasher)

	user, err := v.AuthenticateUser(context.Background(), "joe", "password")
	require.NoError(t, err)
	assert.Equal(t, "2", user.ID)

	_, err = v.AuthenticateUser(context.Background(), "joe", "secret")
	assert.ErrorIs(t, err, authz.ErrUnauthorized)
}

func TestBindings(t *testing.T) {
	code := &authz.AuthorizationCode{ClientID: "1", RedirectURI: "https://client.example/cb"}

	assert.NoError(t, RequireClientBinding(code, &authz.Client{ID: "1"}))
	assert.ErrorIs(t, RequireClientBinding(code, &authz.Client{ID: "2"}), authz.ErrInvalidGrant)
	assert.ErrorIs(t, RequireClientBinding(code, nil), authz.ErrInvalidGrant)

	assert.NoError(t, RequireRedirectBinding(code, "https://client.example/cb"))
	assert.ErrorIs(t, RequireRedirectBinding(code, "https://client.example/other"), authz.ErrInvalidGrant)

	_, err := RequireExists[authz.RefreshToken](nil)
	assert.ErrorIs(t, err, authz.ErrNotFound)
}
