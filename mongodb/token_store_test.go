package mongodb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/authz"
	"go.pilab.hu/authz/internal/storetest"
	"go.pilab.hu/authz/mongodb/testutil"
)

func TestTokenStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) authz.TokenStore {
		db := testutil.SetupTestMongoDB(t, "authz_tokens")
		require.NoError(t, EnsureIndexes(context.Background(), db))
		return NewTokenStore(db)
	})
}

func TestDirectory_Lookups(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestMongoDB(t, "authz_directory")
	require.NoError(t, EnsureIndexes(ctx, db))

	_, err := db.Collection(ClientsCollection).InsertOne(ctx, &authz.Client{
		ID: "3", Name: "Samplr3", ClientID: "trustedClient", ClientSecret: "ssh-otherpassword", TrustedClient: true,
	})
	require.NoError(t, err)
	_, err = db.Collection(UsersCollection).InsertOne(ctx, &authz.User{
		ID: "1", Username: "bob", Password: "secret", Name: "Bob Smith",
	})
	require.NoError(t, err)

	dir := NewDirectory(db)

	client, err := dir.FindClientByClientID(ctx, "trustedClient")
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, "3", client.ID)
	assert.True(t, client.TrustedClient)
	assert.Equal(t, "ssh-otherpassword", client.ClientSecret)

	client, err = dir.FindClientByID(ctx, "3")
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, "Samplr3", client.Name)

	user, err := dir.FindUserByUsername(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "1", user.ID)

	user, err = dir.FindUserByID(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "Bob Smith", user.Name)

	missing, err := dir.FindClientByClientID(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	nobody, err := dir.FindUserByUsername(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, nobody)
}
