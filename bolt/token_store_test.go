package bolt

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"go.pilab.hu/authz"
	"go.pilab.hu/authz/internal/storetest"
)

func setupTestDB(t *testing.T) (*TokenStore, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "nested", "tokens.db")
	store, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store, dbPath
}

func TestTokenStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) authz.TokenStore {
		store, _ := setupTestDB(t)
		return store
	})
}

func TestTokenStore_Reopen(t *testing.T) {
	ctx := context.Background()
	store, dbPath := setupTestDB(t)

	uid := "1"
	expires := time.Now().Add(time.Hour).Round(0)
	_, err := store.AccessTokens().Save(ctx, "jti-1", &authz.AccessToken{
		UserID: &uid, ClientID: "3", ExpirationDate: expires, Scope: "*",
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	rec, err := reopened.AccessTokens().Find(ctx, "jti-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "3", rec.ClientID)
	assert.True(t, expires.Equal(rec.ExpirationDate))
}

func TestTokenStore_ClosedDatabaseIsStorageError(t *testing.T) {
	store, _ := setupTestDB(t)
	require.NoError(t, store.Close())

	_, err := store.RefreshTokens().Find(context.Background(), "jti")
	require.Error(t, err)
	assert.True(t, authz.IsStorageError(err))
}

func TestTokenStore_RecordsAreJSON(t *testing.T) {
	ctx := context.Background()
	store, _ := setupTestDB(t)

	empty := ""
	_, err := store.AccessTokens().Save(ctx, "jti-2", &authz.AccessToken{UserID: &empty, ClientID: "1"})
	require.NoError(t, err)

	rec, err := store.AccessTokens().Find(ctx, "jti-2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NotNil(t, rec.UserID, "a pointer to the empty string must survive the round trip")
	assert.Equal(t, "", *rec.UserID)

	var raw []byte
	require.NoError(t, store.db.View(func(tx *bbolt.Tx) error {
		raw = append(raw, tx.Bucket([]byte(authz.KeyspaceAccessTokens)).Get([]byte("jti-2"))...)
		return nil
	}))
	assert.True(t, json.Valid(raw), string(raw))
}
