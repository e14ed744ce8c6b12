// Package storetest holds the behaviour every authz.TokenStore backend must show.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/authz"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) authz.TokenStore

// Run exercises the token store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AuthorizationCodeLifecycle", func(t *testing.T) { testCodeLifecycle(t, newStore(t)) })
	t.Run("AccessTokenLifecycle", func(t *testing.T) { testAccessLifecycle(t, newStore(t)) })
	t.Run("RefreshTokenLifecycle", func(t *testing.T) { testRefreshLifecycle(t, newStore(t)) })
	t.Run("KeyspaceIsolation", func(t *testing.T) { testIsolation(t, newStore(t)) })
	t.Run("ConcurrentDeleteAtMostOnce", func(t *testing.T) { testConcurrentDelete(t, newStore(t)) })
	t.Run("RemoveExpired", func(t *testing.T) { testRemoveExpired(t, newStore(t)) })
	t.Run("RemoveAll", func(t *testing.T) { testRemoveAll(t, newStore(t)) })
}

func ptr(s string) *string { return &s }

func testCodeLifecycle(t *testing.T, store authz.TokenStore) {
	ctx := context.Background()
	codes := store.AuthorizationCodes()
	jti := uuid.NewString()

	rec, err := codes.Find(ctx, jti)
	require.NoError(t, err)
	assert.Nil(t, rec)

	want := &authz.AuthorizationCode{
		ClientID:    "1",
		RedirectURI: "http://localhost:3000/callback",
		UserID:      "1",
		Scope:       "offline_access",
	}
	saved, err := codes.Save(ctx, jti, want)
	require.NoError(t, err)
	assert.Equal(t, want, saved)

	got, err := codes.Find(ctx, jti)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	deleted, err := codes.Delete(ctx, jti)
	require.NoError(t, err)
	assert.Equal(t, want, deleted)

	again, err := codes.Delete(ctx, jti)
	require.NoError(t, err)
	assert.Nil(t, again)

	gone, err := codes.Find(ctx, jti)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func testAccessLifecycle(t *testing.T, store authz.TokenStore) {
	ctx := context.Background()
	access := store.AccessTokens()

	expires := time.Now().Add(time.Hour).Truncate(time.Millisecond).UTC()
	userToken := &authz.AccessToken{UserID: ptr("1"), ClientID: "3", ExpirationDate: expires, Scope: "*"}
	clientToken := &authz.AccessToken{UserID: nil, ClientID: "3", ExpirationDate: expires}

	userJTI, clientJTI := uuid.NewString(), uuid.NewString()
	_, err := access.Save(ctx, userJTI, userToken)
	require.NoError(t, err)
	_, err = access.Save(ctx, clientJTI, clientToken)
	require.NoError(t, err)

	got, err := access.Find(ctx, userJTI)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.UserID)
	assert.Equal(t, "1", *got.UserID)
	assert.Equal(t, "3", got.ClientID)
	assert.Equal(t, "*", got.Scope)
	assert.True(t, expires.Equal(got.ExpirationDate), "expiration %v != %v", got.ExpirationDate, expires)

	got, err = access.Find(ctx, clientJTI)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.UserID, "client token must not carry a user")

	// Save overwrites.
	userToken.Scope = "offline_access"
	_, err = access.Save(ctx, userJTI, userToken)
	require.NoError(t, err)
	got, err = access.Find(ctx, userJTI)
	require.NoError(t, err)
	assert.Equal(t, "offline_access", got.Scope)

	deleted, err := access.Delete(ctx, userJTI)
	require.NoError(t, err)
	require.NotNil(t, deleted)
	assert.Equal(t, "3", deleted.ClientID)

	deleted, err = access.Delete(ctx, userJTI)
	require.NoError(t, err)
	assert.Nil(t, deleted)
}

func testRefreshLifecycle(t *testing.T, store authz.TokenStore) {
	ctx := context.Background()
	refresh := store.RefreshTokens()
	jti := uuid.NewString()

	want := &authz.RefreshToken{UserID: "1", ClientID: "3", Scope: "offline_access"}
	_, err := refresh.Save(ctx, jti, want)
	require.NoError(t, err)

	got, err := refresh.Find(ctx, jti)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	deleted, err := refresh.Delete(ctx, jti)
	require.NoError(t, err)
	assert.Equal(t, want, deleted)

	got, err = refresh.Find(ctx, jti)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testIsolation(t *testing.T, store authz.TokenStore) {
	ctx := context.Background()
	jti := uuid.NewString()

	_, err := store.AccessTokens().Save(ctx, jti, &authz.AccessToken{
		UserID: ptr("1"), ClientID: "access-client", ExpirationDate: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = store.RefreshTokens().Save(ctx, jti, &authz.RefreshToken{UserID: "2", ClientID: "refresh-client"})
	require.NoError(t, err)

	code, err := store.AuthorizationCodes().Find(ctx, jti)
	require.NoError(t, err)
	assert.Nil(t, code)

	access, err := store.AccessTokens().Find(ctx, jti)
	require.NoError(t, err)
	require.NotNil(t, access)
	assert.Equal(t, "access-client", access.ClientID)

	refresh, err := store.RefreshTokens().Find(ctx, jti)
	require.NoError(t, err)
	require.NotNil(t, refresh)
	assert.Equal(t, "refresh-client", refresh.ClientID)

	// Deleting from one keyspace leaves the other alone.
	_, err = store.AccessTokens().Delete(ctx, jti)
	require.NoError(t, err)
	refresh, err = store.RefreshTokens().Find(ctx, jti)
	require.NoError(t, err)
	assert.NotNil(t, refresh)
}

func testConcurrentDelete(t *testing.T, store authz.TokenStore) {
	ctx := context.Background()
	codes := store.AuthorizationCodes()
	jti := uuid.NewString()

	_, err := codes.Save(ctx, jti, &authz.AuthorizationCode{ClientID: "1", RedirectURI: "http://localhost", UserID: "1"})
	require.NoError(t, err)

	const workers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			rec, err := codes.Delete(ctx, jti)
			assert.NoError(t, err)
			if rec != nil {
				successes.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, successes.Load())
}

func testRemoveExpired(t *testing.T, store authz.TokenStore) {
	ctx := context.Background()
	access := store.AccessTokens()
	now := time.Now()

	expired := []string{uuid.NewString(), uuid.NewString()}
	live := uuid.NewString()
	for _, jti := range expired {
		_, err := access.Save(ctx, jti, &authz.AccessToken{ClientID: "1", ExpirationDate: now.Add(-time.Minute)})
		require.NoError(t, err)
	}
	_, err := access.Save(ctx, live, &authz.AccessToken{ClientID: "1", ExpirationDate: now.Add(time.Hour)})
	require.NoError(t, err)

	removed, err := access.RemoveExpired(ctx, now)
	require.NoError(t, err)
	assert.Len(t, removed, len(expired))
	for _, jti := range expired {
		assert.Contains(t, removed, jti)
		rec, err := access.Find(ctx, jti)
		require.NoError(t, err)
		assert.Nil(t, rec)
	}

	rec, err := access.Find(ctx, live)
	require.NoError(t, err)
	assert.NotNil(t, rec)

	removed, err = access.RemoveExpired(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func testRemoveAll(t *testing.T, store authz.TokenStore) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.RefreshTokens().Save(ctx, uuid.NewString(), &authz.RefreshToken{UserID: "1", ClientID: "1"})
		require.NoError(t, err)
	}
	codeJTI := uuid.NewString()
	_, err := store.AuthorizationCodes().Save(ctx, codeJTI, &authz.AuthorizationCode{ClientID: "1"})
	require.NoError(t, err)

	removed, err := store.RefreshTokens().RemoveAll(ctx)
	require.NoError(t, err)
	assert.Len(t, removed, 3)

	removed, err = store.RefreshTokens().RemoveAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)

	code, err := store.AuthorizationCodes().Find(ctx, codeJTI)
	require.NoError(t, err)
	assert.NotNil(t, code, "RemoveAll is scoped to one keyspace")
}
