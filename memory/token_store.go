// Package memory is the single-process token store: one mutex-guarded map per
// record kind.
package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"go.pilab.hu/authz"
)

type keyspace[R any] struct {
	mu      sync.Mutex
	records map[string]*R
}

func newKeyspace[R any]() *keyspace[R] {
	return &keyspace[R]{records: make(map[string]*R)}
}

func (k *keyspace[R]) Find(_ context.Context, jti string) (*R, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec, ok := k.records[jti]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func (k *keyspace[R]) Save(_ context.Context, jti string, rec *R) (*R, error) {
	stored := *rec

	k.mu.Lock()
	k.records[jti] = &stored
	k.mu.Unlock()

	return rec, nil
}

func (k *keyspace[R]) Delete(_ context.Context, jti string) (*R, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec, ok := k.records[jti]
	if !ok {
		return nil, nil
	}
	delete(k.records, jti)
	return rec, nil
}

func (k *keyspace[R]) RemoveAll(context.Context) (map[string]*R, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	removed := k.records
	k.records = make(map[string]*R)
	return removed, nil
}

// Len returns the number of stored records.
func (k *keyspace[R]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.records)
}

type accessTokens struct {
	*keyspace[authz.AccessToken]
}

func (a accessTokens) RemoveExpired(_ context.Context, now time.Time) (map[string]*authz.AccessToken, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := make(map[string]*authz.AccessToken)
	maps.DeleteFunc(a.records, func(jti string, rec *authz.AccessToken) bool {
		if !rec.Expired(now) {
			return false
		}
		removed[jti] = rec
		return true
	})
	return removed, nil
}

// TokenStore keeps all records in process memory.
type TokenStore struct {
	codes   *keyspace[authz.AuthorizationCode]
	access  accessTokens
	refresh *keyspace[authz.RefreshToken]
}

var _ authz.TokenStore = (*TokenStore)(nil)

// NewTokenStore returns an empty store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		codes:   newKeyspace[authz.AuthorizationCode](),
		access:  accessTokens{newKeyspace[authz.AccessToken]()},
		refresh: newKeyspace[authz.RefreshToken](),
	}
}

func (s *TokenStore) AuthorizationCodes() authz.AuthorizationCodeStore { return s.codes }
func (s *TokenStore) AccessTokens() authz.AccessTokenStore             { return s.access }
func (s *TokenStore) RefreshTokens() authz.RefreshTokenStore           { return s.refresh }

// Close is a no-op.
func (s *TokenStore) Close() error { return nil }
