// Package bolt stores token records in an embedded bbolt database, one bucket
// per record kind.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.pilab.hu/authz"
)

const openTimeout = 5 * time.Second

// TokenStore is an authz.TokenStore backed by a bbolt file.
type TokenStore struct {
	db      *bbolt.DB
	codes   *bucket[authz.AuthorizationCode]
	access  accessBucket
	refresh *bucket[authz.RefreshToken]
}

var _ authz.TokenStore = (*TokenStore)(nil)

// Open opens or creates the database at path and makes sure every bucket exists.
func Open(path string) (*TokenStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db at %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{
			authz.KeyspaceAuthorizationCodes,
			authz.KeyspaceAccessTokens,
			authz.KeyspaceRefreshTokens,
		} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &TokenStore{
		db:      db,
		codes:   &bucket[authz.AuthorizationCode]{db: db, name: authz.KeyspaceAuthorizationCodes},
		access:  accessBucket{&bucket[authz.AccessToken]{db: db, name: authz.KeyspaceAccessTokens}},
		refresh: &bucket[authz.RefreshToken]{db: db, name: authz.KeyspaceRefreshTokens},
	}, nil
}

func (s *TokenStore) AuthorizationCodes() authz.AuthorizationCodeStore { return s.codes }
func (s *TokenStore) AccessTokens() authz.AccessTokenStore             { return s.access }
func (s *TokenStore) RefreshTokens() authz.RefreshTokenStore           { return s.refresh }

// Close closes the database file.
func (s *TokenStore) Close() error { return s.db.Close() }

type bucket[R any] struct {
	db   *bbolt.DB
	name string
}

func encode[R any](rec *R) ([]byte, error) {
	return json.Marshal(rec)
}

func decode[R any](data []byte) (*R, error) {
	rec := new(R)
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *bucket[R]) Find(_ context.Context, jti string) (*R, error) {
	var rec *R
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(b.name)).Get([]byte(jti))
		if data == nil {
			return nil
		}
		var err error
		rec, err = decode[R](data)
		return err
	})
	if err != nil {
		return nil, authz.NewStorageError("find", b.name, err)
	}
	return rec, nil
}

func (b *bucket[R]) Save(_ context.Context, jti string, rec *R) (*R, error) {
	data, err := encode(rec)
	if err != nil {
		return nil, authz.NewStorageError("save", b.name, err)
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(b.name)).Put([]byte(jti), data)
	})
	if err != nil {
		return nil, authz.NewStorageError("save", b.name, err)
	}
	return rec, nil
}

// Delete reads and removes the record inside a single write transaction;
// bbolt serialises writers, so only one caller can see the record.
func (b *bucket[R]) Delete(_ context.Context, jti string) (*R, error) {
	var rec *R
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(b.name))
		data := bkt.Get([]byte(jti))
		if data == nil {
			return nil
		}
		var err error
		if rec, err = decode[R](data); err != nil {
			return err
		}
		return bkt.Delete([]byte(jti))
	})
	if err != nil {
		return nil, authz.NewStorageError("delete", b.name, err)
	}
	return rec, nil
}

func (b *bucket[R]) RemoveAll(context.Context) (map[string]*R, error) {
	removed, err := b.removeWhere(func(*R) bool { return true })
	if err != nil {
		return nil, authz.NewStorageError("remove_all", b.name, err)
	}
	return removed, nil
}

// removeWhere deletes every record matching pred in one write transaction.
func (b *bucket[R]) removeWhere(pred func(*R) bool) (map[string]*R, error) {
	removed := make(map[string]*R)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(b.name))
		// Collect first: deleting while iterating a cursor skips items.
		err := bkt.ForEach(func(k, v []byte) error {
			rec, err := decode[R](v)
			if err != nil {
				return fmt.Errorf("record %s: %w", k, err)
			}
			if pred(rec) {
				removed[string(k)] = rec
			}
			return nil
		})
		if err != nil {
			return err
		}
		for jti := range removed {
			if err := bkt.Delete([]byte(jti)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

type accessBucket struct {
	*bucket[authz.AccessToken]
}

func (a accessBucket) RemoveExpired(_ context.Context, now time.Time) (map[string]*authz.AccessToken, error) {
	removed, err := a.removeWhere(func(rec *authz.AccessToken) bool { return rec.Expired(now) })
	if err != nil {
		return nil, authz.NewStorageError("remove_expired", a.name, err)
	}
	return removed, nil
}
