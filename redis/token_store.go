// Package redis stores token records in Redis. Records are JSON strings under
// "<prefix>:<keyspace>:<jti>"; access tokens are also indexed by expiry in the
// "<prefix>:access_tokens_expiry" sorted set so the sweeper does not need to scan.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.pilab.hu/authz"
)

const scanBatch = 100

// removeExpiredScript atomically pops every member of the expiry index scored
// at or below ARGV[1] and deletes the matching record keys, returning
// alternating jti/record pairs for the records that still existed.
var removeExpiredScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local out = {}
for _, id in ipairs(ids) do
  local value = redis.call('GETDEL', ARGV[2] .. id)
  redis.call('ZREM', KEYS[1], id)
  if value then
    table.insert(out, id)
    table.insert(out, value)
  end
end
return out
`)

// TokenStore is an authz.TokenStore backed by Redis.
type TokenStore struct {
	client  redis.UniversalClient
	codes   *keyspace[authz.AuthorizationCode]
	access  *accessKeyspace
	refresh *keyspace[authz.RefreshToken]
}

var _ authz.TokenStore = (*TokenStore)(nil)

// NewTokenStore wraps client. prefix namespaces every key the store writes.
func NewTokenStore(client redis.UniversalClient, prefix string) *TokenStore {
	if prefix == "" {
		prefix = "authz"
	}
	return &TokenStore{
		client:  client,
		codes:   newKeyspace[authz.AuthorizationCode](client, prefix, authz.KeyspaceAuthorizationCodes),
		access:  &accessKeyspace{keyspace: newKeyspace[authz.AccessToken](client, prefix, authz.KeyspaceAccessTokens)},
		refresh: newKeyspace[authz.RefreshToken](client, prefix, authz.KeyspaceRefreshTokens),
	}
}

func (s *TokenStore) AuthorizationCodes() authz.AuthorizationCodeStore { return s.codes }
func (s *TokenStore) AccessTokens() authz.AccessTokenStore             { return s.access }
func (s *TokenStore) RefreshTokens() authz.RefreshTokenStore           { return s.refresh }

// Close closes the underlying client.
func (s *TokenStore) Close() error { return s.client.Close() }

type keyspace[R any] struct {
	client redis.UniversalClient
	name   string
	prefix string // "<prefix>:<keyspace>:"
}

func newKeyspace[R any](client redis.UniversalClient, prefix, name string) *keyspace[R] {
	return &keyspace[R]{
		client: client,
		name:   name,
		prefix: fmt.Sprintf("%s:%s:", prefix, name),
	}
}

func (k *keyspace[R]) redisKey(jti string) string {
	return k.prefix + jti
}

func (k *keyspace[R]) unmarshal(op string, data string) (*R, error) {
	rec := new(R)
	if err := json.Unmarshal([]byte(data), rec); err != nil {
		return nil, authz.NewStorageError(op, k.name, fmt.Errorf("failed to unmarshal record: %w", err))
	}
	return rec, nil
}

func (k *keyspace[R]) Find(ctx context.Context, jti string) (*R, error) {
	data, err := k.client.Get(ctx, k.redisKey(jti)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, authz.NewStorageError("find", k.name, err)
	}
	return k.unmarshal("find", data)
}

func (k *keyspace[R]) Save(ctx context.Context, jti string, rec *R) (*R, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, authz.NewStorageError("save", k.name, fmt.Errorf("failed to marshal record: %w", err))
	}
	if err := k.client.Set(ctx, k.redisKey(jti), data, 0).Err(); err != nil {
		return nil, authz.NewStorageError("save", k.name, err)
	}
	return rec, nil
}

// Delete relies on GETDEL, which Redis executes atomically.
func (k *keyspace[R]) Delete(ctx context.Context, jti string) (*R, error) {
	data, err := k.client.GetDel(ctx, k.redisKey(jti)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, authz.NewStorageError("delete", k.name, err)
	}
	return k.unmarshal("delete", data)
}

// RemoveAll scans the keyspace and GETDELs each key, so records deleted
// concurrently are reported by exactly one caller.
func (k *keyspace[R]) RemoveAll(ctx context.Context) (map[string]*R, error) {
	removed := make(map[string]*R)

	var cursor uint64
	for {
		keys, next, err := k.client.Scan(ctx, cursor, k.prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, authz.NewStorageError("remove_all", k.name, err)
		}

		for _, key := range keys {
			data, err := k.client.GetDel(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, authz.NewStorageError("remove_all", k.name, err)
			}
			rec, err := k.unmarshal("remove_all", data)
			if err != nil {
				return nil, err
			}
			removed[key[len(k.prefix):]] = rec
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return removed, nil
}

type accessKeyspace struct {
	*keyspace[authz.AccessToken]
}

// expiryKey sits outside the record key pattern so scans never return it.
func (a *accessKeyspace) expiryKey() string {
	return strings.TrimSuffix(a.prefix, ":") + "_expiry"
}

// Save writes the record and its expiry index entry in one transaction.
func (a *accessKeyspace) Save(ctx context.Context, jti string, rec *authz.AccessToken) (*authz.AccessToken, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, authz.NewStorageError("save", a.name, fmt.Errorf("failed to marshal record: %w", err))
	}

	_, err = a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, a.redisKey(jti), data, 0)
		pipe.ZAdd(ctx, a.expiryKey(), redis.Z{
			Score:  float64(rec.ExpirationDate.UnixMilli()),
			Member: jti,
		})
		return nil
	})
	if err != nil {
		return nil, authz.NewStorageError("save", a.name, err)
	}
	return rec, nil
}

// Delete removes the record, then its index entry. The record is already gone
// when the index update fails, so that failure is logged and the record is
// still returned; RemoveExpired skips index members without a record.
func (a *accessKeyspace) Delete(ctx context.Context, jti string) (*authz.AccessToken, error) {
	rec, err := a.keyspace.Delete(ctx, jti)
	if err != nil || rec == nil {
		return rec, err
	}
	if err := a.client.ZRem(ctx, a.expiryKey(), jti).Err(); err != nil {
		log.Warn().Err(err).Str("jti", jti).Msg("Failed to drop access token from expiry index")
	}
	return rec, nil
}

func (a *accessKeyspace) RemoveAll(ctx context.Context) (map[string]*authz.AccessToken, error) {
	removed, err := a.keyspace.RemoveAll(ctx)
	if err != nil || len(removed) == 0 {
		return removed, err
	}

	members := make([]any, 0, len(removed))
	for jti := range removed {
		members = append(members, jti)
	}
	if err := a.client.ZRem(ctx, a.expiryKey(), members...).Err(); err != nil {
		log.Warn().Err(err).Int("count", len(members)).Msg("Failed to drop access tokens from expiry index")
	}
	return removed, nil
}

// RemoveExpired removes records expiring strictly before now. The index is
// scored in milliseconds.
func (a *accessKeyspace) RemoveExpired(ctx context.Context, now time.Time) (map[string]*authz.AccessToken, error) {
	maxScore := strconv.FormatInt(now.UnixMilli()-1, 10)

	res, err := removeExpiredScript.Run(ctx, a.client, []string{a.expiryKey()}, maxScore, a.prefix).StringSlice()
	if err != nil {
		return nil, authz.NewStorageError("remove_expired", a.name, err)
	}

	removed := make(map[string]*authz.AccessToken, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		rec, err := a.unmarshal("remove_expired", res[i+1])
		if err != nil {
			return nil, err
		}
		removed[res[i]] = rec
	}
	return removed, nil
}
