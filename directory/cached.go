package directory

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.pilab.hu/authz"
)

// Cached remembers successful lookups of another directory for a fixed TTL.
// Misses are not cached, so newly added principals show up at once.
type Cached struct {
	next    authz.PrincipalDirectory
	clients *ttlcache.Cache[string, *authz.Client]
	users   *ttlcache.Cache[string, *authz.User]
}

var _ authz.PrincipalDirectory = (*Cached)(nil)

// NewCached wraps next. Call Close to stop the expiry goroutines.
func NewCached(next authz.PrincipalDirectory, ttl time.Duration) *Cached {
	c := &Cached{
		next: next,
		clients: ttlcache.New(
			ttlcache.WithTTL[string, *authz.Client](ttl),
			ttlcache.WithDisableTouchOnHit[string, *authz.Client](),
		),
		users: ttlcache.New(
			ttlcache.WithTTL[string, *authz.User](ttl),
			ttlcache.WithDisableTouchOnHit[string, *authz.User](),
		),
	}
	go c.clients.Start()
	go c.users.Start()
	return c
}

// Close stops the cache janitors.
func (c *Cached) Close() {
	c.clients.Stop()
	c.users.Stop()
}

func cachedLookup[T any](
	ctx context.Context,
	cache *ttlcache.Cache[string, *T],
	key string,
	load func(context.Context) (*T, error),
) (*T, error) {
	if item := cache.Get(key); item != nil {
		return copyOf(item.Value()), nil
	}

	v, err := load(ctx)
	if err != nil || v == nil {
		return v, err
	}
	cache.Set(key, copyOf(v), ttlcache.DefaultTTL)
	return v, nil
}

func (c *Cached) FindClientByID(ctx context.Context, id string) (*authz.Client, error) {
	return cachedLookup(ctx, c.clients, "id:"+id, func(ctx context.Context) (*authz.Client, error) {
		return c.next.FindClientByID(ctx, id)
	})
}

func (c *Cached) FindClientByClientID(ctx context.Context, clientID string) (*authz.Client, error) {
	return cachedLookup(ctx, c.clients, "client_id:"+clientID, func(ctx context.Context) (*authz.Client, error) {
		return c.next.FindClientByClientID(ctx, clientID)
	})
}

func (c *Cached) FindUserByID(ctx context.Context, id string) (*authz.User, error) {
	return cachedLookup(ctx, c.users, "id:"+id, func(ctx context.Context) (*authz.User, error) {
		return c.next.FindUserByID(ctx, id)
	})
}

func (c *Cached) FindUserByUsername(ctx context.Context, username string) (*authz.User, error) {
	return cachedLookup(ctx, c.users, "username:"+username, func(ctx context.Context) (*authz.User, error) {
		return c.next.FindUserByUsername(ctx, username)
	})
}
