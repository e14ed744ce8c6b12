package cmd

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.pilab.hu/authz"
	"go.pilab.hu/authz/bolt"
	"go.pilab.hu/authz/codec"
	"go.pilab.hu/authz/config"
	"go.pilab.hu/authz/directory"
	applog "go.pilab.hu/authz/log"
	"go.pilab.hu/authz/memory"
	"go.pilab.hu/authz/mongodb"
	"go.pilab.hu/authz/redis"
)

// backends owns the connections opened for one process. A single MongoDB
// connection is shared when both the store and the directory live there.
type backends struct {
	cfg    *config.ServerConfig
	logger applog.Logger
	mongo  *mongo.Database
	close  []func()
}

func newBackends(cfg *config.ServerConfig, logger applog.Logger) *backends {
	return &backends{cfg: cfg, logger: logger}
}

// Close releases everything in reverse order of opening.
func (b *backends) Close() {
	for i := len(b.close) - 1; i >= 0; i-- {
		b.close[i]()
	}
}

func (b *backends) mongoDB(ctx context.Context) (*mongo.Database, error) {
	if b.mongo != nil {
		return b.mongo, nil
	}
	db, err := mongodb.Connect(ctx, b.cfg.MongoURI, b.cfg.MongoDBName)
	if err != nil {
		return nil, err
	}
	if err := mongodb.EnsureIndexes(ctx, db); err != nil {
		mongodb.Disconnect(context.Background(), db)
		return nil, err
	}
	b.mongo = db
	b.close = append(b.close, func() { mongodb.Disconnect(context.Background(), db) })
	return db, nil
}

// TokenStore opens the configured credential store.
func (b *backends) TokenStore(ctx context.Context) (authz.TokenStore, error) {
	fields := applog.Fields{"backend": b.cfg.StoreBackend}

	var store authz.TokenStore
	switch b.cfg.StoreBackend {
	case config.StoreMemory:
		store = memory.NewTokenStore()
	case config.StoreBolt:
		s, err := bolt.Open(b.cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		fields["path"] = b.cfg.BoltPath
		store = s
	case config.StoreRedis:
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    []string{b.cfg.RedisAddr},
			Password: b.cfg.RedisPassword,
			DB:       b.cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to ping redis at %s: %w", b.cfg.RedisAddr, err)
		}
		fields["addr"] = b.cfg.RedisAddr
		store = redis.NewTokenStore(client, b.cfg.RedisPrefix)
	case config.StoreMongo:
		db, err := b.mongoDB(ctx)
		if err != nil {
			return nil, err
		}
		// The shared connection is closed by mongoDB's own hook.
		b.logger.Info(ctx, "token store opened", fields)
		return mongodb.NewTokenStore(db), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", b.cfg.StoreBackend)
	}

	b.close = append(b.close, func() {
		if err := store.Close(); err != nil {
			b.logger.Error(context.Background(), "failed to close token store", err, fields)
		}
	})
	b.logger.Info(ctx, "token store opened", fields)
	return store, nil
}

// Directory opens the configured principal directory. watch is non-nil when
// the directory follows a file and should run for the life of the process.
func (b *backends) Directory(ctx context.Context) (dir authz.PrincipalDirectory, watch func(context.Context) error, err error) {
	switch b.cfg.DirectoryBackend {
	case config.DirectoryStatic:
		if b.cfg.DirectoryFile == "" {
			b.logger.Warn(ctx, "no DIRECTORY_FILE configured, using the built-in development principals")
			return directory.Seed(), nil, nil
		}
		static, err := directory.Load(b.cfg.DirectoryFile, b.logger)
		if err != nil {
			return nil, nil, err
		}
		b.logger.Info(ctx, "principal directory loaded", applog.Fields{"path": b.cfg.DirectoryFile})
		return static, static.Watch, nil
	case config.DirectoryMongo:
		db, err := b.mongoDB(ctx)
		if err != nil {
			return nil, nil, err
		}
		cached := directory.NewCached(mongodb.NewDirectory(db), b.cfg.DirectoryCacheLifetime())
		b.close = append(b.close, cached.Close)
		return cached, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown directory backend %q", b.cfg.DirectoryBackend)
	}
}

// Codec builds the credential codec. Without SIGNING_KEY_PATH an ephemeral
// key is generated and every credential dies with the process.
func (b *backends) Codec(ctx context.Context, now func() time.Time) (*codec.Codec, error) {
	opts := []codec.Option{codec.WithClock(now)}
	if b.cfg.SigningKeyID != "" {
		opts = append(opts, codec.WithKeyID(b.cfg.SigningKeyID))
	}

	if b.cfg.SigningKeyPath == "" {
		b.logger.Warn(ctx, "no SIGNING_KEY_PATH configured, generating an ephemeral signing key")
		key, err := codec.GenerateKey()
		if err != nil {
			return nil, err
		}
		return codec.New(key, opts...)
	}

	key, err := codec.LoadPrivateKey(b.cfg.SigningKeyPath)
	if err != nil {
		return nil, err
	}
	return codec.New(key, opts...)
}
