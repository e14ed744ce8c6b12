package mongodb

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.pilab.hu/authz"
)

// document stores a record with its jti as the primary key.
type document[R any] struct {
	ID     string `bson:"_id"`
	Record R      `bson:",inline"`
}

type idDocument struct {
	ID string `bson:"_id"`
}

type keyspace[R any] struct {
	coll *mongo.Collection
	name string
}

func (k *keyspace[R]) Find(ctx context.Context, jti string) (*R, error) {
	var doc document[R]
	err := k.coll.FindOne(ctx, bson.M{"_id": jti}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, authz.NewStorageError("find", k.name, err)
	}
	return &doc.Record, nil
}

func (k *keyspace[R]) Save(ctx context.Context, jti string, rec *R) (*R, error) {
	doc := document[R]{ID: jti, Record: *rec}
	_, err := k.coll.ReplaceOne(ctx, bson.M{"_id": jti}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return nil, authz.NewStorageError("save", k.name, err)
	}
	return rec, nil
}

// Delete uses findAndModify, so concurrent callers get the document at most once.
func (k *keyspace[R]) Delete(ctx context.Context, jti string) (*R, error) {
	var doc document[R]
	err := k.coll.FindOneAndDelete(ctx, bson.M{"_id": jti}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, authz.NewStorageError("delete", k.name, err)
	}
	return &doc.Record, nil
}

func (k *keyspace[R]) RemoveAll(ctx context.Context) (map[string]*R, error) {
	removed, err := k.removeWhere(ctx, bson.M{})
	if err != nil {
		return nil, authz.NewStorageError("remove_all", k.name, err)
	}
	return removed, nil
}

// removeWhere deletes the documents matching filter one by one with
// FindOneAndDelete, keeping only those this call actually removed.
func (k *keyspace[R]) removeWhere(ctx context.Context, filter bson.M) (map[string]*R, error) {
	cursor, err := k.coll.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, err
	}
	var ids []idDocument
	if err := cursor.All(ctx, &ids); err != nil {
		return nil, err
	}

	removed := make(map[string]*R, len(ids))
	for _, id := range ids {
		rec, err := k.Delete(ctx, id.ID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			removed[id.ID] = rec
		}
	}
	return removed, nil
}

type accessKeyspace struct {
	*keyspace[authz.AccessToken]
}

func (a accessKeyspace) RemoveExpired(ctx context.Context, now time.Time) (map[string]*authz.AccessToken, error) {
	removed, err := a.removeWhere(ctx, bson.M{"expiration_date": bson.M{"$lt": now}})
	if err != nil {
		return nil, authz.NewStorageError("remove_expired", a.name, err)
	}
	return removed, nil
}

// TokenStore is an authz.TokenStore with one collection per record kind.
type TokenStore struct {
	db      *mongo.Database
	codes   *keyspace[authz.AuthorizationCode]
	access  accessKeyspace
	refresh *keyspace[authz.RefreshToken]
}

var _ authz.TokenStore = (*TokenStore)(nil)

// NewTokenStore uses the collections of db.
func NewTokenStore(db *mongo.Database) *TokenStore {
	return &TokenStore{
		db:      db,
		codes:   &keyspace[authz.AuthorizationCode]{coll: db.Collection(CodesCollection), name: authz.KeyspaceAuthorizationCodes},
		access:  accessKeyspace{&keyspace[authz.AccessToken]{coll: db.Collection(AccessTokensCollection), name: authz.KeyspaceAccessTokens}},
		refresh: &keyspace[authz.RefreshToken]{coll: db.Collection(RefreshTokensCollection), name: authz.KeyspaceRefreshTokens},
	}
}

func (s *TokenStore) AuthorizationCodes() authz.AuthorizationCodeStore { return s.codes }
func (s *TokenStore) AccessTokens() authz.AccessTokenStore             { return s.access }
func (s *TokenStore) RefreshTokens() authz.RefreshTokenStore           { return s.refresh }

// Close disconnects the client.
func (s *TokenStore) Close() error {
	return s.db.Client().Disconnect(context.Background())
}
