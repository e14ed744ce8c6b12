package mongodb

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.pilab.hu/authz"
)

// Directory looks clients and users up in MongoDB. It never writes.
type Directory struct {
	clients *mongo.Collection
	users   *mongo.Collection
}

var _ authz.PrincipalDirectory = (*Directory)(nil)

// NewDirectory uses the client and user collections of db.
func NewDirectory(db *mongo.Database) *Directory {
	return &Directory{
		clients: db.Collection(ClientsCollection),
		users:   db.Collection(UsersCollection),
	}
}

func findOne[T any](ctx context.Context, coll *mongo.Collection, filter bson.M, op string) (*T, error) {
	var out T
	err := coll.FindOne(ctx, filter).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, authz.NewStorageError(op, coll.Name(), err)
	}
	return &out, nil
}

func (d *Directory) FindClientByID(ctx context.Context, id string) (*authz.Client, error) {
	return findOne[authz.Client](ctx, d.clients, bson.M{"_id": id}, "find_client")
}

func (d *Directory) FindClientByClientID(ctx context.Context, clientID string) (*authz.Client, error) {
	return findOne[authz.Client](ctx, d.clients, bson.M{"client_id": clientID}, "find_client")
}

func (d *Directory) FindUserByID(ctx context.Context, id string) (*authz.User, error) {
	return findOne[authz.User](ctx, d.users, bson.M{"_id": id}, "find_user")
}

func (d *Directory) FindUserByUsername(ctx context.Context, username string) (*authz.User, error) {
	return findOne[authz.User](ctx, d.users, bson.M{"username": username}, "find_user")
}
