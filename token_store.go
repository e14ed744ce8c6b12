package authz

import (
	"context"
	"io"
	"time"
)

// Keyspace names, used in errors, metrics and backend key layouts.
const (
	KeyspaceAuthorizationCodes = "authorization_codes"
	KeyspaceAccessTokens       = "access_tokens"
	KeyspaceRefreshTokens      = "refresh_tokens"
)

// Keyspace is one record kind of the token store, keyed by credential jti.
//
// A missing record is reported as a nil record and a nil error. Backend failures
// are returned as *StorageError.
type Keyspace[R any] interface {
	// Find returns the record stored under jti.
	Find(ctx context.Context, jti string) (*R, error)

	// Save stores rec under jti, replacing any previous record.
	Save(ctx context.Context, jti string, rec *R) (*R, error)

	// Delete removes the record under jti and returns it. Concurrent callers for
	// the same jti observe at most one non-nil result.
	Delete(ctx context.Context, jti string) (*R, error)

	// RemoveAll empties the keyspace and returns what it held.
	RemoveAll(ctx context.Context) (map[string]*R, error)
}

// AuthorizationCodeStore holds authorization code records.
type AuthorizationCodeStore interface {
	Keyspace[AuthorizationCode]
}

// AccessTokenStore holds access token records.
type AccessTokenStore interface {
	Keyspace[AccessToken]

	// RemoveExpired removes and returns every record whose expiration date is
	// before now.
	RemoveExpired(ctx context.Context, now time.Time) (map[string]*AccessToken, error)
}

// RefreshTokenStore holds refresh token records.
type RefreshTokenStore interface {
	Keyspace[RefreshToken]
}

// TokenStore groups the three independent keyspaces.
type TokenStore interface {
	io.Closer

	AuthorizationCodes() AuthorizationCodeStore
	AccessTokens() AccessTokenStore
	RefreshTokens() RefreshTokenStore
}

// PrincipalDirectory is the read-only lookup of clients and users. Lookups that
// find nothing return a nil value and a nil error.
type PrincipalDirectory interface {
	FindClientByID(ctx context.Context, id string) (*Client, error)
	FindClientByClientID(ctx context.Context, clientID string) (*Client, error)
	FindUserByID(ctx context.Context, id string) (*User, error)
	FindUserByUsername(ctx context.Context, username string) (*User, error)
}
