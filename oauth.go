// Package authz is the core of an OAuth 2.0 authorization server: the records it
// persists, the storage and directory contracts it runs against, and the errors
// shared by every layer.
package authz

import (
	"slices"
	"strings"
	"time"
)

// OfflineAccessScope is the scope prefix that makes a grant carry a refresh token.
const OfflineAccessScope = "offline_access"

// Principal is something that authenticates with a secret.
type Principal interface {
	PrincipalID() string
	Secret() string
}

// Client is a registered OAuth2 client application.
type Client struct {
	ID            string   `json:"id" yaml:"id" bson:"_id"`
	Name          string   `json:"name" yaml:"name" bson:"name"`
	ClientID      string   `json:"client_id" yaml:"clientId" bson:"client_id"`
	ClientSecret  string   `json:"-" yaml:"clientSecret" bson:"client_secret"`
	TrustedClient bool     `json:"trusted_client" yaml:"trustedClient" bson:"trusted_client"`
	RedirectURIs  []string `json:"redirect_uris,omitempty" yaml:"redirectUris,omitempty" bson:"redirect_uris,omitempty"`
}

func (c *Client) PrincipalID() string { return c.ID }
func (c *Client) Secret() string      { return c.ClientSecret }

// AllowsRedirect reports whether uri may receive the authorization response.
// A client without registered redirect URIs accepts any URI.
func (c *Client) AllowsRedirect(uri string) bool {
	if len(c.RedirectURIs) == 0 {
		return true
	}
	return slices.Contains(c.RedirectURIs, uri)
}

// User is a resource owner.
type User struct {
	ID       string `json:"id" yaml:"id" bson:"_id"`
	Username string `json:"username" yaml:"username" bson:"username"`
	Password string `json:"-" yaml:"password" bson:"password"`
	Name     string `json:"name" yaml:"name" bson:"name"`
}

func (u *User) PrincipalID() string { return u.ID }
func (u *User) Secret() string      { return u.Password }

// AuthorizationCode is the stored half of an authorization code. The wire value
// is never persisted; the record is keyed by the code's jti.
type AuthorizationCode struct {
	ClientID    string `json:"client_id" bson:"client_id"`
	RedirectURI string `json:"redirect_uri" bson:"redirect_uri"`
	UserID      string `json:"user_id" bson:"user_id"`
	Scope       string `json:"scope" bson:"scope"`
}

func (c *AuthorizationCode) BoundClientID() string { return c.ClientID }

// AccessToken is the stored half of an access token. UserID is nil when the
// token was issued to the client itself.
type AccessToken struct {
	UserID         *string   `json:"user_id" bson:"user_id"`
	ClientID       string    `json:"client_id" bson:"client_id"`
	ExpirationDate time.Time `json:"expiration_date" bson:"expiration_date"`
	Scope          string    `json:"scope" bson:"scope"`
}

// Expired reports whether the token has expired at now.
func (t *AccessToken) Expired(now time.Time) bool {
	return now.After(t.ExpirationDate)
}

func (t *AccessToken) BoundClientID() string { return t.ClientID }

// RefreshToken is the stored half of a refresh token. It has no expiration of its own.
type RefreshToken struct {
	UserID   string `json:"user_id" bson:"user_id"`
	ClientID string `json:"client_id" bson:"client_id"`
	Scope    string `json:"scope" bson:"scope"`
}

func (t *RefreshToken) BoundClientID() string { return t.ClientID }

// WantsOfflineAccess reports whether scope asks for a refresh token.
func WantsOfflineAccess(scope string) bool {
	return strings.HasPrefix(scope, OfflineAccessScope)
}
