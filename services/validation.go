package services

import (
	"context"
	"fmt"

	"go.pilab.hu/authz"
)

// ClientBound is a record issued to one client.
type ClientBound interface {
	BoundClientID() string
}

// RequireExists fails with authz.ErrNotFound when rec is nil.
func RequireExists[R any](rec *R) (*R, error) {
	if rec == nil {
		return nil, authz.ErrNotFound
	}
	return rec, nil
}

// RequireClientBinding fails with authz.ErrInvalidGrant unless rec was issued
// to client.
func RequireClientBinding(rec ClientBound, client *authz.Client) error {
	if client == nil || rec.BoundClientID() != client.ID {
		return fmt.Errorf("%w: client mismatch", authz.ErrInvalidGrant)
	}
	return nil
}

// RequireRedirectBinding fails with authz.ErrInvalidGrant unless redirectURI is
// the one the code was issued for.
func RequireRedirectBinding(rec *authz.AuthorizationCode, redirectURI string) error {
	if rec.RedirectURI != redirectURI {
		return fmt.Errorf("%w: redirect_uri mismatch", authz.ErrInvalidGrant)
	}
	return nil
}

// Validator authenticates principals against the directory.
type Validator struct {
	directory authz.PrincipalDirectory
	secrets   SecretVerifier
}

func NewValidator(directory authz.PrincipalDirectory, secrets SecretVerifier) *Validator {
	return &Validator{directory: directory, secrets: secrets}
}

// RequireSecretMatch fails with authz.ErrUnauthorized when supplied does not
// match the principal's secret.
func (v *Validator) RequireSecretMatch(p authz.Principal, supplied string) error {
	if err := v.secrets.Verify(p.Secret(), supplied); err != nil {
		return fmt.Errorf("%w: %v", authz.ErrUnauthorized, err)
	}
	return nil
}

// AuthenticateClient resolves clientID and checks its secret. Unknown clients
// fail with authz.ErrNotFound, wrong secrets with authz.ErrUnauthorized, and
// directory failures are returned as they are.
func (v *Validator) AuthenticateClient(ctx context.Context, clientID, secret string) (*authz.Client, error) {
	found, err := v.directory.FindClientByClientID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	client, err := RequireExists(found)
	if err != nil {
		return nil, err
	}
	if err := v.RequireSecretMatch(client, secret); err != nil {
		return nil, err
	}
	return client, nil
}

// AuthenticateUser resolves username and checks the password, failing like
// AuthenticateClient.
func (v *Validator) AuthenticateUser(ctx context.Context, username, password string) (*authz.User, error) {
	found, err := v.directory.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	user, err := RequireExists(found)
	if err != nil {
		return nil, err
	}
	if err := v.RequireSecretMatch(user, password); err != nil {
		return nil, err
	}
	return user, nil
}
