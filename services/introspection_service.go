package services

import (
	"context"
	"time"

	"go.pilab.hu/authz"
	serrors "go.pilab.hu/authz/errors"
	"go.pilab.hu/authz/internal/metrics"
	applog "go.pilab.hu/authz/log"
	"go.pilab.hu/authz/tracing"
)

// TokenInfo is the body of GET /api/tokeninfo.
type TokenInfo struct {
	Audience  string `json:"audience"`
	ExpiresIn int64  `json:"expires_in"`
}

// BearerIdentity is the owner of a valid access token: a user, or the client
// itself for client_credentials tokens.
type BearerIdentity struct {
	User   *authz.User
	Client *authz.Client
	Scope  string
}

// IntrospectionService answers token info, revocation and bearer lookups.
// Every rejection is the same bare invalid_token error.
type IntrospectionService struct {
	codec     CredentialCodec
	store     authz.TokenStore
	directory authz.PrincipalDirectory
	now       func() time.Time
	logger    applog.Logger
}

func NewIntrospectionService(codec CredentialCodec, store authz.TokenStore, directory authz.PrincipalDirectory, now func() time.Time, logger applog.Logger) *IntrospectionService {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = applog.Nop()
	}
	return &IntrospectionService{
		codec:     codec,
		store:     store,
		directory: directory,
		now:       now,
		logger:    logger,
	}
}

// TokenInfo reports the audience and remaining lifetime of accessToken.
func (s *IntrospectionService) TokenInfo(ctx context.Context, accessToken string) (*TokenInfo, error) {
	ctx, span := tracing.Start(ctx, "IntrospectionService.TokenInfo")
	defer span.End()

	if accessToken == "" {
		return nil, tracing.Fail(span, serrors.NewInvalidToken())
	}
	env, err := s.codec.Verify(accessToken)
	if err != nil {
		return nil, tracing.Fail(span, serrors.NewInvalidToken())
	}

	rec, err := s.store.AccessTokens().Find(ctx, env.ID)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	if rec == nil {
		return nil, tracing.Fail(span, serrors.NewInvalidToken())
	}

	client, err := s.directory.FindClientByID(ctx, rec.ClientID)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	if client == nil {
		return nil, tracing.Fail(span, serrors.NewInvalidToken())
	}

	remaining := rec.ExpirationDate.Sub(s.now())
	if remaining < 0 {
		remaining = 0
	}
	return &TokenInfo{
		Audience:  client.ClientID,
		ExpiresIn: int64(remaining / time.Second),
	}, nil
}

// Revoke deletes token from the access token keyspace, or failing that from
// the refresh token keyspace.
func (s *IntrospectionService) Revoke(ctx context.Context, token string) error {
	ctx, span := tracing.Start(ctx, "IntrospectionService.Revoke")
	defer span.End()

	if token == "" {
		return tracing.Fail(span, serrors.NewInvalidToken())
	}
	env, err := s.codec.Verify(token)
	if err != nil {
		return tracing.Fail(span, serrors.NewInvalidToken())
	}

	access, err := s.store.AccessTokens().Delete(ctx, env.ID)
	if err != nil {
		return tracing.Fail(span, err)
	}
	if access != nil {
		metrics.TokensRevokedTotal.WithLabelValues("access_token").Inc()
		return nil
	}

	refresh, err := s.store.RefreshTokens().Delete(ctx, env.ID)
	if err != nil {
		return tracing.Fail(span, err)
	}
	if refresh != nil {
		metrics.TokensRevokedTotal.WithLabelValues("refresh_token").Inc()
		return nil
	}

	return tracing.Fail(span, serrors.NewInvalidToken())
}

// ResolveBearer returns the owner of accessToken. A record found past its
// expiration date is deleted and rejected.
func (s *IntrospectionService) ResolveBearer(ctx context.Context, accessToken string) (*BearerIdentity, error) {
	ctx, span := tracing.Start(ctx, "IntrospectionService.ResolveBearer")
	defer span.End()

	env, err := s.codec.Verify(accessToken)
	if err != nil {
		return nil, tracing.Fail(span, serrors.NewInvalidToken())
	}

	rec, err := s.store.AccessTokens().Find(ctx, env.ID)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	if rec == nil {
		return nil, tracing.Fail(span, serrors.NewInvalidToken())
	}
	if rec.Expired(s.now()) {
		if _, err := s.store.AccessTokens().Delete(ctx, env.ID); err != nil {
			s.logger.Warn(ctx, "failed to delete expired access token", applog.Fields{"error": err.Error()})
		}
		return nil, tracing.Fail(span, serrors.NewInvalidToken())
	}

	if rec.UserID != nil {
		user, err := s.directory.FindUserByID(ctx, *rec.UserID)
		if err != nil {
			return nil, tracing.Fail(span, err)
		}
		if user == nil {
			return nil, tracing.Fail(span, serrors.NewInvalidToken())
		}
		return &BearerIdentity{User: user, Scope: "*"}, nil
	}

	client, err := s.directory.FindClientByID(ctx, rec.ClientID)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	if client == nil {
		return nil, tracing.Fail(span, serrors.NewInvalidToken())
	}
	return &BearerIdentity{Client: client, Scope: "*"}, nil
}
