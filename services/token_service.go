package services

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.pilab.hu/authz"
	"go.pilab.hu/authz/internal/metrics"
	"go.pilab.hu/authz/tracing"
)

// Grant names, used for metrics and span attributes.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantImplicit          = "implicit"
	GrantPassword          = "password"
	GrantClientCredentials = "client_credentials"
	GrantRefreshToken      = "refresh_token"
)

// TokenTypeBearer is the only token type issued.
const TokenTypeBearer = "Bearer"

// Lifetimes holds the TTL of each credential kind.
type Lifetimes struct {
	AccessToken       time.Duration
	AuthorizationCode time.Duration
	RefreshToken      time.Duration
}

// DefaultLifetimes are one hour for access tokens, five minutes for codes and
// roughly a hundred years for refresh tokens.
func DefaultLifetimes() Lifetimes {
	return Lifetimes{
		AccessToken:       3600 * time.Second,
		AuthorizationCode: 300 * time.Second,
		RefreshToken:      52560000 * time.Second,
	}
}

// GrantContext describes who a token set is minted for.
type GrantContext struct {
	Grant    string
	UserID   *string // nil when the client acts for itself
	ClientID string  // internal client id
	Scope    string
}

// TokenResponse is the token endpoint's success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// TokenService mints credentials and persists their records.
type TokenService struct {
	codec     CredentialCodec
	store     authz.TokenStore
	lifetimes Lifetimes
	now       func() time.Time
}

// NewTokenService creates a TokenService. now may be nil for the wall clock.
func NewTokenService(codec CredentialCodec, store authz.TokenStore, lifetimes Lifetimes, now func() time.Time) *TokenService {
	if now == nil {
		now = time.Now
	}
	return &TokenService{
		codec:     codec,
		store:     store,
		lifetimes: lifetimes,
		now:       now,
	}
}

// AccessTokenTTL is the lifetime reported as expires_in.
func (s *TokenService) AccessTokenTTL() time.Duration { return s.lifetimes.AccessToken }

// IssueAuthorizationCode mints a short-lived code bound to rec.
func (s *TokenService) IssueAuthorizationCode(ctx context.Context, rec *authz.AuthorizationCode) (string, error) {
	code, err := s.codec.Issue(rec.UserID, s.lifetimes.AuthorizationCode)
	if err != nil {
		return "", err
	}
	if err := s.persist(ctx, code, func(jti string) error {
		_, err := s.store.AuthorizationCodes().Save(ctx, jti, rec)
		return err
	}); err != nil {
		return "", err
	}

	metrics.TokensIssuedTotal.WithLabelValues(GrantAuthorizationCode, "authorization_code").Inc()
	return code, nil
}

// IssueAccessToken mints an access token. Its subject is the user, or the
// client when there is no user.
func (s *TokenService) IssueAccessToken(ctx context.Context, gc GrantContext) (string, error) {
	subject := gc.ClientID
	if gc.UserID != nil {
		subject = *gc.UserID
	}

	token, err := s.codec.Issue(subject, s.lifetimes.AccessToken)
	if err != nil {
		return "", err
	}
	rec := &authz.AccessToken{
		UserID:         gc.UserID,
		ClientID:       gc.ClientID,
		ExpirationDate: s.now().Add(s.lifetimes.AccessToken),
		Scope:          gc.Scope,
	}
	if err := s.persist(ctx, token, func(jti string) error {
		_, err := s.store.AccessTokens().Save(ctx, jti, rec)
		return err
	}); err != nil {
		return "", err
	}

	metrics.TokensIssuedTotal.WithLabelValues(gc.Grant, "access_token").Inc()
	return token, nil
}

// IssueRefreshToken mints a refresh token. Refresh tokens always belong to a user.
func (s *TokenService) IssueRefreshToken(ctx context.Context, gc GrantContext) (string, error) {
	if gc.UserID == nil {
		return "", fmt.Errorf("refresh token for grant %s requires a user", gc.Grant)
	}

	token, err := s.codec.Issue(*gc.UserID, s.lifetimes.RefreshToken)
	if err != nil {
		return "", err
	}
	rec := &authz.RefreshToken{
		UserID:   *gc.UserID,
		ClientID: gc.ClientID,
		Scope:    gc.Scope,
	}
	if err := s.persist(ctx, token, func(jti string) error {
		_, err := s.store.RefreshTokens().Save(ctx, jti, rec)
		return err
	}); err != nil {
		return "", err
	}

	metrics.TokensIssuedTotal.WithLabelValues(gc.Grant, "refresh_token").Inc()
	return token, nil
}

// GenerateTokenPair mints an access token and, when the scope starts with
// offline_access and a user is present, a refresh token.
func (s *TokenService) GenerateTokenPair(ctx context.Context, gc GrantContext) (*TokenResponse, error) {
	ctx, span := tracing.Start(ctx, "TokenService.GenerateTokenPair",
		attribute.String("oauth.grant", gc.Grant),
		attribute.Bool("oauth.offline_access", authz.WantsOfflineAccess(gc.Scope)),
	)
	defer span.End()

	access, err := s.IssueAccessToken(ctx, gc)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}

	resp := s.response(access)
	if authz.WantsOfflineAccess(gc.Scope) && gc.UserID != nil {
		if resp.RefreshToken, err = s.IssueRefreshToken(ctx, gc); err != nil {
			return nil, tracing.Fail(span, err)
		}
	}
	return resp, nil
}

func (s *TokenService) response(accessToken string) *TokenResponse {
	return &TokenResponse{
		AccessToken: accessToken,
		ExpiresIn:   int64(s.lifetimes.AccessToken / time.Second),
		TokenType:   TokenTypeBearer,
	}
}

// persist stores the record of a freshly minted credential under its jti.
func (s *TokenService) persist(ctx context.Context, wire string, save func(jti string) error) error {
	jti, err := s.codec.DecodeIdentifier(wire)
	if err != nil {
		return err
	}
	return save(jti)
}
