package services

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.pilab.hu/authz"
	"go.pilab.hu/authz/codec"
	serrors "go.pilab.hu/authz/errors"
	"go.pilab.hu/authz/internal/metrics"
	"go.pilab.hu/authz/internal/session"
	applog "go.pilab.hu/authz/log"
	"go.pilab.hu/authz/tracing"
)

// Response types accepted by the authorization endpoint.
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

const (
	msgInvalidCode        = "Invalid authorization code"
	msgInvalidRefresh     = "Invalid refresh token"
	msgInvalidCredentials = "Invalid resource owner credentials"
)

// AuthorizationRequest is the query of GET /dialog/authorize.
type AuthorizationRequest struct {
	ResponseType string
	ClientID     string
	RedirectURI  string
	Scope        string
	State        string
}

// AuthorizationResult is either an immediate redirect (trusted clients) or a
// transaction awaiting the user's decision.
type AuthorizationResult struct {
	Client      *authz.Client
	RedirectURL string
	Transaction *session.Transaction
}

// NeedsConsent reports whether the user must decide before a redirect.
func (r *AuthorizationResult) NeedsConsent() bool { return r.Transaction != nil }

// OAuthService runs the authorization and token exchange flows.
type OAuthService struct {
	codec        CredentialCodec
	store        authz.TokenStore
	directory    authz.PrincipalDirectory
	validator    *Validator
	tokens       *TokenService
	transactions *session.Transactions
	logger       applog.Logger
}

// NewOAuthService creates the grant engine.
func NewOAuthService(
	codec CredentialCodec,
	store authz.TokenStore,
	directory authz.PrincipalDirectory,
	validator *Validator,
	tokens *TokenService,
	transactions *session.Transactions,
	logger applog.Logger,
) *OAuthService {
	if logger == nil {
		logger = applog.Nop()
	}
	return &OAuthService{
		codec:        codec,
		store:        store,
		directory:    directory,
		validator:    validator,
		tokens:       tokens,
		transactions: transactions,
		logger:       logger,
	}
}

// Authorize validates an authorization request made by the logged-in user
// userID. Trusted clients are approved at once; for the others a transaction
// is opened for Decide.
func (s *OAuthService) Authorize(ctx context.Context, req AuthorizationRequest, userID string) (*AuthorizationResult, error) {
	ctx, span := tracing.Start(ctx, "OAuthService.Authorize",
		attribute.String("oauth.response_type", req.ResponseType),
		attribute.String("oauth.client_id", req.ClientID),
	)
	defer span.End()

	grant := grantForResponseType(req.ResponseType)

	switch req.ResponseType {
	case ResponseTypeCode, ResponseTypeToken:
	case "":
		return nil, s.fail(span, grant, serrors.NewMissingParameter("response_type"))
	default:
		return nil, s.fail(span, grant, serrors.NewUnsupportedResponseType(req.ResponseType))
	}

	if req.ClientID == "" {
		return nil, s.fail(span, grant, serrors.NewMissingParameter("client_id"))
	}

	client, err := s.directory.FindClientByClientID(ctx, req.ClientID)
	if err != nil {
		return nil, s.fail(span, grant, err)
	}
	if client == nil {
		return nil, s.fail(span, grant, serrors.NewUnauthorizedClient("Unknown client"))
	}

	redirectURI, err := resolveRedirectURI(client, req.RedirectURI)
	if err != nil {
		return nil, s.fail(span, grant, err)
	}

	txn := &session.Transaction{
		ClientID:             client.ID,
		RedirectURI:          redirectURI,
		RequestedRedirectURI: req.RedirectURI,
		ResponseType:         req.ResponseType,
		Scope:                req.Scope,
		State:                req.State,
		UserID:               userID,
	}

	if client.TrustedClient {
		location, err := s.approve(ctx, txn)
		if err != nil {
			return nil, s.fail(span, grant, err)
		}
		return &AuthorizationResult{Client: client, RedirectURL: location}, nil
	}

	s.transactions.Put(txn)
	return &AuthorizationResult{Client: client, Transaction: txn}, nil
}

// Decide completes the transaction with id on behalf of userID and returns the
// client redirect carrying the outcome.
func (s *OAuthService) Decide(ctx context.Context, transactionID, userID string, allow bool) (string, error) {
	ctx, span := tracing.Start(ctx, "OAuthService.Decide", attribute.Bool("oauth.allow", allow))
	defer span.End()

	if transactionID == "" {
		return "", s.fail(span, "", serrors.NewMissingParameter("transaction_id"))
	}

	txn, ok := s.transactions.Take(transactionID)
	if !ok || txn.UserID != userID {
		return "", s.fail(span, "", serrors.NewAccessDenied("Unknown authorization transaction"))
	}

	grant := grantForResponseType(txn.ResponseType)
	s.logger.Debug(ctx, "authorization transaction decided", applog.Fields{
		"transaction_id": txn.ID,
		"allow":          allow,
		"age_ms":         time.Since(txn.CreatedAt).Milliseconds(),
	})
	if !allow {
		metrics.GrantFailuresTotal.WithLabelValues(grant, serrors.AccessDenied).Inc()
		return denyRedirect(txn)
	}

	location, err := s.approve(ctx, txn)
	if err != nil {
		return "", s.fail(span, grant, err)
	}
	return location, nil
}

// approve mints the credential the transaction asked for and builds the redirect.
func (s *OAuthService) approve(ctx context.Context, txn *session.Transaction) (string, error) {
	u, err := url.Parse(txn.RedirectURI)
	if err != nil {
		return "", serrors.NewInvalidRequest("Invalid redirect_uri")
	}

	switch txn.ResponseType {
	case ResponseTypeCode:
		code, err := s.tokens.IssueAuthorizationCode(ctx, &authz.AuthorizationCode{
			ClientID:    txn.ClientID,
			RedirectURI: txn.RequestedRedirectURI,
			UserID:      txn.UserID,
			Scope:       txn.Scope,
		})
		if err != nil {
			return "", err
		}

		q := u.Query()
		q.Set("code", code)
		if txn.State != "" {
			q.Set("state", txn.State)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil

	case ResponseTypeToken:
		userID := txn.UserID
		token, err := s.tokens.IssueAccessToken(ctx, GrantContext{
			Grant:    GrantImplicit,
			UserID:   &userID,
			ClientID: txn.ClientID,
			Scope:    txn.Scope,
		})
		if err != nil {
			return "", err
		}

		resp := s.tokens.response(token)
		return withFragment(u, url.Values{
			"access_token": {resp.AccessToken},
			"expires_in":   {strconv.FormatInt(resp.ExpiresIn, 10)},
			"token_type":   {resp.TokenType},
		}, txn.State), nil

	default:
		return "", serrors.NewUnsupportedResponseType(txn.ResponseType)
	}
}

// ExchangeAuthorizationCode redeems code for client. A code is redeemable at
// most once: the store delete decides which of several concurrent callers wins.
func (s *OAuthService) ExchangeAuthorizationCode(ctx context.Context, client *authz.Client, code, redirectURI string) (*TokenResponse, error) {
	ctx, span := tracing.Start(ctx, "OAuthService.ExchangeAuthorizationCode", attribute.String("oauth.client_id", client.ClientID))
	defer span.End()

	if code == "" {
		return nil, s.fail(span, GrantAuthorizationCode, serrors.NewMissingParameter("code"))
	}

	env, err := s.codec.Verify(code)
	if err != nil {
		if errors.Is(err, codec.ErrExpired) {
			s.discardExpiredCode(ctx, code)
		}
		return nil, s.fail(span, GrantAuthorizationCode, serrors.NewInvalidGrant(msgInvalidCode))
	}

	rec, err := s.store.AuthorizationCodes().Delete(ctx, env.ID)
	if err != nil {
		return nil, s.fail(span, GrantAuthorizationCode, err)
	}
	if err := checkCode(rec, client, redirectURI); err != nil {
		s.logger.Debug(ctx, "authorization code rejected", applog.Fields{"reason": err.Error(), "client_id": client.ClientID})
		return nil, s.fail(span, GrantAuthorizationCode, serrors.NewInvalidGrant(msgInvalidCode))
	}

	resp, err := s.tokens.GenerateTokenPair(ctx, GrantContext{
		Grant:    GrantAuthorizationCode,
		UserID:   &rec.UserID,
		ClientID: client.ID,
		Scope:    rec.Scope,
	})
	if err != nil {
		return nil, s.fail(span, GrantAuthorizationCode, err)
	}
	return resp, nil
}

func checkCode(rec *authz.AuthorizationCode, client *authz.Client, redirectURI string) error {
	rec, err := RequireExists(rec)
	if err != nil {
		return err
	}
	if err := RequireClientBinding(rec, client); err != nil {
		return err
	}
	return RequireRedirectBinding(rec, redirectURI)
}

// discardExpiredCode drops the record of a code that outlived its TTL.
func (s *OAuthService) discardExpiredCode(ctx context.Context, code string) {
	jti, err := s.codec.DecodeIdentifier(code)
	if err != nil {
		return
	}
	if _, err := s.store.AuthorizationCodes().Delete(ctx, jti); err != nil {
		s.logger.Warn(ctx, "failed to discard expired authorization code", applog.Fields{"error": err.Error()})
	}
}

// PasswordGrant exchanges resource owner credentials for tokens.
func (s *OAuthService) PasswordGrant(ctx context.Context, client *authz.Client, username, password, scope string) (*TokenResponse, error) {
	ctx, span := tracing.Start(ctx, "OAuthService.PasswordGrant", attribute.String("oauth.client_id", client.ClientID))
	defer span.End()

	switch {
	case username == "":
		return nil, s.fail(span, GrantPassword, serrors.NewMissingParameter("username"))
	case password == "":
		return nil, s.fail(span, GrantPassword, serrors.NewMissingParameter("password"))
	}

	user, err := s.validator.AuthenticateUser(ctx, username, password)
	switch {
	case errors.Is(err, authz.ErrNotFound), errors.Is(err, authz.ErrUnauthorized):
		return nil, s.fail(span, GrantPassword, serrors.NewInvalidGrant(msgInvalidCredentials))
	case err != nil:
		return nil, s.fail(span, GrantPassword, err)
	}

	resp, err := s.tokens.GenerateTokenPair(ctx, GrantContext{
		Grant:    GrantPassword,
		UserID:   &user.ID,
		ClientID: client.ID,
		Scope:    scope,
	})
	if err != nil {
		return nil, s.fail(span, GrantPassword, err)
	}
	return resp, nil
}

// ClientCredentials issues a token to the client itself. No user is bound, so
// no refresh token is ever issued.
func (s *OAuthService) ClientCredentials(ctx context.Context, client *authz.Client, scope string) (*TokenResponse, error) {
	ctx, span := tracing.Start(ctx, "OAuthService.ClientCredentials", attribute.String("oauth.client_id", client.ClientID))
	defer span.End()

	resp, err := s.tokens.GenerateTokenPair(ctx, GrantContext{
		Grant:    GrantClientCredentials,
		ClientID: client.ID,
		Scope:    scope,
	})
	if err != nil {
		return nil, s.fail(span, GrantClientCredentials, err)
	}
	return resp, nil
}

// RefreshToken mints a new access token from refreshToken. The refresh token
// is not rotated and stays valid until revoked.
func (s *OAuthService) RefreshToken(ctx context.Context, client *authz.Client, refreshToken string) (*TokenResponse, error) {
	ctx, span := tracing.Start(ctx, "OAuthService.RefreshToken", attribute.String("oauth.client_id", client.ClientID))
	defer span.End()

	if refreshToken == "" {
		return nil, s.fail(span, GrantRefreshToken, serrors.NewMissingParameter("refresh_token"))
	}

	env, err := s.codec.Verify(refreshToken)
	if err != nil {
		return nil, s.fail(span, GrantRefreshToken, serrors.NewInvalidGrant(msgInvalidRefresh))
	}

	found, err := s.store.RefreshTokens().Find(ctx, env.ID)
	if err != nil {
		return nil, s.fail(span, GrantRefreshToken, err)
	}
	rec, err := RequireExists(found)
	if err == nil {
		err = RequireClientBinding(rec, client)
	}
	if err != nil {
		return nil, s.fail(span, GrantRefreshToken, serrors.NewInvalidGrant(msgInvalidRefresh))
	}

	token, err := s.tokens.IssueAccessToken(ctx, GrantContext{
		Grant:    GrantRefreshToken,
		UserID:   &rec.UserID,
		ClientID: rec.ClientID,
		Scope:    rec.Scope,
	})
	if err != nil {
		return nil, s.fail(span, GrantRefreshToken, err)
	}
	return s.tokens.response(token), nil
}

// fail counts a rejected request and marks the span failed.
func (s *OAuthService) fail(span trace.Span, grant string, err error) error {
	code := serrors.ServerError
	var oauthErr *serrors.OAuth2Error
	if errors.As(err, &oauthErr) {
		code = oauthErr.Code
	}
	metrics.GrantFailuresTotal.WithLabelValues(grant, code).Inc()
	return tracing.Fail(span, err)
}

func grantForResponseType(responseType string) string {
	if responseType == ResponseTypeToken {
		return GrantImplicit
	}
	return GrantAuthorizationCode
}

// resolveRedirectURI picks the redirect target for client. Without a supplied
// URI, a client with exactly one registered URI uses that one.
func resolveRedirectURI(client *authz.Client, supplied string) (string, error) {
	if supplied == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], nil
		}
		return "", serrors.NewMissingParameter("redirect_uri")
	}

	u, err := url.Parse(supplied)
	if err != nil || !u.IsAbs() {
		return "", serrors.NewInvalidRequest("Invalid redirect_uri")
	}
	if !client.AllowsRedirect(supplied) {
		return "", serrors.NewInvalidRequest("redirect_uri is not registered for this client")
	}
	return supplied, nil
}

// denyRedirect reports access_denied where the client expects its response:
// the query for codes, the fragment for implicit tokens.
func denyRedirect(txn *session.Transaction) (string, error) {
	u, err := url.Parse(txn.RedirectURI)
	if err != nil {
		return "", serrors.NewInvalidRequest("Invalid redirect_uri")
	}

	if txn.ResponseType == ResponseTypeToken {
		return withFragment(u, url.Values{"error": {serrors.AccessDenied}}, txn.State), nil
	}

	q := u.Query()
	q.Set("error", serrors.AccessDenied)
	if txn.State != "" {
		q.Set("state", txn.State)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func withFragment(u *url.URL, vals url.Values, state string) string {
	if state != "" {
		vals.Set("state", state)
	}
	u.Fragment = ""
	return u.String() + "#" + vals.Encode()
}
