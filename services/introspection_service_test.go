package services

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/authz"
	serrors "go.pilab.hu/authz/errors"
)

func TestTokenInfo(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.oauth.PasswordGrant(ctx, client(t, h, "trustedClient"), "bob", "secret", "*")
	require.NoError(t, err)

	info, err := h.introspect.TokenInfo(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "trustedClient", info.Audience)
	assert.EqualValues(t, 3600, info.ExpiresIn)

	h.clock.Advance(90*time.Second + 500*time.Millisecond)
	info, err = h.introspect.TokenInfo(ctx, resp.AccessToken)
	require.NoError(t, err)
	assert.EqualValues(t, 3509, info.ExpiresIn, "remaining seconds round down")
}

func TestTokenInfo_FailuresCollapseToInvalidToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	orphan, err := h.codec.Issue("1", time.Hour)
	require.NoError(t, err)

	unknownClient, err := h.tokens.IssueAccessToken(ctx, GrantContext{Grant: GrantClientCredentials, ClientID: "404"})
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":          "",
		"garbage":        "abc.def.ghi",
		"no record":      orphan,
		"unknown client": unknownClient,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.introspect.TokenInfo(ctx, token)
			oauthErr := requireOAuthError(t, err, serrors.InvalidToken, http.StatusBadRequest)
			assert.Empty(t, oauthErr.Description)
		})
	}
}

func TestRevoke(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.oauth.PasswordGrant(ctx, client(t, h, "trustedClient"), "bob", "secret", "offline_access")
	require.NoError(t, err)

	require.NoError(t, h.introspect.Revoke(ctx, resp.AccessToken))

	_, err = h.introspect.TokenInfo(ctx, resp.AccessToken)
	requireOAuthError(t, err, serrors.InvalidToken, http.StatusBadRequest)

	err = h.introspect.Revoke(ctx, resp.AccessToken)
	requireOAuthError(t, err, serrors.InvalidToken, http.StatusBadRequest)

	require.NoError(t, h.introspect.Revoke(ctx, resp.RefreshToken))
	err = h.introspect.Revoke(ctx, resp.RefreshToken)
	requireOAuthError(t, err, serrors.InvalidToken, http.StatusBadRequest)

	err = h.introspect.Revoke(ctx, "garbage")
	requireOAuthError(t, err, serrors.InvalidToken, http.StatusBadRequest)
}

func TestResolveBearer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	userToken, err := h.oauth.PasswordGrant(ctx, client(t, h, "trustedClient"), "bob", "secret", "*")
	require.NoError(t, err)
	clientToken, err := h.oauth.ClientCredentials(ctx, client(t, h, "abc123"), "*")
	require.NoError(t, err)

	id, err := h.introspect.ResolveBearer(ctx, userToken.AccessToken)
	require.NoError(t, err)
	require.NotNil(t, id.User)
	assert.Nil(t, id.Client)
	assert.Equal(t, "Bob Smith", id.User.Name)
	assert.Equal(t, "*", id.Scope)

	id, err = h.introspect.ResolveBearer(ctx, clientToken.AccessToken)
	require.NoError(t, err)
	require.NotNil(t, id.Client)
	assert.Nil(t, id.User)
	assert.Equal(t, "abc123", id.Client.ClientID)
}

func TestResolveBearer_ExpiredRecordIsDeleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The record expires before the credential does.
	token, err := h.codec.Issue("1", 2*time.Hour)
	require.NoError(t, err)
	jti, err := h.codec.DecodeIdentifier(token)
	require.NoError(t, err)
	_, err = h.store.AccessTokens().Save(ctx, jti, &authz.AccessToken{
		UserID:         ptr("1"),
		ClientID:       "3",
		ExpirationDate: h.clock.Now().Add(time.Minute),
		Scope:          "*",
	})
	require.NoError(t, err)

	h.clock.Advance(time.Minute + time.Second)

	_, err = h.introspect.ResolveBearer(ctx, token)
	requireOAuthError(t, err, serrors.InvalidToken, http.StatusBadRequest)

	rec, err := h.store.AccessTokens().Find(ctx, jti)
	require.NoError(t, err)
	assert.Nil(t, rec)
}
