package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.pilab.hu/authz"
	"go.pilab.hu/authz/directory"
	serrors "go.pilab.hu/authz/errors"
	"go.pilab.hu/authz/internal/session"
	"go.pilab.hu/authz/services"
)

type MockClientAuthenticator struct {
	mock.Mock
}

func (m *MockClientAuthenticator) AuthenticateClient(ctx context.Context, clientID, secret string) (*authz.Client, error) {
	args := m.Called(ctx, clientID, secret)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*authz.Client), args.Error(1)
}

type MockBearerResolver struct {
	mock.Mock
}

func (m *MockBearerResolver) ResolveBearer(ctx context.Context, token string) (*services.BearerIdentity, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.BearerIdentity), args.Error(1)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func clientEcho(auth ClientAuthenticator) *echo.Echo {
	e := echo.New()
	e.POST("/token", func(c echo.Context) error {
		client, ok := ClientFromContext(c)
		if !ok {
			return c.NoContent(http.StatusTeapot)
		}
		return c.String(http.StatusOK, client.ClientID)
	}, ClientAuth(auth, nil))
	return e
}

func formRequest(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	return req
}

func TestClientAuth(t *testing.T) {
	abc := &authz.Client{ID: "1", ClientID: "abc123"}

	t.Run("basic", func(t *testing.T) {
		auth := new(MockClientAuthenticator)
		auth.On("AuthenticateClient", mock.Anything, "abc123", "ssh-secret").Return(abc, nil)

		req := formRequest("/token", url.Values{"grant_type": {"client_credentials"}})
		req.SetBasicAuth("abc123", "ssh-secret")
		rec := serve(clientEcho(auth), req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "abc123", rec.Body.String())
		auth.AssertExpectations(t)
	})

	t.Run("percent encoded basic credentials are decoded", func(t *testing.T) {
		auth := new(MockClientAuthenticator)
		auth.On("AuthenticateClient", mock.Anything, "my client", "s&cret").Return(abc, nil)

		req := formRequest("/token", url.Values{})
		req.SetBasicAuth("my%20client", url.QueryEscape("s&cret"))
		rec := serve(clientEcho(auth), req)

		assert.Equal(t, http.StatusOK, rec.Code)
		auth.AssertExpectations(t)
	})

	t.Run("raw plus in basic secret is kept", func(t *testing.T) {
		auth := new(MockClientAuthenticator)
		auth.On("AuthenticateClient", mock.Anything, "abc123", "a+b").Return(abc, nil)

		req := formRequest("/token", url.Values{})
		req.SetBasicAuth("abc123", "a+b")
		rec := serve(clientEcho(auth), req)

		assert.Equal(t, http.StatusOK, rec.Code)
		auth.AssertExpectations(t)
	})

	t.Run("body", func(t *testing.T) {
		auth := new(MockClientAuthenticator)
		auth.On("AuthenticateClient", mock.Anything, "abc123", "ssh-secret").Return(abc, nil)

		rec := serve(clientEcho(auth), formRequest("/token", url.Values{
			"client_id": {"abc123"}, "client_secret": {"ssh-secret"},
		}))

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing credentials", func(t *testing.T) {
		auth := new(MockClientAuthenticator)
		rec := serve(clientEcho(auth), formRequest("/token", url.Values{"client_id": {"abc123"}}))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, serrors.InvalidRequest, decodeError(t, rec)["error"])
		auth.AssertNotCalled(t, "AuthenticateClient", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("bad credentials", func(t *testing.T) {
		auth := new(MockClientAuthenticator)
		auth.On("AuthenticateClient", mock.Anything, "abc123", "nope").Return(nil, authz.ErrUnauthorized)

		req := formRequest("/token", url.Values{})
		req.SetBasicAuth("abc123", "nope")
		rec := serve(clientEcho(auth), req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get(echo.HeaderWWWAuthenticate), "Basic")
		assert.Equal(t, serrors.InvalidClient, decodeError(t, rec)["error"])
	})

	t.Run("directory failure", func(t *testing.T) {
		auth := new(MockClientAuthenticator)
		auth.On("AuthenticateClient", mock.Anything, "abc123", "x").
			Return(nil, authz.NewStorageError("find", "clients", errors.New("down")))

		req := formRequest("/token", url.Values{})
		req.SetBasicAuth("abc123", "x")
		rec := serve(clientEcho(auth), req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decodeError(t, rec)
		assert.Equal(t, serrors.ServerError, body["error"])
		assert.NotContains(t, body["error_description"], "down")
	})
}

func TestLocalAuth(t *testing.T) {
	validator := services.NewValidator(directory.Seed(), plainSecrets{})
	e := echo.New()
	e.POST("/login", func(c echo.Context) error {
		user, _ := UserFromContext(c)
		return c.String(http.StatusOK, user.Name)
	}, LocalAuth(validator, nil))

	rec := serve(e, formRequest("/login", url.Values{"username": {"bob"}, "password": {"secret"}}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bob Smith", rec.Body.String())

	rec = serve(e, formRequest("/login", url.Values{"username": {"bob"}, "password": {"wrong"}}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(e, formRequest("/login", url.Values{"username": {"bob"}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type plainSecrets struct{}

func (plainSecrets) Verify(stored, supplied string) error {
	if stored != supplied {
		return errors.New("mismatch")
	}
	return nil
}

func TestBearerAuth(t *testing.T) {
	bob := &authz.User{ID: "1", Name: "Bob Smith"}
	resolver := new(MockBearerResolver)
	resolver.On("ResolveBearer", mock.Anything, "good").Return(&services.BearerIdentity{User: bob, Scope: "*"}, nil)
	resolver.On("ResolveBearer", mock.Anything, "bad").Return(nil, serrors.NewInvalidToken())

	e := echo.New()
	e.GET("/api/userinfo", func(c echo.Context) error {
		id, ok := BearerFromContext(c)
		require.True(t, ok)
		return c.String(http.StatusOK, id.User.Name)
	}, BearerAuth(resolver, nil))

	t.Run("header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/userinfo", nil)
		req.Header.Set(echo.HeaderAuthorization, "bearer good")
		rec := serve(e, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Bob Smith", rec.Body.String())
	})

	t.Run("query", func(t *testing.T) {
		rec := serve(e, httptest.NewRequest(http.MethodGet, "/api/userinfo?access_token=good", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("invalid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/userinfo", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer bad")
		rec := serve(e, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get(echo.HeaderWWWAuthenticate), `error="invalid_token"`)
		assert.Equal(t, serrors.InvalidToken, decodeError(t, rec)["error"])
	})

	t.Run("missing", func(t *testing.T) {
		rec := serve(e, httptest.NewRequest(http.MethodGet, "/api/userinfo", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestSessionAuth(t *testing.T) {
	sessions := session.NewStore(time.Minute)
	t.Cleanup(sessions.Close)

	e := echo.New()
	e.POST("/login", func(c echo.Context) error {
		StartSession(c, sessions, &authz.User{ID: "1"})
		return c.NoContent(http.StatusNoContent)
	})
	e.GET("/logout", func(c echo.Context) error {
		EndSession(c, sessions)
		return c.NoContent(http.StatusNoContent)
	})
	e.GET("/dialog/authorize", func(c echo.Context) error {
		user, _ := UserFromContext(c)
		return c.String(http.StatusOK, user.Username)
	}, SessionAuth(sessions, directory.Seed(), nil))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/dialog/authorize?client_id=abc123", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login?return_to=%2Fdialog%2Fauthorize%3Fclient_id%3Dabc123", rec.Header().Get(echo.HeaderLocation))

	rec = serve(e, httptest.NewRequest(http.MethodPost, "/login", nil))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/dialog/authorize", nil)
	req.AddCookie(cookies[0])
	rec = serve(e, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/logout", nil)
	req.AddCookie(cookies[0])
	serve(e, req)
	assert.Zero(t, sessions.Len())

	req = httptest.NewRequest(http.MethodGet, "/dialog/authorize", nil)
	req.AddCookie(cookies[0])
	rec = serve(e, req)
	assert.Equal(t, http.StatusFound, rec.Code)
}
