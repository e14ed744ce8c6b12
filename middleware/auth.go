package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"go.pilab.hu/authz"
	serrors "go.pilab.hu/authz/errors"
	applog "go.pilab.hu/authz/log"
)

// ClientAuthenticator checks client credentials.
type ClientAuthenticator interface {
	AuthenticateClient(ctx context.Context, clientID, secret string) (*authz.Client, error)
}

// ClientAuth authenticates the calling client with HTTP Basic credentials or,
// when no Authorization header is sent, client_id and client_secret in the body.
func ClientAuth(auth ClientAuthenticator, logger applog.Logger) echo.MiddlewareFunc {
	if logger == nil {
		logger = applog.Nop()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			clientID, secret, ok := basicCredentials(c.Request())
			if !ok {
				clientID = c.FormValue("client_id")
				secret = c.FormValue("client_secret")
			}
			if clientID == "" || secret == "" {
				return c.JSON(http.StatusBadRequest, serrors.NewInvalidRequest("Missing client credentials"))
			}

			client, err := auth.AuthenticateClient(c.Request().Context(), clientID, secret)
			switch {
			case errors.Is(err, authz.ErrNotFound), errors.Is(err, authz.ErrUnauthorized):
				logger.Debug(c.Request().Context(), "client authentication failed", applog.Fields{"client_id": clientID})
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Basic realm="Client Authentication"`)
				return c.JSON(http.StatusUnauthorized, serrors.NewInvalidClient("Client authentication failed"))
			case err != nil:
				return WriteError(c, logger, err)
			}

			c.Set(clientContextKey, client)
			return next(c)
		}
	}
}

// basicCredentials reads HTTP Basic credentials. A part containing a percent
// escape is form-decoded as RFC 6749 section 2.3.1 describes; anything else is
// used as sent, so a raw "+" in a secret stays a "+".
func basicCredentials(r *http.Request) (string, string, bool) {
	id, secret, ok := r.BasicAuth()
	if !ok {
		return "", "", false
	}
	return formDecode(id), formDecode(secret), true
}

func formDecode(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	if decoded, err := url.QueryUnescape(s); err == nil {
		return decoded
	}
	return s
}
