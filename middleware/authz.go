package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.pilab.hu/authz"
	serrors "go.pilab.hu/authz/errors"
	applog "go.pilab.hu/authz/log"
	"go.pilab.hu/authz/services"
)

// Keys under which authenticated principals are stored on the echo context.
const (
	clientContextKey = "authz.client"
	userContextKey   = "authz.user"
	bearerContextKey = "authz.bearer"
)

// ClientFromContext returns the client authenticated by ClientAuth.
func ClientFromContext(c echo.Context) (*authz.Client, bool) {
	client, ok := c.Get(clientContextKey).(*authz.Client)
	return client, ok && client != nil
}

// UserFromContext returns the user authenticated by LocalAuth or SessionAuth.
func UserFromContext(c echo.Context) (*authz.User, bool) {
	user, ok := c.Get(userContextKey).(*authz.User)
	return user, ok && user != nil
}

// BearerFromContext returns the token owner resolved by BearerAuth.
func BearerFromContext(c echo.Context) (*services.BearerIdentity, bool) {
	id, ok := c.Get(bearerContextKey).(*services.BearerIdentity)
	return id, ok && id != nil
}

// WriteError renders err as an OAuth2 error body. Protocol errors keep their
// status; anything else is logged and served as a generic 500.
func WriteError(c echo.Context, logger applog.Logger, err error) error {
	var oauthErr *serrors.OAuth2Error
	if errors.As(err, &oauthErr) {
		return c.JSON(oauthErr.HTTPStatus(), oauthErr)
	}

	ctx := c.Request().Context()
	fields := applog.Fields{"path": c.Path(), "method": c.Request().Method}
	var storageErr *authz.StorageError
	if errors.As(err, &storageErr) {
		fields["op"] = storageErr.Op
		fields["keyspace"] = storageErr.Keyspace
	}
	logger.Error(ctx, "request failed", err, fields)

	return c.JSON(http.StatusInternalServerError, serrors.NewServerError("The server encountered an internal error"))
}
