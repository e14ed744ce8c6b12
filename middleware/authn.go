package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.pilab.hu/authz"
	serrors "go.pilab.hu/authz/errors"
	applog "go.pilab.hu/authz/log"
	"go.pilab.hu/authz/services"
)

// UserAuthenticator checks resource owner credentials.
type UserAuthenticator interface {
	AuthenticateUser(ctx context.Context, username, password string) (*authz.User, error)
}

// BearerResolver maps an access token to its owner.
type BearerResolver interface {
	ResolveBearer(ctx context.Context, accessToken string) (*services.BearerIdentity, error)
}

// LocalAuth authenticates a user from the username and password form fields.
func LocalAuth(auth UserAuthenticator, logger applog.Logger) echo.MiddlewareFunc {
	if logger == nil {
		logger = applog.Nop()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			username := c.FormValue("username")
			password := c.FormValue("password")
			if username == "" || password == "" {
				return c.JSON(http.StatusBadRequest, serrors.NewInvalidRequest("Missing username or password"))
			}

			user, err := auth.AuthenticateUser(c.Request().Context(), username, password)
			switch {
			case errors.Is(err, authz.ErrNotFound), errors.Is(err, authz.ErrUnauthorized):
				logger.Info(c.Request().Context(), "login failed", applog.Fields{"username": username})
				return c.JSON(http.StatusUnauthorized, &serrors.OAuth2Error{
					Code:        serrors.AccessDenied,
					Description: "Invalid username or password",
					Status:      http.StatusUnauthorized,
				})
			case err != nil:
				return WriteError(c, logger, err)
			}

			c.Set(userContextKey, user)
			return next(c)
		}
	}
}

// BearerAuth resolves the access token from the Authorization header or the
// access_token query parameter.
func BearerAuth(resolver BearerResolver, logger applog.Logger) echo.MiddlewareFunc {
	if logger == nil {
		logger = applog.Nop()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := bearerToken(c)
			if token == "" {
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer realm="authz"`)
				return c.JSON(http.StatusUnauthorized, &serrors.OAuth2Error{
					Code:        serrors.InvalidRequest,
					Description: "Missing access token",
					Status:      http.StatusUnauthorized,
				})
			}

			id, err := resolver.ResolveBearer(c.Request().Context(), token)
			if err != nil {
				var oauthErr *serrors.OAuth2Error
				if errors.As(err, &oauthErr) && oauthErr.Code == serrors.InvalidToken {
					c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer realm="authz", error="invalid_token"`)
					return c.JSON(http.StatusUnauthorized, &serrors.OAuth2Error{
						Code:   serrors.InvalidToken,
						Status: http.StatusUnauthorized,
					})
				}
				return WriteError(c, logger, err)
			}

			c.Set(bearerContextKey, id)
			return next(c)
		}
	}
}

func bearerToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return c.QueryParam("access_token")
}
