package middleware

import (
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"go.pilab.hu/authz"
	"go.pilab.hu/authz/internal/session"
	applog "go.pilab.hu/authz/log"
)

// SessionCookie names the login session cookie.
const SessionCookie = "authz.sid"

// LoginPath is where unauthenticated browsers are sent.
const LoginPath = "/login"

// SessionAuth loads the logged-in user from the session cookie. Requests
// without a live session are redirected to the login page with return_to set
// to the original request.
func SessionAuth(sessions *session.Store, directory authz.PrincipalDirectory, logger applog.Logger) echo.MiddlewareFunc {
	if logger == nil {
		logger = applog.Nop()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user, err := sessionUser(c, sessions, directory)
			if err != nil {
				return WriteError(c, logger, err)
			}
			if user == nil {
				target := LoginPath + "?" + url.Values{"return_to": {c.Request().URL.RequestURI()}}.Encode()
				return c.Redirect(http.StatusFound, target)
			}

			c.Set(userContextKey, user)
			return next(c)
		}
	}
}

func sessionUser(c echo.Context, sessions *session.Store, directory authz.PrincipalDirectory) (*authz.User, error) {
	cookie, err := c.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}
	userID, ok := sessions.UserID(cookie.Value)
	if !ok {
		return nil, nil
	}
	return directory.FindUserByID(c.Request().Context(), userID)
}

// StartSession opens a session for user and sets the cookie.
func StartSession(c echo.Context, sessions *session.Store, user *authz.User) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    sessions.Create(user.ID),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   c.IsTLS(),
	})
}

// EndSession drops the session behind the request's cookie, if any, and
// clears the cookie.
func EndSession(c echo.Context, sessions *session.Store) {
	if cookie, err := c.Cookie(SessionCookie); err == nil {
		sessions.Destroy(cookie.Value)
	}
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
	})
}
