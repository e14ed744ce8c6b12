// Package authzecho exposes the authorization server over HTTP with echo.
package authzecho

import (
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.pilab.hu/authz"
	"go.pilab.hu/authz/codec"
	serrors "go.pilab.hu/authz/errors"
	"go.pilab.hu/authz/internal/audit"
	"go.pilab.hu/authz/internal/session"
	applog "go.pilab.hu/authz/log"
	"go.pilab.hu/authz/middleware"
	"go.pilab.hu/authz/services"
	"golang.org/x/time/rate"
)

// Dependencies are the collaborators of OAuth2API.
type Dependencies struct {
	OAuth         *services.OAuthService
	Introspection *services.IntrospectionService
	Validator     *services.Validator
	Directory     authz.PrincipalDirectory
	Sessions      *session.Store
	Codec         *codec.Codec
	Logger        applog.Logger

	// Audit receives grant, revocation and consent events. Nil discards them.
	Audit *audit.Logger

	// TokenRateLimit caps token endpoint requests per second per client IP.
	// Zero disables the limit.
	TokenRateLimit float64

	// Metrics is served at /metrics when set.
	Metrics http.Handler
}

// OAuth2API holds the HTTP handlers.
type OAuth2API struct {
	oauth          *services.OAuthService
	introspection  *services.IntrospectionService
	validator      *services.Validator
	directory      authz.PrincipalDirectory
	sessions       *session.Store
	codec          *codec.Codec
	logger         applog.Logger
	audit          *audit.Logger
	tokenRateLimit float64
	metrics        http.Handler
}

// NewOAuth2API initializes the OAuth2 API.
func NewOAuth2API(deps Dependencies) *OAuth2API {
	if deps.Logger == nil {
		deps.Logger = applog.Nop()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard()
	}
	return &OAuth2API{
		oauth:          deps.OAuth,
		introspection:  deps.Introspection,
		validator:      deps.Validator,
		directory:      deps.Directory,
		sessions:       deps.Sessions,
		codec:          deps.Codec,
		logger:         deps.Logger,
		audit:          deps.Audit,
		tokenRateLimit: deps.TokenRateLimit,
		metrics:        deps.Metrics,
	}
}

// RegisterRoutes registers every endpoint on e.
func (oa *OAuth2API) RegisterRoutes(e *echo.Echo) {
	sessionAuth := middleware.SessionAuth(oa.sessions, oa.directory, oa.logger)
	bearerAuth := middleware.BearerAuth(oa.introspection, oa.logger)

	e.POST("/login", oa.LoginHandler, middleware.LocalAuth(oa.validator, oa.logger))
	e.GET("/logout", oa.LogoutHandler)

	e.GET("/dialog/authorize", oa.AuthorizeHandler, sessionAuth)
	e.POST("/dialog/authorize/decision", oa.DecisionHandler, sessionAuth)

	tokenChain := []echo.MiddlewareFunc{}
	if oa.tokenRateLimit > 0 {
		tokenChain = append(tokenChain, oa.rateLimiter())
	}
	tokenChain = append(tokenChain, middleware.ClientAuth(oa.validator, oa.logger))
	e.POST("/oauth/token", oa.TokenHandler, tokenChain...)

	e.GET("/api/tokeninfo", oa.TokenInfoHandler)
	e.GET("/api/revoke", oa.RevokeHandler)
	e.GET("/api/userinfo", oa.UserInfoHandler, bearerAuth)
	e.GET("/api/clientinfo", oa.ClientInfoHandler, bearerAuth)

	e.GET("/.well-known/jwks.json", oa.JWKSHandler)
	e.GET("/healthz", oa.HealthHandler)
	if oa.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(oa.metrics))
	}
}

func (oa *OAuth2API) rateLimiter() echo.MiddlewareFunc {
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
			Rate:  rate.Limit(oa.tokenRateLimit),
			Burst: int(math.Max(1, math.Ceil(oa.tokenRateLimit))),
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, serrors.NewAccessDenied("Unable to identify caller"))
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			oa.logger.Warn(c.Request().Context(), "token endpoint rate limit exceeded", applog.Fields{"ip": identifier})
			return c.JSON(http.StatusTooManyRequests, serrors.NewTemporarilyUnavailable("Too many requests"))
		},
	})
}

// LoginHandler starts a session for the user LocalAuth authenticated. It
// redirects to return_to when that is a local path.
func (oa *OAuth2API) LoginHandler(c echo.Context) error {
	user, ok := middleware.UserFromContext(c)
	if !ok {
		return middleware.WriteError(c, oa.logger, serrors.NewAccessDenied("Not logged in"))
	}
	middleware.StartSession(c, oa.sessions, user)
	oa.record(c, audit.Event{Action: audit.ActionLogin, User: user.ID, Success: true})

	if target := c.FormValue("return_to"); isLocalPath(target) {
		return c.Redirect(http.StatusFound, target)
	}
	return c.JSON(http.StatusOK, echo.Map{"user_id": user.ID, "name": user.Name})
}

// isLocalPath rejects absolute and protocol-relative URLs so return_to cannot
// send the browser elsewhere.
func isLocalPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.HasPrefix(p, "/\\")
}

func (oa *OAuth2API) LogoutHandler(c echo.Context) error {
	middleware.EndSession(c, oa.sessions)
	return c.NoContent(http.StatusNoContent)
}

// consentResponse is what a browser needs to render the decision dialog.
type consentResponse struct {
	TransactionID string      `json:"transaction_id"`
	User          consentUser `json:"user"`
	Client        consentUser `json:"client"`
	Scope         string      `json:"scope"`
}

type consentUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AuthorizeHandler starts the authorization flow for the logged-in user.
// Trusted clients are redirected at once; others get the consent payload.
func (oa *OAuth2API) AuthorizeHandler(c echo.Context) error {
	user, _ := middleware.UserFromContext(c)

	res, err := oa.oauth.Authorize(c.Request().Context(), services.AuthorizationRequest{
		ResponseType: c.QueryParam("response_type"),
		ClientID:     c.QueryParam("client_id"),
		RedirectURI:  c.QueryParam("redirect_uri"),
		Scope:        c.QueryParam("scope"),
		State:        c.QueryParam("state"),
	}, user.ID)
	if err != nil {
		return middleware.WriteError(c, oa.logger, err)
	}

	if !res.NeedsConsent() {
		return c.Redirect(http.StatusFound, res.RedirectURL)
	}

	return c.JSON(http.StatusOK, consentResponse{
		TransactionID: res.Transaction.ID,
		User:          consentUser{ID: user.ID, Name: user.Name},
		Client:        consentUser{ID: res.Client.ClientID, Name: res.Client.Name},
		Scope:         res.Transaction.Scope,
	})
}

// DecisionHandler applies the user's decision. A cancel field denies.
func (oa *OAuth2API) DecisionHandler(c echo.Context) error {
	user, _ := middleware.UserFromContext(c)

	form, err := c.FormParams()
	if err != nil {
		return middleware.WriteError(c, oa.logger, serrors.NewInvalidRequest("Malformed form body"))
	}
	_, deny := form["cancel"]

	location, err := oa.oauth.Decide(c.Request().Context(), form.Get("transaction_id"), user.ID, !deny)
	decision := "allow"
	if deny {
		decision = "deny"
	}
	oa.record(c, audit.Event{
		Action:  audit.ActionConsent,
		User:    user.ID,
		Details: decision,
		Success: err == nil,
		Error:   errorCode(err),
	})
	if err != nil {
		return middleware.WriteError(c, oa.logger, err)
	}
	return c.Redirect(http.StatusFound, location)
}

// TokenHandler dispatches on grant_type for the client ClientAuth authenticated.
func (oa *OAuth2API) TokenHandler(c echo.Context) error {
	client, ok := middleware.ClientFromContext(c)
	if !ok {
		return middleware.WriteError(c, oa.logger, serrors.NewInvalidClient("Client authentication failed"))
	}

	ctx := c.Request().Context()
	grantType := c.FormValue("grant_type")

	var (
		resp *services.TokenResponse
		err  error
	)
	switch grantType {
	case "":
		err = serrors.NewMissingParameter("grant_type")
	case services.GrantAuthorizationCode:
		resp, err = oa.oauth.ExchangeAuthorizationCode(ctx, client, c.FormValue("code"), c.FormValue("redirect_uri"))
	case services.GrantPassword:
		resp, err = oa.oauth.PasswordGrant(ctx, client, c.FormValue("username"), c.FormValue("password"), c.FormValue("scope"))
	case services.GrantClientCredentials:
		resp, err = oa.oauth.ClientCredentials(ctx, client, c.FormValue("scope"))
	case services.GrantRefreshToken:
		resp, err = oa.oauth.RefreshToken(ctx, client, c.FormValue("refresh_token"))
	default:
		err = serrors.NewUnsupportedGrantType(grantType)
	}
	if err != nil {
		oa.record(c, audit.Event{
			Action: audit.ActionTokenRejected,
			Client: client.ClientID,
			Grant:  grantType,
			Error:  errorCode(err),
		})
		return middleware.WriteError(c, oa.logger, err)
	}
	oa.record(c, audit.Event{Action: audit.ActionTokenIssued, Client: client.ClientID, Grant: grantType, Success: true})

	oa.logger.Info(ctx, "token issued", applog.Fields{
		"client_id":     client.ClientID,
		"grant_type":    grantType,
		"refresh_token": resp.RefreshToken != "",
	})

	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	c.Response().Header().Set("Pragma", "no-cache")
	return c.JSON(http.StatusOK, resp)
}

func (oa *OAuth2API) TokenInfoHandler(c echo.Context) error {
	info, err := oa.introspection.TokenInfo(c.Request().Context(), c.QueryParam("access_token"))
	if err != nil {
		return middleware.WriteError(c, oa.logger, err)
	}
	return c.JSON(http.StatusOK, info)
}

// RevokeHandler answers {} whichever keyspace held the token.
func (oa *OAuth2API) RevokeHandler(c echo.Context) error {
	if err := oa.introspection.Revoke(c.Request().Context(), c.QueryParam("token")); err != nil {
		return middleware.WriteError(c, oa.logger, err)
	}
	oa.record(c, audit.Event{Action: audit.ActionTokenRevoked, Success: true})
	return c.JSON(http.StatusOK, echo.Map{})
}

func (oa *OAuth2API) UserInfoHandler(c echo.Context) error {
	id, _ := middleware.BearerFromContext(c)
	if id.User == nil {
		return middleware.WriteError(c, oa.logger, serrors.NewAccessDenied("Token was not issued to a user"))
	}
	return c.JSON(http.StatusOK, echo.Map{"user_id": id.User.ID, "name": id.User.Name, "scope": id.Scope})
}

func (oa *OAuth2API) ClientInfoHandler(c echo.Context) error {
	id, _ := middleware.BearerFromContext(c)
	if id.Client == nil {
		return middleware.WriteError(c, oa.logger, serrors.NewAccessDenied("Token was not issued to a client"))
	}
	return c.JSON(http.StatusOK, echo.Map{"client_id": id.Client.ID, "name": id.Client.Name, "scope": id.Scope})
}

func (oa *OAuth2API) record(c echo.Context, ev audit.Event) {
	ev.RequestID = c.Response().Header().Get(echo.HeaderXRequestID)
	oa.audit.Log(ev)
}

// errorCode is the OAuth2 error code of err, or server_error.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	var oe *serrors.OAuth2Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return serrors.ServerError
}

func (oa *OAuth2API) JWKSHandler(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=3600")
	return c.JSON(http.StatusOK, oa.codec.JWKS())
}

func (oa *OAuth2API) HealthHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

// RequestLogger logs one line per request through logger.
func RequestLogger(logger applog.Logger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:    true,
		LogURIPath:   true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			logger.Info(c.Request().Context(), "request", applog.Fields{
				"method":     v.Method,
				"path":       v.URIPath,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"remote_ip":  v.RemoteIP,
				"request_id": v.RequestID,
			})
			return nil
		},
	})
}
