package errors

import (
	"fmt"
	"net/http"
)

// OAuth2Error is the error body returned to OAuth2 clients. Status is the HTTP
// status it is served with and never leaves the server.
type OAuth2Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

func (e *OAuth2Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// HTTPStatus returns the status the error is served with, defaulting to 400.
func (e *OAuth2Error) HTTPStatus() int {
	if e.Status == 0 {
		return http.StatusBadRequest
	}
	return e.Status
}

// Standard OAuth2 error codes
const (
	InvalidRequest          = "invalid_request"
	UnauthorizedClient      = "unauthorized_client"
	AccessDenied            = "access_denied"
	UnsupportedResponseType = "unsupported_response_type"
	UnsupportedGrantType    = "unsupported_grant_type"
	InvalidClient           = "invalid_client"
	InvalidGrant            = "invalid_grant"
	InvalidToken            = "invalid_token"
	ServerError             = "server_error"
	TemporarilyUnavailable  = "temporarily_unavailable"
)

func NewInvalidRequest(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        InvalidRequest,
		Description: description,
		Status:      http.StatusBadRequest,
	}
}

// NewMissingParameter reports a required request parameter that was not sent.
func NewMissingParameter(name string) *OAuth2Error {
	return NewInvalidRequest("Missing required parameter: " + name)
}

func NewUnauthorizedClient(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        UnauthorizedClient,
		Description: description,
		Status:      http.StatusForbidden,
	}
}

func NewAccessDenied(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        AccessDenied,
		Description: description,
		Status:      http.StatusForbidden,
	}
}

// NewUnsupportedResponseType is served as 501: the server does not implement
// the requested response type.
func NewUnsupportedResponseType(responseType string) *OAuth2Error {
	return &OAuth2Error{
		Code:        UnsupportedResponseType,
		Description: fmt.Sprintf("Unsupported response type: %s", responseType),
		Status:      http.StatusNotImplemented,
	}
}

func NewUnsupportedGrantType(grantType string) *OAuth2Error {
	return &OAuth2Error{
		Code:        UnsupportedGrantType,
		Description: fmt.Sprintf("Unsupported grant type: %s", grantType),
		Status:      http.StatusNotImplemented,
	}
}

func NewInvalidClient(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        InvalidClient,
		Description: description,
		Status:      http.StatusUnauthorized,
	}
}

func NewInvalidGrant(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        InvalidGrant,
		Description: description,
		Status:      http.StatusForbidden,
	}
}

// NewInvalidToken carries no description so that callers cannot tell which
// check rejected the token.
func NewInvalidToken() *OAuth2Error {
	return &OAuth2Error{
		Code:   InvalidToken,
		Status: http.StatusBadRequest,
	}
}

func NewServerError(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        ServerError,
		Description: description,
		Status:      http.StatusInternalServerError,
	}
}

// NewTemporarilyUnavailable is served as 429 when a caller exceeds its rate limit.
func NewTemporarilyUnavailable(description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        TemporarilyUnavailable,
		Description: description,
		Status:      http.StatusTooManyRequests,
	}
}
