package server

import (
	"fmt"
	"net/http"
)

// Protocol error codes. Each code maps to exactly one HTTP status so clients
// can branch on the code without inspecting the status line.
const (
	// Request shape errors (400)
	CodeInvalidJSON      = "INVALID_JSON"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeMissingParameter = "MISSING_PARAMETER"

	// Client authentication errors (401)
	CodeInvalidClient = "INVALID_CLIENT"

	// Grant errors (400)
	CodeInvalidGrant         = "INVALID_GRANT"
	CodeUnsupportedGrantType = "UNSUPPORTED_GRANT_TYPE"

	// Bearer validation errors (401)
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeInactiveClient   = "INACTIVE_CLIENT"
	CodeTokenExpired     = "TOKEN_EXPIRED"
	CodeInvalidSignature = "INVALID_SIGNATURE"

	// Authorization errors (403)
	CodeInvalidScope = "INVALID_SCOPE"
	CodeAccessDenied = "ACCESS_DENIED"

	// Server errors (500)
	CodeTokenRotationFailed = "TOKEN_ROTATION_FAILED"
	CodeReadError           = "READ_ERROR"

	// Throttling (429)
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)

// Error is a protocol-level error carrying a stable machine-readable code and
// the HTTP status it should surface with.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails returns a copy of the error with extra detail fields attached
func (e *Error) WithDetails(details map[string]any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// ErrInvalidJSON reports an unparseable request body
func ErrInvalidJSON(msg string) *Error {
	return &Error{Code: CodeInvalidJSON, Message: msg, Status: http.StatusBadRequest}
}

// ErrInvalidRequest reports a malformed or unacceptable request
func ErrInvalidRequest(msg string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: msg, Status: http.StatusBadRequest}
}

// ErrMissingParameter reports an absent required parameter
func ErrMissingParameter(param string) *Error {
	return &Error{
		Code:    CodeMissingParameter,
		Message: fmt.Sprintf("missing required parameter: %s", param),
		Status:  http.StatusBadRequest,
	}
}

// ErrInvalidClient reports failed client authentication
func ErrInvalidClient(msg string) *Error {
	return &Error{Code: CodeInvalidClient, Message: msg, Status: http.StatusUnauthorized}
}

// ErrInvalidGrant reports an unusable authorization code or refresh token
func ErrInvalidGrant(msg string) *Error {
	return &Error{Code: CodeInvalidGrant, Message: msg, Status: http.StatusBadRequest}
}

// ErrUnsupportedGrantType reports a grant_type this server does not implement
func ErrUnsupportedGrantType(grantType string) *Error {
	return &Error{
		Code:    CodeUnsupportedGrantType,
		Message: fmt.Sprintf("unsupported grant type: %s", grantType),
		Status:  http.StatusBadRequest,
	}
}

// ErrUnauthorized reports a missing or malformed Authorization header
func ErrUnauthorized(msg string) *Error {
	return &Error{Code: CodeUnauthorized, Message: msg, Status: http.StatusUnauthorized}
}

// ErrInvalidToken reports a token that is undecodable or unknown to the server
func ErrInvalidToken(msg string) *Error {
	return &Error{Code: CodeInvalidToken, Message: msg, Status: http.StatusUnauthorized}
}

// ErrInactiveClient reports a token whose owning client was deactivated
func ErrInactiveClient(msg string) *Error {
	return &Error{Code: CodeInactiveClient, Message: msg, Status: http.StatusUnauthorized}
}

// ErrTokenExpired reports an expired access token
func ErrTokenExpired(msg string) *Error {
	return &Error{Code: CodeTokenExpired, Message: msg, Status: http.StatusUnauthorized}
}

// ErrInvalidSignature reports a token that fails signature verification
func ErrInvalidSignature(msg string) *Error {
	return &Error{Code: CodeInvalidSignature, Message: msg, Status: http.StatusUnauthorized}
}

// ErrInvalidScope reports a scope the client is not entitled to
func ErrInvalidScope(msg string) *Error {
	return &Error{Code: CodeInvalidScope, Message: msg, Status: http.StatusForbidden}
}

// ErrAccessDenied reports a resource the authenticated client may not touch
func ErrAccessDenied(msg string) *Error {
	return &Error{Code: CodeAccessDenied, Message: msg, Status: http.StatusForbidden}
}

// ErrTokenRotationFailed reports a persistence failure during refresh rotation
func ErrTokenRotationFailed(msg string) *Error {
	return &Error{Code: CodeTokenRotationFailed, Message: msg, Status: http.StatusInternalServerError}
}

// ErrReadError reports a backend failure while reading protected records
func ErrReadError(msg string) *Error {
	return &Error{Code: CodeReadError, Message: msg, Status: http.StatusInternalServerError}
}

// ErrRateLimitExceeded reports a throttled request
func ErrRateLimitExceeded() *Error {
	return &Error{
		Code:    CodeRateLimitExceeded,
		Message: "too many requests, please try again later",
		Status:  http.StatusTooManyRequests,
	}
}
