// Package errors defines AppError, the error body returned by the bridge's
// HTTP API, and constructors for the codes the API uses.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Codes carried in AppError.Code.
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeAgentError         = "AGENT_ERROR"
)

// AppError is serialized as-is into error responses.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

func newError(code string, status int, err error, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), HTTPStatus: status, Err: err}
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Code + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *AppError) Unwrap() error { return e.Err }

// NotFound reports an unknown resource id.
func NotFound(resource, id string) *AppError {
	return newError(ErrCodeNotFound, http.StatusNotFound, nil, "%s with id '%s' not found", resource, id)
}

func BadRequest(message string) *AppError {
	return newError(ErrCodeBadRequest, http.StatusBadRequest, nil, "%s", message)
}

// ValidationError reports a rejected request field.
func ValidationError(field, message string) *AppError {
	return newError(ErrCodeValidationError, http.StatusBadRequest, nil, "validation failed for field '%s': %s", field, message)
}

func Conflict(message string) *AppError {
	return newError(ErrCodeConflict, http.StatusConflict, nil, "%s", message)
}

func InternalError(message string, err error) *AppError {
	return newError(ErrCodeInternalError, http.StatusInternalServerError, err, "%s", message)
}

// ServiceUnavailable reports a bridge component that is stopped or saturated.
func ServiceUnavailable(service string) *AppError {
	return newError(ErrCodeServiceUnavailable, http.StatusServiceUnavailable, nil, "service '%s' is currently unavailable", service)
}

// AgentFailure reports an agent that could not be reached or did not answer.
func AgentFailure(message string, err error) *AppError {
	return newError(ErrCodeAgentError, http.StatusBadGateway, err, "%s", message)
}

// Wrap prefixes message onto err. An AppError anywhere in err's chain keeps
// its code and status; anything else becomes an internal error.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return newError(appErr.Code, appErr.HTTPStatus, err, "%s: %s", message, appErr.Message)
	}
	return InternalError(message, err)
}

// IsNotFound reports whether err carries ErrCodeNotFound.
func IsNotFound(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == ErrCodeNotFound
}

// GetHTTPStatus returns the status for err, 500 unless it is an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
