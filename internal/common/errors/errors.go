// Package errors provides the application error taxonomy for Cove.
//
// Orchestration errors (sandbox provisioning, loss, contention) are
// recoverable by retry or replacement. Invocation errors (timeout, interrupt,
// tool failure) are recoverable within the same session by issuing a new
// invocation. Protocol errors (busy session, subscriber overrun) are rejected
// immediately and never queued.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants.
const (
	// Generic codes.
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeValidationError = "VALIDATION_ERROR"

	// Orchestration/resource codes.
	ErrCodeSandboxProvisionFailed = "SANDBOX_PROVISION_FAILED"
	ErrCodeSandboxLost            = "SANDBOX_LOST"
	ErrCodeSandboxBusy            = "SANDBOX_BUSY"
	ErrCodeNoSandbox              = "NO_SANDBOX"

	// Invocation-scoped codes.
	ErrCodeToolTimeout     = "TOOL_TIMEOUT"
	ErrCodeToolInterrupted = "TOOL_INTERRUPTED"
	ErrCodeToolError       = "TOOL_ERROR"

	// Protocol-discipline codes.
	ErrCodeSessionBusy       = "SESSION_BUSY"
	ErrCodeSubscriberOverrun = "SUBSCRIBER_OVERRUN"
	ErrCodeRateLimited       = "RATE_LIMIT_EXCEEDED"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// SandboxProvisionFailed signals that a sandbox could not be brought to a
// healthy state within the bounded provisioning attempts.
func SandboxProvisionFailed(sessionID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSandboxProvisionFailed,
		Message:    fmt.Sprintf("failed to provision sandbox for session '%s'", sessionID),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// SandboxLost signals that a live sandbox stopped responding to health
// probes. In-flight work against it cannot be assumed safe to repeat.
func SandboxLost(sandboxID string) *AppError {
	return &AppError{
		Code:       ErrCodeSandboxLost,
		Message:    fmt.Sprintf("sandbox '%s' stopped responding", sandboxID),
		HTTPStatus: http.StatusBadGateway,
	}
}

// SandboxBusy signals that the sandbox already has an outstanding invocation.
func SandboxBusy(sandboxID string) *AppError {
	return &AppError{
		Code:       ErrCodeSandboxBusy,
		Message:    fmt.Sprintf("sandbox '%s' has an invocation in flight", sandboxID),
		HTTPStatus: http.StatusConflict,
	}
}

// NoSandbox signals that the session owns no usable sandbox.
func NoSandbox(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeNoSandbox,
		Message:    fmt.Sprintf("session '%s' has no usable sandbox", sessionID),
		HTTPStatus: http.StatusConflict,
	}
}

// ToolTimeout signals that an invocation exceeded its deadline. The
// underlying operation may still be running inside the sandbox.
func ToolTimeout(invocationID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeToolTimeout,
		Message:    fmt.Sprintf("tool invocation '%s' timed out", invocationID),
		HTTPStatus: http.StatusGatewayTimeout,
		Err:        err,
	}
}

// ToolInterrupted signals that an invocation was cancelled by an explicit
// interrupt, distinct from a timeout so callers can react differently.
func ToolInterrupted(invocationID string) *AppError {
	return &AppError{
		Code:       ErrCodeToolInterrupted,
		Message:    fmt.Sprintf("tool invocation '%s' was interrupted", invocationID),
		HTTPStatus: http.StatusConflict,
	}
}

// ToolError signals that the sandbox executed the invocation and reported
// failure.
func ToolError(invocationID string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeToolError,
		Message:    fmt.Sprintf("tool invocation '%s' failed", invocationID),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// SessionBusy signals that the session already has a turn in flight.
func SessionBusy(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionBusy,
		Message:    fmt.Sprintf("session '%s' already has a turn in flight", sessionID),
		HTTPStatus: http.StatusConflict,
	}
}

// SubscriberOverrun signals that a subscriber's delivery buffer filled and it
// was disconnected rather than blocking the producer.
func SubscriberOverrun(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeSubscriberOverrun,
		Message:    fmt.Sprintf("subscriber on session '%s' fell too far behind and was disconnected", sessionID),
		HTTPStatus: http.StatusConflict,
	}
}

// RateLimited signals that the caller exceeded the request rate and should
// back off before retrying.
func RateLimited() *AppError {
	return &AppError{
		Code:       ErrCodeRateLimited,
		Message:    "too many requests, please try again later",
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status.
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code returns the application error code for an error, or
// ErrCodeInternalError when the error carries no code.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// Is reports whether the error carries the given application code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return Is(err, ErrCodeNotFound)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
