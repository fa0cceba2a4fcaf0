package errors

import (
	"errors"
	"fmt"
)

// Domain errors - these represent distribution-layer rule violations
var (
	// Access control
	ErrAccessDenied         = errors.New("access to channel denied")
	ErrOrganizationRequired = errors.New("organization id is required")

	// Connection lifecycle
	ErrCapacityExceeded   = errors.New("organization connection quota exceeded")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionClosed   = errors.New("connection closed")

	// Authentication
	ErrAuthTimeout          = errors.New("authentication timed out")
	ErrAuthFailed           = errors.New("authentication failed")
	ErrNotAuthenticated     = errors.New("connection is not authenticated")
	ErrAlreadyAuthenticated = errors.New("connection is already authenticated")

	// Messaging
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrUnknownCommand     = errors.New("unknown command")

	// Backbone
	ErrBackboneUnavailable = errors.New("event backbone unavailable")

	// Channels
	ErrInvalidChannelName = errors.New("invalid channel name")
	ErrInvalidChannelType = errors.New("invalid channel type")
)

// Reason codes sent to clients when a connection is closed. Clients must
// reconnect after receiving one; there is no half-open state.
const (
	ReasonCapacityExceeded = "capacity_exceeded"
	ReasonAuthTimeout      = "auth_timeout"
	ReasonAuthFailed       = "auth_failed"
	ReasonServerShutdown   = "server_shutdown"
	ReasonTransportError   = "transport_error"
	ReasonLivenessTimeout  = "liveness_timeout"
	ReasonClientRequest    = "client_request"
)

// AppError wraps errors with additional context for HTTP responses
type AppError struct {
	Err        error  // The underlying error
	Message    string // User-friendly message
	Code       string // Machine-readable error code
	StatusCode int    // HTTP status code
	Details    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Error constructors for common cases
func NewBadRequestError(err error, message string) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "BAD_REQUEST",
		StatusCode: 400,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Err:        ErrAuthFailed,
		Message:    message,
		Code:       "UNAUTHORIZED",
		StatusCode: 401,
	}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{
		Err:        ErrAccessDenied,
		Message:    message,
		Code:       "FORBIDDEN",
		StatusCode: 403,
	}
}

func NewNotFoundError(err error, message string) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "NOT_FOUND",
		StatusCode: 404,
	}
}

func NewCapacityError(message string) *AppError {
	return &AppError{
		Err:        ErrCapacityExceeded,
		Message:    message,
		Code:       "CAPACITY_EXCEEDED",
		StatusCode: 429,
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "internal server error",
		Code:       "INTERNAL_ERROR",
		StatusCode: 500,
	}
}

// Wrap adds context to an error while preserving errors.Is/As chains.
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
