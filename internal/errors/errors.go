package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Selection
	ErrCodeAllAccountsCoolingDown ErrorCode = "ALL_ACCOUNTS_COOLING_DOWN"
	ErrCodeUnknownIdentity        ErrorCode = "UNKNOWN_IDENTITY"
	ErrCodeUnknownDomain          ErrorCode = "UNKNOWN_DOMAIN"

	// Refresh
	ErrCodeRefreshFailed ErrorCode = "REFRESH_FAILED"

	// Request validation
	ErrCodeDisallowedOutboundRequest ErrorCode = "DISALLOWED_OUTBOUND_REQUEST"

	// Process-scoped
	ErrCodeLockUnavailable ErrorCode = "LOCK_UNAVAILABLE"
	ErrCodeStorageCorrupt  ErrorCode = "STORAGE_CORRUPT"

	// Upstream
	ErrCodeUpstream ErrorCode = "UPSTREAM_ERROR"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError is a structured error carried across component boundaries
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

// AllAccountsCoolingDown reports that no account in the domain is eligible.
// retryAtMs is the earliest upcoming cooldown or lease expiry in epoch
// milliseconds, 0 when unknown.
func AllAccountsCoolingDown(domainKey string, retryAtMs int64) *AppError {
	return New(ErrCodeAllAccountsCoolingDown,
		fmt.Sprintf("no eligible account in domain %s", domainKey)).
		WithDetails(map[string]any{"retryAtMs": retryAtMs})
}

func RefreshFailed(identityKey string, cause error) *AppError {
	return Wrap(ErrCodeRefreshFailed,
		fmt.Sprintf("token refresh failed for %s", identityKey), cause)
}

func DisallowedOutboundRequest(reason string) *AppError {
	return New(ErrCodeDisallowedOutboundRequest,
		fmt.Sprintf("outbound request rejected: %s", reason))
}

func UnknownIdentity(identityKey string) *AppError {
	return New(ErrCodeUnknownIdentity, fmt.Sprintf("identity %s not found", identityKey))
}

func UnknownDomain(domainKey string) *AppError {
	return New(ErrCodeUnknownDomain, fmt.Sprintf("domain %s not found", domainKey))
}

func LockUnavailable(cause error) *AppError {
	return Wrap(ErrCodeLockUnavailable, "storage lock unavailable", cause)
}

func StorageCorrupt(cause error) *AppError {
	return Wrap(ErrCodeStorageCorrupt, "stored domain document is corrupt", cause)
}

func Upstream(status int, cause error) *AppError {
	return Wrap(ErrCodeUpstream, fmt.Sprintf("upstream responded %d", status), cause)
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err is an AppError with the given code.
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

// RetryAtMs extracts the retry-after hint from an
// ALL_ACCOUNTS_COOLING_DOWN error, 0 when absent.
func RetryAtMs(err error) int64 {
	appErr, ok := AsAppError(err)
	if !ok {
		return 0
	}
	details, ok := appErr.Details.(map[string]any)
	if !ok {
		return 0
	}
	ms, _ := details["retryAtMs"].(int64)
	return ms
}
