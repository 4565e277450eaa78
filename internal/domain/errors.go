package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AppError represents a domain-specific error with structured information and enhanced context
type AppError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	PackageID string    `json:"package_id,omitempty"`
	// Known marks anticipated failures whose short message is enough for the user.
	Known bool  `json:"-"`
	Cause error `json:"-"` // Original error, not serialized
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error wrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

type contextKey string

const requestIDKey contextKey = "request_id"

// ContextWithRequestID returns a copy of ctx carrying the request id
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFrom returns the request id carried by ctx, if any
func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok && id != ""
}

// WithContext records the operation and, when ctx carries one, the request id
func (e *AppError) WithContext(ctx context.Context, operation string) *AppError {
	if id, ok := RequestIDFrom(ctx); ok {
		e.RequestID = id
	}
	e.Operation = operation
	return e
}

// Error codes for different error categories
const (
	ErrInvalidInput   = "INVALID_INPUT"
	ErrInternal       = "INTERNAL_ERROR"
	ErrTimeout        = "TIMEOUT"
	ErrNotFound       = "NOT_FOUND"
	ErrSeriesNotFound = "SERIES_NOT_FOUND"
	ErrVersionMissing = "VERSION_NOT_FOUND"
	ErrNotInstalled   = "NOT_INSTALLED"
	ErrNoLatest       = "NO_LATEST_VERSION"
	ErrCorruptState   = "CORRUPT_STATE"
	ErrRateLimit      = "RATE_LIMIT_EXCEEDED"

	// Known failures, printed without detail unless verbose output is requested
	ErrUnknownPlugin      = "UNKNOWN_PLUGIN"
	ErrVerificationFailed = "VERIFICATION_FAILED"
)

// NewAppError creates a new AppError with the specified parameters
func NewAppError(code, message string, details any) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
	}
}

// NewAppErrorWithCause creates a new AppError with underlying cause
func NewAppErrorWithCause(code, message string, cause error, details any) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// NewKnownError creates an anticipated failure tied to a package
func NewKnownError(code, packageID, message string, cause error) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Details:   map[string]any{"package_id": packageID},
		Timestamp: time.Now(),
		PackageID: packageID,
		Known:     true,
		Cause:     cause,
	}
}

// NewSeriesNotFoundError reports an id absent from a catalog
func NewSeriesNotFoundError(id string) *AppError {
	err := NewAppError(ErrSeriesNotFound, "Package not found", map[string]any{"id": id})
	err.PackageID = id
	return err
}

// NewVersionNotFoundError reports a known id without the requested version
func NewVersionNotFoundError(id, version string) *AppError {
	err := NewAppError(ErrVersionMissing, "Package version not found", map[string]any{"id": id, "version": version})
	err.PackageID = id
	return err
}

// NewCorruptStateError reports persisted data that failed to decode or validate
func NewCorruptStateError(message string, cause error, details any) *AppError {
	return NewAppErrorWithCause(ErrCorruptState, message, cause, details)
}

func codeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsTimeout checks if the error is a timeout error
func IsTimeout(err error) bool {
	return codeOf(err) == ErrTimeout
}

// IsNotFound checks if the error is any of the not-found errors
func IsNotFound(err error) bool {
	switch codeOf(err) {
	case ErrNotFound, ErrSeriesNotFound, ErrVersionMissing, ErrNotInstalled:
		return true
	}
	return false
}

// IsSeriesNotFound checks if the requested package id is unknown
func IsSeriesNotFound(err error) bool {
	return codeOf(err) == ErrSeriesNotFound
}

// IsVersionNotFound checks if the id is known but the requested version is not
func IsVersionNotFound(err error) bool {
	return codeOf(err) == ErrVersionMissing
}

// IsNoLatest checks if no version passed the latest-version filter
func IsNoLatest(err error) bool {
	return codeOf(err) == ErrNoLatest
}

// IsCorrupt checks if the error reports corrupt persisted state
func IsCorrupt(err error) bool {
	return codeOf(err) == ErrCorruptState
}

// IsKnown checks if the error is an anticipated failure
func IsKnown(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Known
}

// Describe renders err for a front end. Known errors print their short message
// unless verbose is set; everything else always prints in full.
func Describe(err error, verbose bool) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if !verbose && errors.As(err, &appErr) && appErr.Known {
		if appErr.PackageID != "" {
			return fmt.Sprintf("%s: %s", appErr.PackageID, appErr.Message)
		}
		return appErr.Message
	}
	return err.Error()
}
