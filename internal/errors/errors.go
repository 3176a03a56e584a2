// Package errors provides the error codes shared by the offline cache, the
// mutation queue and the sync coordinator.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure independently of its message.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrPermission ErrorCode = "PERMISSION_DENIED"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Local storage errors
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrMigration          ErrorCode = "MIGRATION_FAILED"
	ErrUnknownCollection  ErrorCode = "UNKNOWN_COLLECTION"

	// Queue errors
	ErrQueueCorruption ErrorCode = "QUEUE_CORRUPTION"

	// Sync errors
	ErrSyncRetryable  ErrorCode = "RETRYABLE_SYNC_FAILURE"
	ErrSyncPermanent  ErrorCode = "PERMANENT_SYNC_FAILURE"
	ErrSyncConflict   ErrorCode = "SYNC_CONFLICT"
	ErrSyncAuthFailed ErrorCode = "SYNC_AUTH_FAILED"
	ErrSyncTimeout    ErrorCode = "SYNC_TIMEOUT"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *AppError carrying the same code, so that
// errors.Is(err, errors.New(code, "")) matches through any wrapping.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error, or any error it wraps, carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the outermost code attached to err, or ErrInternal when err
// carries none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsPermanent reports whether a sync failure is a definitive rejection of the
// mutation's content. Conflicts, permission and validation errors count.
func IsPermanent(err error) bool {
	return Is(err, ErrSyncPermanent) ||
		Is(err, ErrSyncConflict) ||
		Is(err, ErrPermission) ||
		Is(err, ErrValidation)
}

// IsRetryable reports whether a sync failure may succeed later. Anything not
// classified as permanent is retryable.
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}
