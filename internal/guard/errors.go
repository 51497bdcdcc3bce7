// Package guard defines typed application errors.
package guard

import "errors"

// ErrorCode represents a typed error code.
type ErrorCode string

const (
	CodeInvalidRule      ErrorCode = "INVALID_RULE"
	CodeInvalidMessage   ErrorCode = "INVALID_MESSAGE"
	CodeNotAuthenticated ErrorCode = "NOT_AUTHENTICATED"
	CodeForbidden        ErrorCode = "FORBIDDEN"
	CodeQuotaExceeded    ErrorCode = "QUOTA_EXCEEDED"
	CodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeUnauthorized     ErrorCode = "UNAUTHORIZED"
)

// AppError is a typed application error.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error returns the error message.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Wrap creates a new AppError.
func Wrap(code ErrorCode, msg string, err error) error {
	return &AppError{Code: code, Message: msg, Err: err}
}

// CodeOf returns the ErrorCode for an error.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// ErrInvalidRule indicates a malformed rule definition.
var ErrInvalidRule = &AppError{Code: CodeInvalidRule, Message: "invalid rule"}

// ErrNotAuthenticated indicates a missing or malformed identity.
var ErrNotAuthenticated = &AppError{Code: CodeNotAuthenticated, Message: "not authenticated"}

// ErrSessionExpired indicates a presence record that no longer exists.
var ErrSessionExpired = &AppError{Code: CodeNotFound, Message: "session expired"}

// ErrStoreUnavailable indicates the shared counter store cannot be reached.
var ErrStoreUnavailable = &AppError{Code: CodeStoreUnavailable, Message: "counter store unavailable"}
