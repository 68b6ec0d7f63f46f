package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Standard error codes shared across packages. Packages that own a failure
// domain define their own codes alongside these.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeAlreadyExists   = "ALREADY_EXISTS"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeInvalidConfig   = "INVALID_CONFIG"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInternal        = "INTERNAL"
)

// AppError is the standard structured error type.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches two AppErrors by code so errors.Is works on sentinel-style
// comparisons.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if stderrors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates an AppError with the given code, message and underlying error.
func New(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Wrap wraps err as an internal error with additional context.
// Returns nil if err is nil. If err is already an AppError its code is kept.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if stderrors.As(err, &ae) {
		return &AppError{Code: ae.Code, Message: message, Err: err}
	}
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// Code extracts the error code, or CodeInternal for non-AppErrors.
func Code(err error) string {
	var ae *AppError
	if stderrors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to an HTTP status code.
func HTTPStatus(err error) int {
	switch Code(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeInvalidArgument, CodeInvalidConfig:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Is and As are re-exported so callers don't need both this package
// and the stdlib errors package.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
