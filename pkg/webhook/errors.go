package webhook

import (
	"fmt"

	"github.com/stanley2058/lilac/pkg/errors"
)

// Error codes for ingress operations.
const (
	CodeMissingSecret    = "WEBHOOK_MISSING_SECRET"
	CodeInvalidSessionID = "WEBHOOK_INVALID_SESSION_ID"
	CodeAPIFailed        = "WEBHOOK_API_FAILED"
)

// ErrMissingSecret creates an error for a missing shared secret; callers
// skip server startup on it.
func ErrMissingSecret() *errors.AppError {
	return errors.New(CodeMissingSecret, "webhook secret is not configured", nil)
}

// ErrInvalidSessionID creates an error for malformed session ids.
func ErrInvalidSessionID(s string) *errors.AppError {
	return errors.New(CodeInvalidSessionID, "invalid session id: "+s, nil)
}

// ErrAPIFailed creates an error for non-2xx source-control API responses.
func ErrAPIFailed(method, path string, status int) *errors.AppError {
	return errors.New(CodeAPIFailed, fmt.Sprintf("%s %s returned %d", method, path, status), nil)
}
