package msgcache

import "github.com/stanley2058/lilac/pkg/errors"

// Error codes for cache operations.
const (
	CodeMissingRequestID = "MSGCACHE_MISSING_REQUEST_ID"
)

// ErrMissingRequestID creates an error for request publishes that arrive
// without a request_id header.
func ErrMissingRequestID(msgID string) *errors.AppError {
	return errors.New(CodeMissingRequestID, "request message without request_id header: "+msgID, nil)
}
