package connpool

import "github.com/stanley2058/lilac/pkg/errors"

// Error codes for pool operations.
const (
	CodePoolClosed = "POOL_CLOSED"
	CodeDialFailed = "POOL_DIAL_FAILED"
)

// ErrPoolClosed creates an error for acquires against a closed pool.
func ErrPoolClosed(err error) *errors.AppError {
	return errors.New(CodePoolClosed, "connection pool is closed", err)
}

// ErrDialFailed creates an error for dedicated-connection dial failures.
func ErrDialFailed(err error) *errors.AppError {
	return errors.New(CodeDialFailed, "failed to dial dedicated connection", err)
}
