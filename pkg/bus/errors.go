package bus

import "github.com/stanley2058/lilac/pkg/errors"

// Error codes for bus operations.
const (
	CodePublishFailed       = "BUS_PUBLISH_FAILED"
	CodeFetchFailed         = "BUS_FETCH_FAILED"
	CodeSubscribeFailed     = "BUS_SUBSCRIBE_FAILED"
	CodeAckFailed           = "BUS_ACK_FAILED"
	CodeSerializationFailed = "BUS_SERIALIZATION_FAILED"
	CodeClosed              = "BUS_CLOSED"
	CodeInvalidSubscription = "BUS_INVALID_SUBSCRIPTION"
)

// ErrPublishFailed creates an error for publish failures.
func ErrPublishFailed(err error) *errors.AppError {
	return errors.New(CodePublishFailed, "failed to publish message", err)
}

// ErrFetchFailed creates an error for fetch failures.
func ErrFetchFailed(err error) *errors.AppError {
	return errors.New(CodeFetchFailed, "failed to fetch messages", err)
}

// ErrSubscribeFailed creates an error for subscription setup failures.
func ErrSubscribeFailed(err error) *errors.AppError {
	return errors.New(CodeSubscribeFailed, "failed to subscribe", err)
}

// ErrAckFailed creates an error for acknowledgment failures.
func ErrAckFailed(err error) *errors.AppError {
	return errors.New(CodeAckFailed, "failed to acknowledge message", err)
}

// ErrSerializationFailed creates an error for codec failures.
func ErrSerializationFailed(err error) *errors.AppError {
	return errors.New(CodeSerializationFailed, "failed to serialize/deserialize payload", err)
}

// ErrClosed creates an error for operations on a closed bus.
func ErrClosed(err error) *errors.AppError {
	return errors.New(CodeClosed, "bus is closed", err)
}

// ErrInvalidSubscription creates an error for misconfigured subscriptions.
func ErrInvalidSubscription(msg string) *errors.AppError {
	return errors.New(CodeInvalidSubscription, "invalid subscription: "+msg, nil)
}
