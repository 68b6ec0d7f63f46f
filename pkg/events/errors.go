package events

import "github.com/stanley2058/lilac/pkg/errors"

// Error codes for the typed event layer.
const (
	CodeUnknownType      = "EVENTS_UNKNOWN_TYPE"
	CodeMissingRequestID = "EVENTS_MISSING_REQUEST_ID"
	CodeTopicRequired    = "EVENTS_TOPIC_REQUIRED"
)

// ErrUnknownType creates an error for types absent from the registry.
func ErrUnknownType(t Type) *errors.AppError {
	return errors.New(CodeUnknownType, "unknown event type: "+string(t), nil)
}

// ErrMissingRequestID creates an error for output-stream publishes without
// a request_id header. This is a programmer error on the publisher's side.
func ErrMissingRequestID(t Type) *errors.AppError {
	return errors.New(CodeMissingRequestID, "output-stream publish requires request_id header: "+string(t), nil)
}

// ErrTopicRequired creates an error for output-stream subscriptions
// without an explicit topic.
func ErrTopicRequired(t Type) *errors.AppError {
	return errors.New(CodeTopicRequired, "output-stream subscription requires an explicit topic: "+string(t), nil)
}
