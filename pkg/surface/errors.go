package surface

import "github.com/stanley2058/lilac/pkg/errors"

// Error codes for surface operations.
const (
	CodeMsgNotFound        = "SURFACE_MSG_NOT_FOUND"
	CodeUnsupported        = "SURFACE_UNSUPPORTED"
	CodeStreamFinalized    = "SURFACE_STREAM_FINALIZED"
	CodeInboundUnsupported = "SURFACE_INBOUND_UNSUPPORTED"
)

// ErrMsgNotFound creates an error for operations on missing messages.
func ErrMsgNotFound(ref MsgRef) *errors.AppError {
	return errors.New(CodeMsgNotFound, "message not found: "+string(ref), nil)
}

// ErrUnsupported creates an error for operations the platform lacks.
func ErrUnsupported(op string) *errors.AppError {
	return errors.New(CodeUnsupported, "operation not supported by this surface: "+op, nil)
}

// ErrStreamFinalized creates an error for writes after finalization.
func ErrStreamFinalized() *errors.AppError {
	return errors.New(CodeStreamFinalized, "output stream already finalized", nil)
}

// ErrInboundUnsupported creates an error for Subscribe on webhook-driven
// platforms.
func ErrInboundUnsupported() *errors.AppError {
	return errors.New(CodeInboundUnsupported, "surface does not push inbound events", nil)
}
