// Package surface defines the contract per-platform adapters implement so
// the core can relay bus-mediated requests into surface actions.
//
// Adapters translate typed output fragments and message operations onto a
// chat platform. Operations are idempotent under retry where the
// underlying API is; non-idempotent ones (SendMsg) must be guarded by the
// caller.
package surface

import (
	"context"
	"time"
)

// SessionRef identifies a conversation on the platform.
type SessionRef string

// MsgRef identifies one message on the platform.
type MsgRef string

// Capabilities advertises optional operations.
type Capabilities struct {
	Reactions bool
	Edit      bool
	Delete    bool
	Inbound   bool
}

// Message is the platform-neutral view of one message.
type Message struct {
	Ref       MsgRef
	Session   SessionRef
	Author    string
	Content   string
	ReplyTo   MsgRef
	CreatedAt time.Time
}

// StartOutputOptions configure an output stream.
type StartOutputOptions struct {
	ReplyTo MsgRef
}

// SendOptions configure a single send.
type SendOptions struct {
	ReplyTo MsgRef
}

// ListOptions bound a message listing.
type ListOptions struct {
	Limit  int
	Before MsgRef
	After  MsgRef
}

// OutputStream accepts typed output fragments for one response and
// finalizes atomically, or partially on error via Fail.
type OutputStream interface {
	PushDelta(ctx context.Context, text string) error
	PushFinal(ctx context.Context, text string) error
	PushBinary(ctx context.Context, name, mediaType string, data []byte) error
	PushToolProgress(ctx context.Context, name, status, detail string) error

	// Finalize flushes and completes the stream.
	Finalize(ctx context.Context) error

	// Fail finalizes partially, surfacing err to the platform where
	// possible.
	Fail(ctx context.Context, err error) error
}

// InboundHandler receives platform events for adapters that push them.
type InboundHandler func(ctx context.Context, msg Message) error

// Subscription is a running inbound subscription.
type Subscription interface {
	Stop()
}

// Adapter is the per-platform glue contract.
type Adapter interface {
	StartOutput(ctx context.Context, session SessionRef, opts StartOutputOptions) (OutputStream, error)

	SendMsg(ctx context.Context, session SessionRef, content string, opts SendOptions) (MsgRef, error)

	// ReadMsg returns nil (and no error) for a missing message.
	ReadMsg(ctx context.Context, ref MsgRef) (*Message, error)

	ListMsg(ctx context.Context, session SessionRef, opts ListOptions) ([]Message, error)

	// EditMsg replaces a message's content unconditionally.
	EditMsg(ctx context.Context, ref MsgRef, content string) error

	// DeleteMsg removes a message where the platform supports it.
	DeleteMsg(ctx context.Context, ref MsgRef) error

	AddReaction(ctx context.Context, ref MsgRef, reaction string) error
	RemoveReaction(ctx context.Context, ref MsgRef, reaction string) error
	ListReactions(ctx context.Context, ref MsgRef) ([]string, error)

	Capabilities() Capabilities

	// Subscribe registers an inbound handler. Webhook-driven platforms
	// return ErrInboundUnsupported.
	Subscribe(h InboundHandler) (Subscription, error)
}
