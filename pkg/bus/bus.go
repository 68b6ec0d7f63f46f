// Package bus provides an append-only, replayable log abstraction with
// publish and three read modes (tail, work, fanout) over a stream store.
//
// The package defines the transport-agnostic contract; adapters live in
// pkg/bus/adapters/{redis,memory}. Payloads are CBOR-encoded so rich values
// (instants, binary, nested maps) round-trip bit-identically.
//
// Usage:
//
//	b := redis.New(redis.Config{...}, client, pool, log)
//
//	receipt, err := b.Publish(ctx, bus.PublishInput{
//	    Topic: "cmd.request",
//	    Type:  "request.message",
//	    Key:   requestID,
//	    Data:  payload,
//	})
//
//	sub, err := b.Subscribe("cmd.request", bus.SubscribeOptions{
//	    Mode:           bus.ModeWork,
//	    SubscriptionID: "workers",
//	}, func(ctx context.Context, msg bus.Envelope, hctx bus.HandlerContext) error {
//	    // process, then ack
//	    return hctx.Commit(ctx)
//	})
//	defer sub.Stop()
package bus

import (
	"context"
	"time"
)

// Envelope is the persisted record containing routing metadata and payload.
type Envelope struct {
	// Topic is the logical log this entry belongs to.
	Topic string

	// ID is the monotonically-sortable stream entry identifier, unique
	// within a topic and strictly ordered by append time.
	ID string

	// Type discriminates the payload shape. Handlers must validate Type
	// before trusting Data: decode anomalies deliver best-effort defaults.
	Type string

	// Ts is the publish time (millisecond precision on the wire).
	Ts time.Time

	// Key is the optional correlation/partition key.
	Key string

	// Headers carry cross-cutting metadata (request_id, session_id,
	// request_client).
	Headers map[string]string

	// Raw is the CBOR-encoded payload as stored.
	Raw []byte

	// Data is the eagerly-decoded view of Raw, nil when decoding failed.
	Data any
}

// PublishInput describes one entry to append.
type PublishInput struct {
	Topic   string
	Type    string
	Key     string
	Headers map[string]string
	Data    any

	// MaxLenApprox, when > 0, is an approximate per-topic retention hint:
	// older entries are trimmed on write.
	MaxLenApprox int64
}

// Receipt is the result of a publish. Cursor equals ID and can resume a
// fetch or tail subscription immediately after this entry.
type Receipt struct {
	ID     string
	Cursor string
}

type offsetKind int

const (
	offsetNow offsetKind = iota
	offsetBegin
	offsetCursor
)

// Offset selects where a read starts. The zero value is Now().
type Offset struct {
	kind offsetKind
	id   string
}

// Begin starts at the oldest retained entry.
func Begin() Offset { return Offset{kind: offsetBegin} }

// Now starts at the current end of the stream.
func Now() Offset { return Offset{kind: offsetNow} }

// Cursor resumes immediately after the entry the cursor identifies.
func Cursor(id string) Offset { return Offset{kind: offsetCursor, id: id} }

// IsBegin reports whether the offset is Begin.
func (o Offset) IsBegin() bool { return o.kind == offsetBegin }

// IsNow reports whether the offset is Now.
func (o Offset) IsNow() bool { return o.kind == offsetNow }

// CursorID returns the cursor id and whether the offset is a cursor.
func (o Offset) CursorID() (string, bool) { return o.id, o.kind == offsetCursor }

// FetchOptions configures a one-shot read.
type FetchOptions struct {
	Offset Offset
	Limit  int64
}

// FetchResult is a one-shot read result. Next is the last returned id,
// empty when no messages were returned.
type FetchResult struct {
	Messages []Envelope
	Next     string
}

// Mode selects the subscription semantics.
type Mode string

const (
	// ModeTail is a non-durable read from a chosen offset, no ack.
	ModeTail Mode = "tail"

	// ModeWork is a durable consumer group with competing consumers;
	// each entry is delivered to exactly one consumer in the group.
	ModeWork Mode = "work"

	// ModeFanout is durable; every distinct SubscriptionID receives a
	// complete copy of the stream.
	ModeFanout Mode = "fanout"
)

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	Mode Mode

	// Offset is where reading starts. For durable modes it applies only
	// when the group is first created.
	Offset Offset

	// SubscriptionID names the durable group. Required for work/fanout.
	SubscriptionID string

	// ConsumerID identifies this consumer within the group. A fresh UUID
	// is generated when empty.
	ConsumerID string

	// BlockTimeout bounds each blocking read. Defaults to 1s, capped at 30s.
	BlockTimeout time.Duration

	// Count bounds entries per read. Defaults to 16.
	Count int64
}

// HandlerContext is passed to handlers alongside each message.
type HandlerContext interface {
	// Commit acknowledges the message in durable modes. Failures are
	// surfaced; an unacked message remains pending. No-op for tail.
	Commit(ctx context.Context) error

	// Cursor returns a resume token positioned after the current message.
	Cursor() string
}

// Handler processes one message. A returned error leaves the message
// unacked in durable modes; the subscription loop continues.
type Handler func(ctx context.Context, msg Envelope, hctx HandlerContext) error

// Subscription is a running subscription.
type Subscription interface {
	// Stop aborts the read loop promptly and releases its connection.
	Stop()
}

// Bus is the transport contract.
type Bus interface {
	Publish(ctx context.Context, in PublishInput) (Receipt, error)
	Fetch(ctx context.Context, topic string, opts FetchOptions) (FetchResult, error)
	Subscribe(topic string, opts SubscribeOptions, h Handler) (Subscription, error)
	Close() error
}

const (
	// DefaultBlockTimeout bounds one blocking read when unset.
	DefaultBlockTimeout = time.Second

	// MaxBlockTimeout caps the blocking window.
	MaxBlockTimeout = 30 * time.Second

	// DefaultCount bounds entries per blocking read when unset.
	DefaultCount = 16
)

// EffectiveBlock clamps a configured block timeout into the allowed window.
func EffectiveBlock(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultBlockTimeout
	}
	if d > MaxBlockTimeout {
		return MaxBlockTimeout
	}
	return d
}
