// Package redis implements the bus contract over Redis Streams.
//
// Entries are appended with XADD, read with XRANGE/XREAD/XREADGROUP and
// acknowledged with XACK. Durable subscriptions (work/fanout) are consumer
// groups named by the subscription id; blocking reads run on dedicated
// connections leased from a connpool.Pool.
package redis

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stanley2058/lilac/pkg/bus"
	"github.com/stanley2058/lilac/pkg/connpool"
)

// Config holds transport settings.
type Config struct {
	// KeyPrefix namespaces stream keys; the on-the-wire topic is
	// "<prefix>:<topic>".
	KeyPrefix string `env:"BUS_KEY_PREFIX" env-default:"lilac"`

	// BlockTimeout bounds each blocking read of subscriptions that do not
	// set their own (default 1s, capped 30s).
	BlockTimeout time.Duration `env:"BUS_BLOCK_TIMEOUT" env-default:"1s"`

	// ForceCloseAfter is how long Stop waits for the read loop to notice
	// cancellation before force-closing the owning connection.
	ForceCloseAfter time.Duration `env:"BUS_FORCE_CLOSE_AFTER" env-default:"250ms"`
}

// streamReader is satisfied by both *redis.Client and *redis.Conn.
type streamReader interface {
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
}

// Bus is the Redis Streams transport.
type Bus struct {
	cfg    Config
	client *redis.Client
	pool   *connpool.Pool
	log    *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// New creates a Streams-backed bus. client is the shared connection (also
// the pool's exhaustion fallback); pool supplies dedicated connections for
// blocking reads. Neither is closed by the bus.
func New(cfg Config, client *redis.Client, pool *connpool.Pool, log *slog.Logger) *Bus {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "lilac"
	}
	if cfg.ForceCloseAfter <= 0 {
		cfg.ForceCloseAfter = 250 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		cfg:    cfg,
		client: client,
		pool:   pool,
		log:    log,
		subs:   make(map[*subscription]struct{}),
	}
}

func (b *Bus) key(topic string) string {
	return b.cfg.KeyPrefix + ":" + topic
}

// Publish appends one entry. One network round-trip per call, no batching.
func (b *Bus) Publish(ctx context.Context, in bus.PublishInput) (bus.Receipt, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.Receipt{}, bus.ErrClosed(nil)
	}
	b.mu.Unlock()

	values, err := encodeValues(in)
	if err != nil {
		return bus.Receipt{}, err
	}

	args := &redis.XAddArgs{
		Stream: b.key(in.Topic),
		Values: values,
	}
	if in.MaxLenApprox > 0 {
		args.MaxLen = in.MaxLenApprox
		args.Approx = true
	}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return bus.Receipt{}, bus.ErrPublishFailed(err)
	}
	return bus.Receipt{ID: id, Cursor: id}, nil
}

func encodeValues(in bus.PublishInput) (map[string]any, error) {
	raw, err := bus.EncodePayload(in.Data)
	if err != nil {
		return nil, err
	}
	values := map[string]any{
		fieldType: in.Type,
		fieldTs:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		fieldData: raw,
	}
	if in.Key != "" {
		values[fieldKey] = in.Key
	}
	if len(in.Headers) > 0 {
		hdr, err := bus.EncodeHeaders(in.Headers)
		if err != nil {
			return nil, err
		}
		values[fieldHeaders] = hdr
	}
	return values, nil
}

// Fetch performs a one-shot read. Offset Now positions at the current end
// and returns no messages.
func (b *Bus) Fetch(ctx context.Context, topic string, opts bus.FetchOptions) (bus.FetchResult, error) {
	if opts.Offset.IsNow() {
		return bus.FetchResult{}, nil
	}

	start := "-"
	if c, ok := opts.Offset.CursorID(); ok {
		// Exclusive range start: resume strictly after the cursor.
		start = "(" + c
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	msgs, err := b.client.XRangeN(ctx, b.key(topic), start, "+", limit).Result()
	if err != nil {
		return bus.FetchResult{}, bus.ErrFetchFailed(err)
	}

	result := bus.FetchResult{Messages: make([]bus.Envelope, 0, len(msgs))}
	for _, m := range msgs {
		result.Messages = append(result.Messages, decodeMessage(topic, m, b.log))
	}
	if n := len(result.Messages); n > 0 {
		result.Next = result.Messages[n-1].ID
	}
	return result, nil
}

// Subscribe starts a read loop. For durable modes the consumer group is
// created (idempotently) before Subscribe returns; the initial offset
// applies only on first creation.
func (b *Bus) Subscribe(topic string, opts bus.SubscribeOptions, h bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed(nil)
	}
	b.mu.Unlock()

	if opts.Mode == "" {
		opts.Mode = bus.ModeTail
	}
	durable := opts.Mode == bus.ModeWork || opts.Mode == bus.ModeFanout
	if durable && opts.SubscriptionID == "" {
		return nil, bus.ErrInvalidSubscription("durable modes require a subscription id")
	}
	if opts.ConsumerID == "" {
		opts.ConsumerID = uuid.NewString()
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = b.cfg.BlockTimeout
	}

	stream := b.key(topic)
	if durable {
		start := groupStartID(opts.Offset)
		err := b.client.XGroupCreateMkStream(context.Background(), stream, opts.SubscriptionID, start).Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, bus.ErrSubscribeFailed(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		b:       b,
		topic:   topic,
		stream:  stream,
		opts:    opts,
		handler: h,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run()
	return sub, nil
}

// Close stops all subscriptions and rejects further operations. The shared
// client and the pool are caller-owned and left open.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Stop()
	}
	return nil
}

func (b *Bus) removeSub(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

func groupStartID(o bus.Offset) string {
	if o.IsBegin() {
		return "0"
	}
	if c, ok := o.CursorID(); ok {
		return c
	}
	return "$"
}

func tailStartID(o bus.Offset) string {
	if o.IsBegin() {
		return "0-0"
	}
	if c, ok := o.CursorID(); ok {
		return c
	}
	return "$"
}
