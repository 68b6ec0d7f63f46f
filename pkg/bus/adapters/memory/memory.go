// Package memory implements the bus contract in-process.
//
// It mirrors the Redis Streams adapter's semantics (durable groups,
// pending entries, cursors, retention trimming) without a server, for
// tests and single-process development.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stanley2058/lilac/pkg/bus"
)

// Config holds adapter settings.
type Config struct {
	// BlockTimeout bounds each blocking read of subscriptions that do not
	// set their own (default 1s, capped 30s).
	BlockTimeout time.Duration
}

// Bus is the in-process transport.
type Bus struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	topics map[string]*topicLog
	closed bool
}

type stored struct {
	seq int64
	env bus.Envelope
}

type topicLog struct {
	entries []stored
	nextSeq int64
	groups  map[string]*group
	notify  chan struct{}
}

type group struct {
	nextSeq int64
	pending map[string]stored
}

// New creates an in-process bus.
func New(cfg Config, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		cfg:    cfg,
		log:    log,
		topics: make(map[string]*topicLog),
	}
}

func (b *Bus) topic(name string) *topicLog {
	t, ok := b.topics[name]
	if !ok {
		t = &topicLog{
			nextSeq: 1,
			groups:  make(map[string]*group),
			notify:  make(chan struct{}),
		}
		b.topics[name] = t
	}
	return t
}

func idFor(seq int64) string { return fmt.Sprintf("%d-0", seq) }

func seqFromID(id string) (int64, bool) {
	s, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Publish appends one entry, trimming the topic to MaxLenApprox when set.
func (b *Bus) Publish(ctx context.Context, in bus.PublishInput) (bus.Receipt, error) {
	raw, err := bus.EncodePayload(in.Data)
	if err != nil {
		return bus.Receipt{}, err
	}
	data, err := bus.DecodePayload(raw)
	if err != nil {
		return bus.Receipt{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.Receipt{}, bus.ErrClosed(nil)
	}

	t := b.topic(in.Topic)
	seq := t.nextSeq
	t.nextSeq++

	var headers map[string]string
	if len(in.Headers) > 0 {
		headers = make(map[string]string, len(in.Headers))
		for k, v := range in.Headers {
			headers[k] = v
		}
	}

	env := bus.Envelope{
		Topic:   in.Topic,
		ID:      idFor(seq),
		Type:    in.Type,
		Ts:      time.UnixMilli(time.Now().UnixMilli()),
		Key:     in.Key,
		Headers: headers,
		Raw:     raw,
		Data:    data,
	}
	t.entries = append(t.entries, stored{seq: seq, env: env})

	if in.MaxLenApprox > 0 && int64(len(t.entries)) > in.MaxLenApprox {
		t.entries = t.entries[int64(len(t.entries))-in.MaxLenApprox:]
	}

	close(t.notify)
	t.notify = make(chan struct{})

	return bus.Receipt{ID: env.ID, Cursor: env.ID}, nil
}

// Fetch performs a one-shot read. Offset Now returns no messages.
func (b *Bus) Fetch(ctx context.Context, topic string, opts bus.FetchOptions) (bus.FetchResult, error) {
	if opts.Offset.IsNow() {
		return bus.FetchResult{}, nil
	}

	var from int64 = 0
	if c, ok := opts.Offset.CursorID(); ok {
		seq, ok := seqFromID(c)
		if !ok {
			return bus.FetchResult{}, bus.ErrFetchFailed(fmt.Errorf("malformed cursor %q", c))
		}
		from = seq + 1
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(topic)

	var result bus.FetchResult
	for _, e := range t.entries {
		if e.seq < from {
			continue
		}
		result.Messages = append(result.Messages, e.env)
		if int64(len(result.Messages)) >= limit {
			break
		}
	}
	if n := len(result.Messages); n > 0 {
		result.Next = result.Messages[n-1].ID
	}
	return result, nil
}

// Subscribe starts a read loop. Durable groups are created before
// Subscribe returns; the initial offset applies only on first creation.
func (b *Bus) Subscribe(topic string, opts bus.SubscribeOptions, h bus.Handler) (bus.Subscription, error) {
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

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed(nil)
	}
	t := b.topic(topic)

	var cursor int64
	if durable {
		if _, ok := t.groups[opts.SubscriptionID]; !ok {
			t.groups[opts.SubscriptionID] = &group{
				nextSeq: startSeq(t, opts.Offset),
				pending: make(map[string]stored),
			}
		}
	} else {
		cursor = startSeq(t, opts.Offset)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		b:       b,
		topic:   topic,
		opts:    opts,
		handler: h,
		durable: durable,
		cursor:  cursor,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

// startSeq resolves an offset against the topic. Caller holds b.mu.
func startSeq(t *topicLog, o bus.Offset) int64 {
	if o.IsBegin() {
		return 0
	}
	if c, ok := o.CursorID(); ok {
		if seq, ok := seqFromID(c); ok {
			return seq + 1
		}
	}
	return t.nextSeq
}

// Close stops accepting publishes and subscriptions. Running subscriptions
// drain on their own Stop.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// PendingCount reports unacked entries for a durable subscription.
// Observational, used by tests and health reporting.
func (b *Bus) PendingCount(topic, subscriptionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(topic)
	g, ok := t.groups[subscriptionID]
	if !ok {
		return 0
	}
	return len(g.pending)
}
