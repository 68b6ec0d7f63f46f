// Package msgcache maintains a fast local view of recent per-request
// message batches by consuming the command topic in fanout mode.
//
// Entries are append-only per request id, tail-truncated at a per-request
// cap, expired by TTL and bounded by a global entry cap. The cache is a
// process-local view, not a source of truth.
package msgcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stanley2058/lilac/pkg/bus"
	"github.com/stanley2058/lilac/pkg/events"
)

// Config holds cache policy.
type Config struct {
	// SubscriptionID names this cache's fanout group. Distinct consumers
	// must pick distinct ids or they will compete for entries.
	SubscriptionID string `env:"MSGCACHE_SUBSCRIPTION_ID" env-default:"msgcache"`

	// TTL is how long an entry stays visible after its last write.
	TTL time.Duration `env:"MSGCACHE_TTL" env-default:"30m"`

	// MaxEntries bounds live entries; the oldest-updated entry is evicted
	// past the cap.
	MaxEntries int `env:"MSGCACHE_MAX_ENTRIES" env-default:"256"`

	// MaxMessagesPerRequest bounds one request's history; the head is
	// dropped past the cap.
	MaxMessagesPerRequest int `env:"MSGCACHE_MAX_MESSAGES" env-default:"512"`
}

type entry struct {
	messages  []events.AgentMessage
	expiresAt time.Time
	updatedAt time.Time
}

// Cache is the request message cache.
type Cache struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	sub bus.Subscription
}

// New creates the cache and subscribes in fanout mode to the command topic
// starting at the current end of the stream.
func New(b bus.Bus, cfg Config, log *slog.Logger) (*Cache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 256
	}
	if cfg.MaxMessagesPerRequest <= 0 {
		cfg.MaxMessagesPerRequest = 512
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Cache{
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		entries: make(map[string]*entry),
	}

	sub, err := events.SubscribeTopic(b, events.TopicCmdRequest, bus.SubscribeOptions{
		Mode:           bus.ModeFanout,
		SubscriptionID: cfg.SubscriptionID,
		Offset:         bus.Now(),
	}, c.handle)
	if err != nil {
		return nil, err
	}
	c.sub = sub
	return c, nil
}

func (c *Cache) handle(ctx context.Context, msg bus.Envelope, hctx bus.HandlerContext) error {
	if msg.Type != string(events.TypeRequestMessage) {
		return hctx.Commit(ctx)
	}

	rid := msg.Headers[events.HeaderRequestID]
	if rid == "" {
		// A request publish without request_id is a bug upstream; refuse
		// to ack so the defect surfaces as a pending entry.
		c.log.Error("request message missing request_id header", "id", msg.ID)
		return ErrMissingRequestID(msg.ID)
	}

	payload, err := events.Decode[events.RequestPayload](msg)
	if err != nil {
		c.log.Warn("undecodable request payload", "id", msg.ID, "request_id", rid, "error", err)
		return hctx.Commit(ctx)
	}

	c.append(rid, payload.Messages)
	return hctx.Commit(ctx)
}

// append concatenates a batch onto the request's entry, applying the
// per-request tail cap, the TTL clock reset, the opportunistic expired
// sweep and the global entry cap.
func (c *Cache) append(rid string, batch []events.AgentMessage) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneExpiredLocked(now)

	e, ok := c.entries[rid]
	if !ok {
		e = &entry{}
		c.entries[rid] = e
	}
	e.messages = append(e.messages, batch...)
	if n := len(e.messages); n > c.cfg.MaxMessagesPerRequest {
		e.messages = append([]events.AgentMessage(nil), e.messages[n-c.cfg.MaxMessagesPerRequest:]...)
	}
	e.updatedAt = now
	e.expiresAt = now.Add(c.cfg.TTL)

	for len(c.entries) > c.cfg.MaxEntries {
		c.evictOldestLocked()
	}
}

func (c *Cache) pruneExpiredLocked(now time.Time) {
	for rid, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, rid)
		}
	}
}

func (c *Cache) evictOldestLocked() {
	var oldest string
	var oldestAt time.Time
	for rid, e := range c.entries {
		if oldest == "" || e.updatedAt.Before(oldestAt) {
			oldest = rid
			oldestAt = e.updatedAt
		}
	}
	if oldest != "" {
		delete(c.entries, oldest)
	}
}

// Get returns the request's ordered message sequence, or nil when the
// entry is missing or expired. Expired entries are evicted on miss.
func (c *Cache) Get(requestID string) []events.AgentMessage {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[requestID]
	if ok && e.expiresAt.After(now) {
		msgs := make([]events.AgentMessage, len(e.messages))
		copy(msgs, e.messages)
		c.mu.RUnlock()
		return msgs
	}
	c.mu.RUnlock()

	if ok {
		c.mu.Lock()
		if e, ok := c.entries[requestID]; ok && !e.expiresAt.After(now) {
			delete(c.entries, requestID)
		}
		c.mu.Unlock()
	}
	return nil
}

// Len reports the number of live entries. Observational.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stop tears down the subscription and clears local state.
func (c *Cache) Stop() {
	if c.sub != nil {
		c.sub.Stop()
	}
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}
