package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stanley2058/lilac/pkg/bus"
	"github.com/stanley2058/lilac/pkg/connpool"
)

// maxConsecutiveReadErrors before the loop is considered non-transiently
// broken and the subscription stops.
const maxConsecutiveReadErrors = 3

type subscription struct {
	b       *Bus
	topic   string
	stream  string
	opts    bus.SubscribeOptions
	handler bus.Handler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	leased   *connpool.Lease
	forced   bool
	stopOnce sync.Once
}

func (s *subscription) run() {
	defer close(s.done)
	defer s.b.removeSub(s)

	lease, err := s.b.pool.Acquire(s.ctx)
	if err != nil {
		s.b.log.Error("subscription failed to acquire connection",
			"topic", s.topic, "subscription_id", s.opts.SubscriptionID, "error", err)
		return
	}

	unhealthy := false
	defer func() {
		s.mu.Lock()
		forced := s.forced
		s.mu.Unlock()
		lease.Release(unhealthy || forced)
	}()

	s.mu.Lock()
	s.leased = lease
	s.mu.Unlock()

	reader, ok := lease.Conn.(streamReader)
	if !ok {
		// Shared fallback lease wraps the base client.
		reader = s.b.client
	}

	block := bus.EffectiveBlock(s.opts.BlockTimeout)
	count := s.opts.Count
	if count <= 0 {
		count = bus.DefaultCount
	}

	switch s.opts.Mode {
	case bus.ModeWork, bus.ModeFanout:
		unhealthy = s.runDurable(reader, block, count)
	default:
		unhealthy = s.runTail(reader, block, count)
	}
}

// runDurable drains this consumer's pending entries first (redelivery on
// group recovery), then reads new entries. Returns true when the loop died
// on a non-transient error.
func (s *subscription) runDurable(reader streamReader, block time.Duration, count int64) bool {
	readID := "0"
	failures := 0
	for {
		if s.ctx.Err() != nil {
			return false
		}

		streams, err := reader.XReadGroup(s.ctx, &redis.XReadGroupArgs{
			Group:    s.opts.SubscriptionID,
			Consumer: s.opts.ConsumerID,
			Streams:  []string{s.stream, readID},
			Count:    count,
			Block:    block,
		}).Result()

		switch {
		case errors.Is(err, redis.Nil):
			readID = ">"
			failures = 0
			continue
		case err != nil:
			if s.ctx.Err() != nil {
				return false
			}
			failures++
			s.b.log.Warn("durable read failed",
				"topic", s.topic, "subscription_id", s.opts.SubscriptionID,
				"attempt", failures, "error", err)
			if failures >= maxConsecutiveReadErrors {
				s.b.log.Error("subscription stopping after repeated read failures",
					"topic", s.topic, "subscription_id", s.opts.SubscriptionID)
				return true
			}
			continue
		}
		failures = 0

		delivered := 0
		for _, str := range streams {
			for _, m := range str.Messages {
				delivered++
				if readID != ">" {
					// Advance past redelivered pending entries so an
					// unacked entry is not redelivered in a tight loop.
					readID = m.ID
				}
				s.deliver(m, true)
			}
		}
		if readID != ">" && delivered == 0 {
			// Pending backlog drained.
			readID = ">"
		}
	}
}

// runTail reads from the chosen offset without durability or acks.
func (s *subscription) runTail(reader streamReader, block time.Duration, count int64) bool {
	lastID := tailStartID(s.opts.Offset)
	failures := 0
	for {
		if s.ctx.Err() != nil {
			return false
		}

		streams, err := reader.XRead(s.ctx, &redis.XReadArgs{
			Streams: []string{s.stream, lastID},
			Count:   count,
			Block:   block,
		}).Result()

		switch {
		case errors.Is(err, redis.Nil):
			failures = 0
			continue
		case err != nil:
			if s.ctx.Err() != nil {
				return false
			}
			failures++
			s.b.log.Warn("tail read failed", "topic", s.topic, "attempt", failures, "error", err)
			if failures >= maxConsecutiveReadErrors {
				s.b.log.Error("tail subscription stopping after repeated read failures", "topic", s.topic)
				return true
			}
			continue
		}
		failures = 0

		for _, str := range streams {
			for _, m := range str.Messages {
				lastID = m.ID
				s.deliver(m, false)
			}
		}
	}
}

func (s *subscription) deliver(m redis.XMessage, durable bool) {
	env := decodeMessage(s.topic, m, s.b.log)
	hctx := &handlerContext{sub: s, id: m.ID, durable: durable}
	if err := s.handler(s.ctx, env, hctx); err != nil {
		// Not acked: the entry remains pending in durable mode.
		s.b.log.Warn("handler failed, message left pending",
			"topic", s.topic, "id", m.ID, "type", env.Type, "error", err)
	}
}

// Stop aborts the read loop. If the blocking window outlives the grace
// period the owning connection is force-closed to unblock promptly and
// released as unhealthy.
func (s *subscription) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		select {
		case <-s.done:
		case <-time.After(s.b.cfg.ForceCloseAfter):
			s.mu.Lock()
			s.forced = true
			lease := s.leased
			s.mu.Unlock()
			if lease != nil && !lease.Shared {
				lease.Conn.Close()
			}
			<-s.done
		}
	})
}

type handlerContext struct {
	sub     *subscription
	id      string
	durable bool
}

// Commit acks the message on the shared connection. Failures are surfaced
// and the message remains pending.
func (h *handlerContext) Commit(ctx context.Context) error {
	if !h.durable {
		return nil
	}
	err := h.sub.b.client.XAck(ctx, h.sub.stream, h.sub.opts.SubscriptionID, h.id).Err()
	if err != nil {
		h.sub.b.log.Error("ack failed",
			"topic", h.sub.topic, "id", h.id,
			"subscription_id", h.sub.opts.SubscriptionID, "error", err)
		return bus.ErrAckFailed(err)
	}
	return nil
}

func (h *handlerContext) Cursor() string { return h.id }
