package memory

import (
	"context"
	"sort"
	"time"

	"github.com/stanley2058/lilac/pkg/bus"
)

type subscription struct {
	b       *Bus
	topic   string
	opts    bus.SubscribeOptions
	handler bus.Handler
	durable bool
	cursor  int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) run() {
	defer close(s.done)

	if s.durable {
		s.deliverPending()
	}

	block := bus.EffectiveBlock(s.opts.BlockTimeout)
	for {
		if s.ctx.Err() != nil {
			return
		}

		batch, notify := s.claim()
		if len(batch) == 0 {
			select {
			case <-s.ctx.Done():
				return
			case <-notify:
			case <-time.After(block):
			}
			continue
		}

		for _, e := range batch {
			s.deliver(e)
		}
	}
}

// deliverPending redelivers this group's unacked entries, oldest first.
// This is the in-process analogue of group recovery.
func (s *subscription) deliverPending() {
	s.b.mu.Lock()
	t := s.b.topic(s.topic)
	g := t.groups[s.opts.SubscriptionID]
	pending := make([]stored, 0, len(g.pending))
	for _, e := range g.pending {
		pending = append(pending, e)
	}
	s.b.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	for _, e := range pending {
		if s.ctx.Err() != nil {
			return
		}
		s.deliver(e)
	}
}

// claim atomically takes the next batch for this subscriber. Durable claims
// advance the group cursor and mark entries pending, so entries in a work
// group go to exactly one consumer.
func (s *subscription) claim() ([]stored, <-chan struct{}) {
	count := s.opts.Count
	if count <= 0 {
		count = bus.DefaultCount
	}

	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	t := s.b.topic(s.topic)

	var from int64
	if s.durable {
		from = t.groups[s.opts.SubscriptionID].nextSeq
	} else {
		from = s.cursor
	}

	var batch []stored
	for _, e := range t.entries {
		if e.seq < from {
			continue
		}
		batch = append(batch, e)
		if int64(len(batch)) >= count {
			break
		}
	}

	if len(batch) > 0 {
		next := batch[len(batch)-1].seq + 1
		if s.durable {
			g := t.groups[s.opts.SubscriptionID]
			g.nextSeq = next
			for _, e := range batch {
				g.pending[e.env.ID] = e
			}
		} else {
			s.cursor = next
		}
	}

	return batch, t.notify
}

func (s *subscription) deliver(e stored) {
	hctx := &handlerContext{sub: s, id: e.env.ID}
	if err := s.handler(s.ctx, e.env, hctx); err != nil {
		s.b.log.Warn("handler failed, message left pending",
			"topic", s.topic, "id", e.env.ID, "type", e.env.Type, "error", err)
	}
}

func (s *subscription) Stop() {
	s.cancel()
	<-s.done
}

type handlerContext struct {
	sub *subscription
	id  string
}

func (h *handlerContext) Commit(ctx context.Context) error {
	if !h.sub.durable {
		return nil
	}
	h.sub.b.mu.Lock()
	defer h.sub.b.mu.Unlock()
	t := h.sub.b.topic(h.sub.topic)
	g := t.groups[h.sub.opts.SubscriptionID]
	delete(g.pending, h.id)
	return nil
}

func (h *handlerContext) Cursor() string { return h.id }
