package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanley2058/lilac/pkg/bus"
	"github.com/stanley2058/lilac/pkg/bus/adapters/memory"
)

func publishN(t *testing.T, b *memory.Bus, topic string, n int, maxLen int64) []bus.Receipt {
	t.Helper()
	receipts := make([]bus.Receipt, 0, n)
	for i := 0; i < n; i++ {
		r, err := b.Publish(context.Background(), bus.PublishInput{
			Topic:        topic,
			Type:         "test.event",
			Key:          "k",
			Headers:      map[string]string{"seq": string(rune('a' + i))},
			Data:         map[string]any{"n": int64(i)},
			MaxLenApprox: maxLen,
		})
		require.NoError(t, err)
		receipts = append(receipts, r)
	}
	return receipts
}

func TestPublishThenFetchFromBegin(t *testing.T) {
	b := memory.New(memory.Config{}, nil)
	defer b.Close()

	receipts := publishN(t, b, "t", 3, 0)

	res, err := b.Fetch(context.Background(), "t", bus.FetchOptions{Offset: bus.Begin()})
	require.NoError(t, err)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, receipts[2].ID, res.Next)

	first := res.Messages[0]
	assert.Equal(t, "test.event", first.Type)
	assert.Equal(t, "k", first.Key)
	assert.NotEmpty(t, first.Headers)
	assert.NotNil(t, first.Data)
}

func TestCursorResumesAfterEntry(t *testing.T) {
	b := memory.New(memory.Config{}, nil)
	defer b.Close()

	receipts := publishN(t, b, "t", 3, 0)

	res, err := b.Fetch(context.Background(), "t", bus.FetchOptions{
		Offset: bus.Cursor(receipts[0].Cursor),
	})
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, receipts[1].ID, res.Messages[0].ID)
}

func TestFetchNowIsEmpty(t *testing.T) {
	b := memory.New(memory.Config{}, nil)
	defer b.Close()

	publishN(t, b, "t", 3, 0)
	res, err := b.Fetch(context.Background(), "t", bus.FetchOptions{Offset: bus.Now()})
	require.NoError(t, err)
	assert.Empty(t, res.Messages)
	assert.Empty(t, res.Next)
}

func TestRetentionHintTrimsHead(t *testing.T) {
	b := memory.New(memory.Config{}, nil)
	defer b.Close()

	publishN(t, b, "t", 10, 4)

	res, err := b.Fetch(context.Background(), "t", bus.FetchOptions{Offset: bus.Begin()})
	require.NoError(t, err)
	assert.Len(t, res.Messages, 4)
}

func TestWorkGroupDeliversExactlyOnce(t *testing.T) {
	b := memory.New(memory.Config{}, nil)
	defer b.Close()

	var mu sync.Mutex
	seen := make(map[string]int)
	handler := func(ctx context.Context, msg bus.Envelope, hctx bus.HandlerContext) error {
		mu.Lock()
		seen[msg.ID]++
		mu.Unlock()
		return hctx.Commit(ctx)
	}

	opts := bus.SubscribeOptions{
		Mode:           bus.ModeWork,
		SubscriptionID: "workers",
		Offset:         bus.Begin(),
		BlockTimeout:   50 * time.Millisecond,
	}
	s1, err := b.Subscribe("t", opts, handler)
	require.NoError(t, err)
	defer s1.Stop()
	s2, err := b.Subscribe("t", opts, handler)
	require.NoError(t, err)
	defer s2.Stop()

	publishN(t, b, "t", 20, 0)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 20
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for id, n := range seen {
		assert.Equal(t, 1, n, "entry %s delivered more than once", id)
	}
	assert.Equal(t, 0, b.PendingCount("t", "workers"))
}

func TestFanoutDeliversCompleteCopies(t *testing.T) {
	b := memory.New(memory.Config{}, nil)
	defer b.Close()

	counts := make(map[string]*int)
	var mu sync.Mutex
	subFor := func(id string) bus.Subscription {
		n := new(int)
		mu.Lock()
		counts[id] = n
		mu.Unlock()
		s, err := b.Subscribe("t", bus.SubscribeOptions{
			Mode:           bus.ModeFanout,
			SubscriptionID: id,
			Offset:         bus.Begin(),
			BlockTimeout:   50 * time.Millisecond,
		}, func(ctx context.Context, msg bus.Envelope, hctx bus.HandlerContext) error {
			mu.Lock()
			*n++
			mu.Unlock()
			return hctx.Commit(ctx)
		})
		require.NoError(t, err)
		return s
	}

	s1 := subFor("a")
	defer s1.Stop()
	s2 := subFor("b")
	defer s2.Stop()

	publishN(t, b, "t", 5, 0)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return *counts["a"] == 5 && *counts["b"] == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnackedMessageStaysPendingAndIsRedelivered(t *testing.T) {
	b := memory.New(memory.Config{}, nil)
	defer b.Close()

	publishN(t, b, "t", 1, 0)

	delivered := make(chan string, 8)
	s1, err := b.Subscribe("t", bus.SubscribeOptions{
		Mode:           bus.ModeWork,
		SubscriptionID: "g",
		Offset:         bus.Begin(),
		BlockTimeout:   50 * time.Millisecond,
	}, func(ctx context.Context, msg bus.Envelope, hctx bus.HandlerContext) error {
		delivered <- msg.ID
		// No commit: the entry must stay pending.
		return nil
	})
	require.NoError(t, err)

	var id string
	select {
	case id = <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
	s1.Stop()
	assert.Equal(t, 1, b.PendingCount("t", "g"))

	// A new consumer in the group receives the pending entry again.
	redelivered := make(chan string, 8)
	s2, err := b.Subscribe("t", bus.SubscribeOptions{
		Mode:           bus.ModeWork,
		SubscriptionID: "g",
		BlockTimeout:   50 * time.Millisecond,
	}, func(ctx context.Context, msg bus.Envelope, hctx bus.HandlerContext) error {
		redelivered <- msg.ID
		return hctx.Commit(ctx)
	})
	require.NoError(t, err)
	defer s2.Stop()

	select {
	case got := <-redelivered:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("pending message never redelivered")
	}

	require.Eventually(t, func() bool {
		return b.PendingCount("t", "g") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTailSubscriptionFromCursor(t *testing.T) {
	b := memory.New(memory.Config{}, nil)
	defer b.Close()

	receipts := publishN(t, b, "t", 2, 0)

	got := make(chan string, 8)
	s, err := b.Subscribe("t", bus.SubscribeOptions{
		Mode:         bus.ModeTail,
		Offset:       bus.Cursor(receipts[0].Cursor),
		BlockTimeout: 50 * time.Millisecond,
	}, func(ctx context.Context, msg bus.Envelope, hctx bus.HandlerContext) error {
		got <- msg.ID
		return nil
	})
	require.NoError(t, err)
	defer s.Stop()

	// Resuming at cursor(N) yields message N+1 first.
	select {
	case id := <-got:
		assert.Equal(t, receipts[1].ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("tail subscription delivered nothing")
	}
}

func TestDurableSubscribeRequiresSubscriptionID(t *testing.T) {
	b := memory.New(memory.Config{}, nil)
	defer b.Close()

	_, err := b.Subscribe("t", bus.SubscribeOptions{Mode: bus.ModeWork}, nil)
	require.Error(t, err)
}
