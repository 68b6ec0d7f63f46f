// Package worker consumes request commands from the bus, runs the agent
// runtime against them and streams output back to the originating surface.
//
// The agent runtime itself is an external collaborator behind the Runner
// interface; this package owns the consume loop, interrupt handling and
// lifecycle publishing.
package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/stanley2058/lilac/pkg/bus"
	"github.com/stanley2058/lilac/pkg/events"
	"github.com/stanley2058/lilac/pkg/msgcache"
	"github.com/stanley2058/lilac/pkg/surface"
)

// Runner is the agent runtime contract.
type Runner interface {
	// Run executes one request, writing output to out. It returns when
	// the run resolves, fails, or ctx is cancelled.
	Run(ctx context.Context, requestID string, messages []events.AgentMessage, out surface.OutputStream) error
}

// Config holds consumer settings.
type Config struct {
	// SubscriptionID names the work group competing for requests.
	SubscriptionID string `env:"WORKER_SUBSCRIPTION_ID" env-default:"workers"`

	// ConsumerID identifies this process within the group.
	ConsumerID string `env:"WORKER_CONSUMER_ID"`
}

// Worker is the request consumer.
type Worker struct {
	cfg     Config
	bus     bus.Bus
	cache   *msgcache.Cache
	runner  Runner
	adapter surface.Adapter
	log     *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc

	sub bus.Subscription
	wg  sync.WaitGroup
}

// New creates a worker. cache may be nil; runs then see only the
// triggering batch instead of the accumulated history.
func New(cfg Config, b bus.Bus, cache *msgcache.Cache, runner Runner, adapter surface.Adapter, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:     cfg,
		bus:     b,
		cache:   cache,
		runner:  runner,
		adapter: adapter,
		log:     log,
		active:  make(map[string]context.CancelFunc),
	}
}

// Start subscribes in work mode on the command topic.
func (w *Worker) Start() error {
	sub, err := events.SubscribeType(w.bus, events.TypeRequestMessage, "", bus.SubscribeOptions{
		Mode:           bus.ModeWork,
		SubscriptionID: w.cfg.SubscriptionID,
		ConsumerID:     w.cfg.ConsumerID,
	}, w.handle)
	if err != nil {
		return err
	}
	w.sub = sub
	return nil
}

func (w *Worker) handle(ctx context.Context, msg bus.Envelope, hctx bus.HandlerContext) error {
	rid := msg.Headers[events.HeaderRequestID]
	if rid == "" {
		w.log.Error("request message missing request_id header", "id", msg.ID)
		return hctx.Commit(ctx)
	}

	payload, err := events.Decode[events.RequestPayload](msg)
	if err != nil {
		w.log.Warn("undecodable request payload", "id", msg.ID, "request_id", rid, "error", err)
		return hctx.Commit(ctx)
	}

	if payload.Queue == events.QueueInterrupt {
		w.handleInterrupt(rid, payload)
		return hctx.Commit(ctx)
	}

	w.startRun(rid, msg.Headers, payload)
	return hctx.Commit(ctx)
}

// handleInterrupt cancels the in-flight run for the request, if any.
// requiresActive interrupts are dropped silently when nothing is running.
func (w *Worker) handleInterrupt(rid string, payload events.RequestPayload) {
	cancel, ok := payload.Raw["cancel"].(bool)
	if !ok || !cancel {
		return
	}
	requiresActive, _ := payload.Raw["requiresActive"].(bool)

	w.mu.Lock()
	stop, running := w.active[rid]
	w.mu.Unlock()

	if running {
		w.log.Info("preempting in-flight request", "request_id", rid)
		stop()
		return
	}
	if !requiresActive {
		w.log.Info("interrupt for inactive request recorded", "request_id", rid)
	}
}

func (w *Worker) startRun(rid string, headers map[string]string, payload events.RequestPayload) {
	messages := payload.Messages
	if w.cache != nil {
		if cached := w.cache.Get(rid); len(cached) > 0 {
			messages = cached
		}
	}

	session := surface.SessionRef(headers[events.HeaderSessionID])
	runCtx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	if _, exists := w.active[rid]; exists {
		// A run for this request is already in flight (redelivery).
		w.mu.Unlock()
		cancel()
		return
	}
	w.active[rid] = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.active, rid)
			w.mu.Unlock()
			cancel()
		}()
		w.run(runCtx, rid, headers, session, messages)
	}()
}

func (w *Worker) run(ctx context.Context, rid string, headers map[string]string, session surface.SessionRef, messages []events.AgentMessage) {
	surfaceOut, err := w.adapter.StartOutput(ctx, session, surface.StartOutputOptions{})
	if err != nil {
		w.log.Error("failed to start output stream", "request_id", rid, "error", err)
		w.publishLifecycle(rid, headers, events.LifecycleFailed, "output stream unavailable")
		return
	}

	out := newBusStream(w.bus, rid, surfaceOut, w.log)

	err = w.runner.Run(ctx, rid, messages, out)
	switch {
	case ctx.Err() != nil:
		out.Fail(context.Background(), ctx.Err())
		w.publishLifecycle(rid, headers, events.LifecycleCancelled, "preempted")
	case err != nil:
		out.Fail(context.Background(), err)
		w.publishLifecycle(rid, headers, events.LifecycleFailed, err.Error())
	default:
		if err := out.Finalize(context.Background()); err != nil {
			w.log.Warn("finalize failed", "request_id", rid, "error", err)
		}
		w.publishLifecycle(rid, headers, events.LifecycleResolved, "")
	}
}

func (w *Worker) publishLifecycle(rid string, headers map[string]string, state, reason string) {
	h := map[string]string{
		events.HeaderRequestID:     rid,
		events.HeaderSessionID:     headers[events.HeaderSessionID],
		events.HeaderRequestClient: headers[events.HeaderRequestClient],
	}
	_, err := events.Publish(context.Background(), w.bus, events.TypeRequestLifecycle,
		events.LifecyclePayload{State: state, Reason: reason},
		events.PublishOptions{Headers: h})
	if err != nil {
		w.log.Error("lifecycle publish failed", "request_id", rid, "state", state, "error", err)
	}
}

// Stop tears down the subscription, cancels in-flight runs and waits for
// them to unwind.
func (w *Worker) Stop() {
	if w.sub != nil {
		w.sub.Stop()
	}
	w.mu.Lock()
	for _, cancel := range w.active {
		cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()
}
