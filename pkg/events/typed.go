package events

import (
	"context"

	"github.com/stanley2058/lilac/pkg/bus"
)

// PublishOptions configure a typed publish.
type PublishOptions struct {
	// Headers carry correlation metadata. request_id is required for
	// request, workflow, agent and output events.
	Headers map[string]string

	// Topic overrides the registry-derived topic.
	Topic Topic

	// Key overrides the registry-derived correlation key.
	Key string

	// Retention is the approximate per-topic retention hint.
	Retention int64
}

// Publish appends a typed event. The topic defaults from the event type;
// output-stream types derive it from headers[request_id].
func Publish(ctx context.Context, b bus.Bus, t Type, data any, opts PublishOptions) (bus.Receipt, error) {
	topic := opts.Topic
	if topic == "" {
		var err error
		topic, err = TopicFor(t, opts.Headers)
		if err != nil {
			return bus.Receipt{}, err
		}
	}

	key := opts.Key
	if key == "" {
		if reg, ok := registry[t]; ok && reg.key != nil {
			key = reg.key(opts.Headers, data)
		}
	}

	retention := opts.Retention
	if retention == 0 && IsOutputStream(t) {
		retention = DefaultOutputRetention
	}

	return b.Publish(ctx, bus.PublishInput{
		Topic:        string(topic),
		Type:         string(t),
		Key:          key,
		Headers:      opts.Headers,
		Data:         data,
		MaxLenApprox: retention,
	})
}

// SubscribeTopic subscribes to every registered event type on a topic.
// Envelopes with unregistered types are dropped silently (acked in durable
// modes).
func SubscribeTopic(b bus.Bus, topic Topic, opts bus.SubscribeOptions, h bus.Handler) (bus.Subscription, error) {
	valid := make(map[string]struct{})
	for _, t := range TypesOn(topic) {
		valid[string(t)] = struct{}{}
	}
	return b.Subscribe(string(topic), opts, func(ctx context.Context, msg bus.Envelope, hctx bus.HandlerContext) error {
		if _, ok := valid[msg.Type]; !ok && len(valid) > 0 {
			return hctx.Commit(ctx)
		}
		return h(ctx, msg, hctx)
	})
}

// SubscribeType subscribes to a single event type; other types on the
// topic are silently dropped (and acked, so they do not stay pending).
// Output-stream types require an explicit opts-level topic via topic
// parameter semantics: pass the request-scoped topic in topicOverride.
func SubscribeType(b bus.Bus, t Type, topicOverride Topic, opts bus.SubscribeOptions, h bus.Handler) (bus.Subscription, error) {
	reg, ok := registry[t]
	if !ok {
		return nil, ErrUnknownType(t)
	}

	topic := topicOverride
	if topic == "" {
		if reg.outputStream {
			return nil, ErrTopicRequired(t)
		}
		topic = reg.topic
	}

	return b.Subscribe(string(topic), opts, func(ctx context.Context, msg bus.Envelope, hctx bus.HandlerContext) error {
		if msg.Type != string(t) {
			return hctx.Commit(ctx)
		}
		return h(ctx, msg, hctx)
	})
}

// FetchTopic is a typed wrapper over a one-shot read.
func FetchTopic(ctx context.Context, b bus.Bus, topic Topic, opts bus.FetchOptions) (bus.FetchResult, error) {
	return b.Fetch(ctx, string(topic), opts)
}
