package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanley2058/lilac/pkg/bus"
	"github.com/stanley2058/lilac/pkg/bus/adapters/memory"
	"github.com/stanley2058/lilac/pkg/errors"
	"github.com/stanley2058/lilac/pkg/events"
)

func TestTopicForStaticTypes(t *testing.T) {
	cases := map[events.Type]events.Topic{
		events.TypeRequestMessage:   events.TopicCmdRequest,
		events.TypeRequestLifecycle: events.TopicEvtRequest,
		events.TypeWorkflowDispatch: events.TopicCmdWorkflow,
		events.TypeWorkflowUpdate:   events.TopicEvtWorkflow,
		events.TypeAgentCommand:     events.TopicCmdAgent,
		events.TypeAdapterMessage:   events.TopicEvtAdapter,
	}
	for typ, want := range cases {
		got, err := events.TopicFor(typ, nil)
		require.NoError(t, err, "type %s", typ)
		assert.Equal(t, want, got)
	}
}

func TestTopicForOutputDerivesFromRequestID(t *testing.T) {
	got, err := events.TopicFor(events.TypeOutputDelta, map[string]string{
		events.HeaderRequestID: "github:acme/app#1:9",
	})
	require.NoError(t, err)
	assert.Equal(t, events.Topic("out.req.github:acme/app#1:9"), got)
}

func TestTopicForOutputWithoutRequestIDFails(t *testing.T) {
	_, err := events.TopicFor(events.TypeOutputFinal, nil)
	require.Error(t, err)
	assert.Equal(t, events.CodeMissingRequestID, errors.Code(err))
}

func TestPublishDefaultsKeyFromHeaders(t *testing.T) {
	b := memory.New(memory.Config{}, nil)
	defer b.Close()

	_, err := events.Publish(context.Background(), b, events.TypeRequestMessage,
		events.RequestPayload{Queue: events.QueuePrompt},
		events.PublishOptions{Headers: map[string]string{
			events.HeaderRequestID: "rid-1",
		}})
	require.NoError(t, err)

	res, err := events.FetchTopic(context.Background(), b, events.TopicCmdRequest,
		bus.FetchOptions{Offset: bus.Begin()})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "rid-1", res.Messages[0].Key)
	assert.Equal(t, string(events.TypeRequestMessage), res.Messages[0].Type)
}

// recordingBus remembers the last publish input it forwarded.
type recordingBus struct {
	*memory.Bus
	last bus.PublishInput
}

func (r *recordingBus) Publish(ctx context.Context, in bus.PublishInput) (bus.Receipt, error) {
	r.last = in
	return r.Bus.Publish(ctx, in)
}

func TestPublishOutputUsesRetentionDefault(t *testing.T) {
	b := &recordingBus{Bus: memory.New(memory.Config{}, nil)}
	defer b.Close()

	headers := map[string]string{events.HeaderRequestID: "rid-1"}
	_, err := events.Publish(context.Background(), b, events.TypeOutputDelta,
		events.OutputDeltaPayload{Text: "x"}, events.PublishOptions{Headers: headers})
	require.NoError(t, err)
	assert.Equal(t, events.DefaultOutputRetention, b.last.MaxLenApprox)

	res, err := events.FetchTopic(context.Background(), b, events.OutputTopic("rid-1"),
		bus.FetchOptions{Offset: bus.Begin()})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
}

func TestSubscribeTypeFiltersOtherTypes(t *testing.T) {
	b := memory.New(memory.Config{}, nil)
	defer b.Close()

	got := make(chan bus.Envelope, 8)
	sub, err := events.SubscribeType(b, events.TypeRequestMessage, "", bus.SubscribeOptions{
		Mode:           bus.ModeWork,
		SubscriptionID: "g",
		Offset:         bus.Begin(),
		BlockTimeout:   50 * time.Millisecond,
	}, func(ctx context.Context, msg bus.Envelope, hctx bus.HandlerContext) error {
		got <- msg
		return hctx.Commit(ctx)
	})
	require.NoError(t, err)
	defer sub.Stop()

	// A foreign type on the same topic is silently dropped.
	_, err = b.Publish(context.Background(), bus.PublishInput{
		Topic: string(events.TopicCmdRequest),
		Type:  "something.else",
		Data:  map[string]any{},
	})
	require.NoError(t, err)

	_, err = events.Publish(context.Background(), b, events.TypeRequestMessage,
		events.RequestPayload{Queue: events.QueuePrompt},
		events.PublishOptions{Headers: map[string]string{events.HeaderRequestID: "rid-2"}})
	require.NoError(t, err)

	select {
	case msg := <-got:
		assert.Equal(t, string(events.TypeRequestMessage), msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("typed subscription delivered nothing")
	}
	select {
	case msg := <-got:
		t.Fatalf("unexpected delivery of type %s", msg.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribeTypeOutputRequiresTopic(t *testing.T) {
	b := memory.New(memory.Config{}, nil)
	defer b.Close()

	_, err := events.SubscribeType(b, events.TypeOutputDelta, "", bus.SubscribeOptions{
		Mode: bus.ModeTail,
	}, nil)
	require.Error(t, err)
	assert.Equal(t, events.CodeTopicRequired, errors.Code(err))
}

func TestDecodeTypedPayload(t *testing.T) {
	b := memory.New(memory.Config{}, nil)
	defer b.Close()

	in := events.RequestPayload{
		Queue: events.QueueInterrupt,
		Raw:   map[string]any{"cancel": true, "requiresActive": true},
		Messages: []events.AgentMessage{
			{Role: "user", Content: "stop"},
		},
	}
	_, err := events.Publish(context.Background(), b, events.TypeRequestMessage, in,
		events.PublishOptions{Headers: map[string]string{events.HeaderRequestID: "rid-3"}})
	require.NoError(t, err)

	res, err := events.FetchTopic(context.Background(), b, events.TopicCmdRequest,
		bus.FetchOptions{Offset: bus.Begin()})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)

	out, err := events.Decode[events.RequestPayload](res.Messages[0])
	require.NoError(t, err)
	assert.Equal(t, in.Queue, out.Queue)
	assert.Equal(t, in.Messages, out.Messages)
	assert.Equal(t, true, out.Raw["cancel"])
	assert.Equal(t, true, out.Raw["requiresActive"])
}
