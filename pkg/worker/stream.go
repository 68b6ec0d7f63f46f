package worker

import (
	"context"
	"log/slog"

	"github.com/stanley2058/lilac/pkg/bus"
	"github.com/stanley2058/lilac/pkg/events"
	"github.com/stanley2058/lilac/pkg/surface"
)

// busStream mirrors every output fragment onto the request's output-stream
// topic while forwarding it to the surface adapter. Bus publish failures
// are logged but never block surface delivery.
type busStream struct {
	bus     bus.Bus
	rid     string
	forward surface.OutputStream
	log     *slog.Logger
}

func newBusStream(b bus.Bus, rid string, forward surface.OutputStream, log *slog.Logger) *busStream {
	return &busStream{bus: b, rid: rid, forward: forward, log: log}
}

func (s *busStream) publish(ctx context.Context, t events.Type, data any) {
	_, err := events.Publish(ctx, s.bus, t, data, events.PublishOptions{
		Headers: map[string]string{events.HeaderRequestID: s.rid},
	})
	if err != nil {
		s.log.Warn("output publish failed", "request_id", s.rid, "type", t, "error", err)
	}
}

func (s *busStream) PushDelta(ctx context.Context, text string) error {
	s.publish(ctx, events.TypeOutputDelta, events.OutputDeltaPayload{Text: text})
	return s.forward.PushDelta(ctx, text)
}

func (s *busStream) PushFinal(ctx context.Context, text string) error {
	s.publish(ctx, events.TypeOutputFinal, events.OutputFinalPayload{Text: text})
	return s.forward.PushFinal(ctx, text)
}

func (s *busStream) PushBinary(ctx context.Context, name, mediaType string, data []byte) error {
	s.publish(ctx, events.TypeOutputBinary, events.OutputBinaryPayload{
		MediaType: mediaType, Name: name, Data: data,
	})
	return s.forward.PushBinary(ctx, name, mediaType, data)
}

func (s *busStream) PushToolProgress(ctx context.Context, name, status, detail string) error {
	s.publish(ctx, events.TypeOutputTool, events.OutputToolPayload{
		Name: name, Status: status, Detail: detail,
	})
	return s.forward.PushToolProgress(ctx, name, status, detail)
}

func (s *busStream) Finalize(ctx context.Context) error {
	return s.forward.Finalize(ctx)
}

func (s *busStream) Fail(ctx context.Context, err error) error {
	return s.forward.Fail(ctx, err)
}
