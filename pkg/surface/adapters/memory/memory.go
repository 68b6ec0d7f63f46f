// Package memory implements the surface contract in-process, for tests
// and single-process development.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stanley2058/lilac/pkg/surface"
)

// Surface is the in-process adapter.
type Surface struct {
	mu        sync.Mutex
	messages  map[surface.MsgRef]*surface.Message
	order     map[surface.SessionRef][]surface.MsgRef
	reactions map[surface.MsgRef][]string
	handlers  []*subscription
}

// New creates an empty in-process surface.
func New() *Surface {
	return &Surface{
		messages:  make(map[surface.MsgRef]*surface.Message),
		order:     make(map[surface.SessionRef][]surface.MsgRef),
		reactions: make(map[surface.MsgRef][]string),
	}
}

func (s *Surface) Capabilities() surface.Capabilities {
	return surface.Capabilities{Reactions: true, Edit: true, Delete: true, Inbound: true}
}

func (s *Surface) SendMsg(ctx context.Context, session surface.SessionRef, content string, opts surface.SendOptions) (surface.MsgRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := surface.MsgRef(uuid.NewString())
	s.messages[ref] = &surface.Message{
		Ref:       ref,
		Session:   session,
		Content:   content,
		ReplyTo:   opts.ReplyTo,
		CreatedAt: time.Now(),
	}
	s.order[session] = append(s.order[session], ref)
	return ref, nil
}

func (s *Surface) ReadMsg(ctx context.Context, ref surface.MsgRef) (*surface.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[ref]
	if !ok {
		return nil, nil
	}
	copied := *m
	return &copied, nil
}

func (s *Surface) ListMsg(ctx context.Context, session surface.SessionRef, opts surface.ListOptions) ([]surface.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs := s.order[session]

	lo, hi := 0, len(refs)
	for i, r := range refs {
		if opts.After != "" && r == opts.After {
			lo = i + 1
		}
		if opts.Before != "" && r == opts.Before {
			hi = i
		}
	}
	if lo > hi {
		lo = hi
	}
	window := refs[lo:hi]
	if opts.Limit > 0 && len(window) > opts.Limit {
		window = window[len(window)-opts.Limit:]
	}

	out := make([]surface.Message, 0, len(window))
	for _, r := range window {
		if m, ok := s.messages[r]; ok {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (s *Surface) EditMsg(ctx context.Context, ref surface.MsgRef, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[ref]
	if !ok {
		return surface.ErrMsgNotFound(ref)
	}
	if m.Content == content {
		// Observable state is identical; skip the write.
		return nil
	}
	m.Content = content
	return nil
}

func (s *Surface) DeleteMsg(ctx context.Context, ref surface.MsgRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[ref]
	if !ok {
		return surface.ErrMsgNotFound(ref)
	}
	delete(s.messages, ref)
	delete(s.reactions, ref)
	refs := s.order[m.Session]
	for i, r := range refs {
		if r == ref {
			s.order[m.Session] = append(refs[:i], refs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Surface) AddReaction(ctx context.Context, ref surface.MsgRef, reaction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[ref]; !ok {
		return surface.ErrMsgNotFound(ref)
	}
	for _, r := range s.reactions[ref] {
		if r == reaction {
			return nil
		}
	}
	s.reactions[ref] = append(s.reactions[ref], reaction)
	return nil
}

func (s *Surface) RemoveReaction(ctx context.Context, ref surface.MsgRef, reaction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.reactions[ref]
	for i, r := range rs {
		if r == reaction {
			s.reactions[ref] = append(rs[:i], rs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Surface) ListReactions(ctx context.Context, ref surface.MsgRef) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reactions[ref]...), nil
}

// Inject delivers an inbound message to subscribers, as the platform
// would. Test hook.
func (s *Surface) Inject(ctx context.Context, msg surface.Message) {
	s.mu.Lock()
	subs := append([]*subscription(nil), s.handlers...)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.handler(ctx, msg)
	}
}

func (s *Surface) Subscribe(h surface.InboundHandler) (surface.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &subscription{s: s, handler: h}
	s.handlers = append(s.handlers, sub)
	return sub, nil
}

type subscription struct {
	s       *Surface
	handler surface.InboundHandler
}

func (sub *subscription) Stop() {
	sub.s.mu.Lock()
	defer sub.s.mu.Unlock()
	for i, h := range sub.s.handlers {
		if h == sub {
			sub.s.handlers = append(sub.s.handlers[:i], sub.s.handlers[i+1:]...)
			return
		}
	}
}

// StartOutput opens a stream that accumulates fragments into one message,
// sent on finalization. Fail flushes what accumulated with an error note.
func (s *Surface) StartOutput(ctx context.Context, session surface.SessionRef, opts surface.StartOutputOptions) (surface.OutputStream, error) {
	return &outputStream{s: s, session: session, replyTo: opts.ReplyTo}, nil
}

type outputStream struct {
	s       *Surface
	session surface.SessionRef
	replyTo surface.MsgRef

	mu        sync.Mutex
	buf       strings.Builder
	finalText string
	finalized bool
}

func (o *outputStream) PushDelta(ctx context.Context, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finalized {
		return surface.ErrStreamFinalized()
	}
	o.buf.WriteString(text)
	return nil
}

func (o *outputStream) PushFinal(ctx context.Context, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finalized {
		return surface.ErrStreamFinalized()
	}
	o.finalText = text
	return nil
}

func (o *outputStream) PushBinary(ctx context.Context, name, mediaType string, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finalized {
		return surface.ErrStreamFinalized()
	}
	o.buf.WriteString("[attachment: " + name + " (" + mediaType + ")]")
	return nil
}

func (o *outputStream) PushToolProgress(ctx context.Context, name, status, detail string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finalized {
		return surface.ErrStreamFinalized()
	}
	return nil
}

func (o *outputStream) Finalize(ctx context.Context) error {
	o.mu.Lock()
	if o.finalized {
		o.mu.Unlock()
		return surface.ErrStreamFinalized()
	}
	o.finalized = true
	text := o.finalText
	if text == "" {
		text = o.buf.String()
	}
	o.mu.Unlock()

	if text == "" {
		return nil
	}
	_, err := o.s.SendMsg(ctx, o.session, text, surface.SendOptions{ReplyTo: o.replyTo})
	return err
}

func (o *outputStream) Fail(ctx context.Context, cause error) error {
	o.mu.Lock()
	if o.finalized {
		o.mu.Unlock()
		return nil
	}
	o.finalized = true
	text := o.buf.String()
	o.mu.Unlock()

	if text != "" {
		text += "\n"
	}
	text += "(output interrupted: " + cause.Error() + ")"
	_, err := o.s.SendMsg(ctx, o.session, text, surface.SendOptions{ReplyTo: o.replyTo})
	return err
}
