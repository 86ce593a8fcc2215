package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"agent-chat/internal/domain"
)

type fakeStream struct {
	events chan domain.StreamEvent
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(events ...domain.StreamEvent) *fakeStream {
	s := &fakeStream{events: make(chan domain.StreamEvent, len(events)+8), closed: make(chan struct{})}
	for _, ev := range events {
		s.events <- ev
	}
	return s
}

func (s *fakeStream) Next() (domain.StreamEvent, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return domain.StreamEvent{}, io.EOF
		}
		return ev, nil
	case <-s.closed:
		return domain.StreamEvent{}, errors.New("use of closed connection")
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeTransport struct {
	mu         sync.Mutex
	stream     *fakeStream
	openErr    error
	loadErr    error
	transcript []domain.Message
	aborts     int
	lastPrompt string
	opened     chan struct{}
}

func (f *fakeTransport) Open(ctx context.Context, threadID, prompt string) (EventStream, error) {
	f.mu.Lock()
	f.lastPrompt = prompt
	f.mu.Unlock()
	if f.opened != nil {
		close(f.opened)
	}
	if f.openErr != nil {
		return nil, f.openErr
	}
	go func() {
		<-ctx.Done()
		f.stream.Close()
	}()
	return f.stream, nil
}

func (f *fakeTransport) Abort(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	return true, nil
}

func (f *fakeTransport) Load(context.Context, string) ([]domain.Message, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.transcript, nil
}

func (f *fakeTransport) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborts
}

func TestControllerSend_FullCycle(t *testing.T) {
	transport := &fakeTransport{
		stream: newFakeStream(
			domain.ThinkingEvent(),
			domain.ChunkEvent("Sunny", "m1"),
			domain.DoneEvent("Sunny", "m1"),
		),
		transcript: []domain.Message{
			msg("u1", domain.RoleUser, "Weather?"),
			msg("m1", domain.RoleAssistant, "Sunny"),
		},
	}
	var updates int
	c := NewController(nil, transport, New("t1", nil), func([]DisplayMessage) { updates++ })

	if err := c.Send(context.Background(), "Weather?"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if transport.lastPrompt != "Weather?" {
		t.Fatalf("expected prompt forwarded, got %q", transport.lastPrompt)
	}
	s := c.Session()
	if s.State() != Idle {
		t.Fatalf("expected idle, got %s", s.State())
	}
	got := statuses(s.Messages())
	if len(got) != 2 || got[0] != StatusPersisted || got[1] != StatusPersisted {
		t.Fatalf("expected reconciled transcript, got %v", got)
	}
	if updates < 4 {
		t.Fatalf("expected updates per event, got %d", updates)
	}
	if transport.abortCount() != 0 {
		t.Fatalf("abort must not be called on done")
	}
}

func TestControllerCancel_ClosesLocallyAndAborts(t *testing.T) {
	stream := newFakeStream(domain.ThinkingEvent(), domain.ChunkEvent("par", "m1"))
	transport := &fakeTransport{
		stream:     stream,
		transcript: []domain.Message{msg("u1", domain.RoleUser, "hi"), {ID: "m1", Role: domain.RoleAssistant, Content: "par", Stopped: true}},
	}
	chunkSeen := make(chan struct{})
	var once sync.Once
	c := NewController(nil, transport, New("t1", nil), func(list []DisplayMessage) {
		for _, m := range list {
			if m.Status == StatusProvisional && m.Content == "par" {
				once.Do(func() { close(chunkSeen) })
			}
		}
	})

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), "hi") }()

	select {
	case <-chunkSeen:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for chunk")
	}

	ok, err := c.Cancel(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected server abort success, got %v %v", ok, err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error after cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("send did not return after cancel")
	}

	select {
	case <-stream.closed:
	default:
		t.Fatalf("expected local stream closed")
	}
	if transport.abortCount() != 1 {
		t.Fatalf("expected one abort call, got %d", transport.abortCount())
	}
	if c.Session().State() != Idle {
		t.Fatalf("expected idle after reload")
	}
	if again, _ := c.Cancel(context.Background()); again {
		t.Fatalf("expected no-op cancel while idle")
	}
}

func TestControllerSend_ProtocolErrorAbortsServer(t *testing.T) {
	transport := &fakeTransport{
		stream: newFakeStream(domain.ChunkEvent("a", "m1"), domain.ChunkEvent("b", "other")),
	}
	c := NewController(nil, transport, New("t1", nil), nil)

	err := c.Send(context.Background(), "hi")
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if transport.abortCount() != 1 {
		t.Fatalf("expected abort after protocol error")
	}
	s := c.Session()
	if s.State() != Idle {
		t.Fatalf("expected idle, got %s", s.State())
	}
	list := s.Messages()
	if list[len(list)-1].Status != StatusError {
		t.Fatalf("expected error note, got %v", statuses(list))
	}
}

func TestControllerSend_PrematureEOF(t *testing.T) {
	stream := newFakeStream(domain.ThinkingEvent())
	close(stream.events)
	transport := &fakeTransport{stream: stream}
	c := NewController(nil, transport, New("t1", nil), nil)

	if err := c.Send(context.Background(), "hi"); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if transport.abortCount() != 1 {
		t.Fatalf("expected abort after premature end")
	}
}

func TestControllerSend_OpenRejected(t *testing.T) {
	transport := &fakeTransport{openErr: &RejectedError{StatusCode: 429, Message: "rate limited"}}
	c := NewController(nil, transport, New("t1", nil), nil)

	err := c.Send(context.Background(), "hi")
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	list := c.Session().Messages()
	if len(list) != 2 || list[0].Status != StatusUnconfirmed || list[1].Content != "rate limited" {
		t.Fatalf("expected unconfirmed message and error note, got %+v", list)
	}
	if _, err := c.Session().Submit("retry"); err != nil {
		t.Fatalf("expected new submission permitted, got %v", err)
	}
}

func TestControllerSend_LoadFailureStillIdle(t *testing.T) {
	transport := &fakeTransport{
		stream:  newFakeStream(domain.DoneEvent("", "m1")),
		loadErr: errors.New("server down"),
	}
	c := NewController(nil, transport, New("t1", nil), nil)

	if err := c.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Session().State() != Idle {
		t.Fatalf("expected idle despite reload failure")
	}
}

func TestControllerSend_RejectsWhileBusy(t *testing.T) {
	c := NewController(nil, &fakeTransport{}, New("t1", nil), nil)
	if err := c.Send(context.Background(), "  "); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	_, _ = c.Session().Submit("pending")
	if err := c.Send(context.Background(), "hi"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}
