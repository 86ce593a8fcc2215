package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"agent-chat/internal/domain"
	"agent-chat/internal/repository"
)

// memoryStore implementa los dos repositorios en memoria.
type memoryStore struct {
	mu       sync.Mutex
	threads  map[string]domain.Thread
	messages map[string][]domain.Message

	appendErr  error
	failRole   string
	threadErr  error
	titleCalls int

	// userGate bloquea el Append de mensajes de usuario; userEntered avisa que llego.
	userGate    chan struct{}
	userEntered chan struct{}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		threads:  map[string]domain.Thread{},
		messages: map[string][]domain.Message{},
	}
}

func (s *memoryStore) Append(_ context.Context, message domain.Message) (domain.Message, error) {
	if message.Role == domain.RoleUser && s.userGate != nil {
		s.userEntered <- struct{}{}
		<-s.userGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil && (s.failRole == "" || s.failRole == message.Role) {
		return domain.Message{}, s.appendErr
	}
	if _, ok := s.threads[message.ThreadID]; !ok {
		return domain.Message{}, repository.ErrNotFound
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.Kind == "" {
		message.Kind = domain.KindText
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	s.messages[message.ThreadID] = append(s.messages[message.ThreadID], message)
	return message, nil
}

func (s *memoryStore) ListLast(_ context.Context, threadID string, n int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[threadID]
	if n <= 0 {
		return []domain.Message{}, nil
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]domain.Message, len(all))
	copy(out, all)
	return out, nil
}

func (s *memoryStore) GetOrCreate(_ context.Context, threadID, resourceID string) (domain.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threadErr != nil {
		return domain.Thread{}, s.threadErr
	}
	if th, ok := s.threads[threadID]; ok {
		return th, nil
	}
	th := domain.NewThread(threadID, resourceID, time.Now().UTC())
	s.threads[threadID] = th
	return th, nil
}

func (s *memoryStore) GetByID(_ context.Context, threadID string) (domain.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return domain.Thread{}, repository.ErrNotFound
	}
	return th, nil
}

func (s *memoryStore) ListByResource(_ context.Context, resourceID string, limit int) ([]domain.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.Thread{}
	for _, th := range s.threads {
		if th.ResourceID == resourceID {
			out = append(out, th)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) UpdateTitle(_ context.Context, threadID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titleCalls++
	th, ok := s.threads[threadID]
	if !ok {
		return repository.ErrNotFound
	}
	th.Title = title
	th.UpdatedAt = time.Now().UTC()
	s.threads[threadID] = th
	return nil
}

func (s *memoryStore) snapshot(threadID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.messages[threadID]))
	copy(out, s.messages[threadID])
	return out
}

// recordingSink guarda los eventos y los publica en un canal para sincronizar tests.
type recordingSink struct {
	mu     sync.Mutex
	events []domain.StreamEvent
	ch     chan domain.StreamEvent
	err    error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan domain.StreamEvent, 128)}
}

func (s *recordingSink) Send(ev domain.StreamEvent) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.ch <- ev
	return s.err
}

func (s *recordingSink) Events() []domain.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StreamEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) types() []string {
	events := s.Events()
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func (s *recordingSink) waitFor(t *testing.T, eventType string) domain.StreamEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.ch:
			if ev.Type == eventType {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q event, got %v", eventType, s.types())
			return domain.StreamEvent{}
		}
	}
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for generation to finish")
		return nil
	}
}
