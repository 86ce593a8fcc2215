package llm

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// MockClient permite tests sin llamar a un LLM real. Emite Chunks en orden; si Err no
// es nil falla despues de FailAfter fragmentos.
type MockClient struct {
	Chunks    []string
	Err       error
	FailAfter int
	Delay     time.Duration
	// Gate, si no es nil, bloquea cada fragmento hasta recibir un valor o la cancelacion.
	Gate chan struct{}

	mu       sync.Mutex
	requests []Request
}

// Generate devuelve la concatenacion de Chunks sin esperar a Gate ni Delay.
func (m *MockClient) Generate(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", ErrEmptyPrompt
	}
	m.record(req)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Err != nil {
		return "", m.Err
	}
	return strings.Join(m.Chunks, ""), nil
}

func (m *MockClient) Stream(ctx context.Context, req Request) (Stream, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	m.record(req)
	return &mockStream{ctx: ctx, mock: m}, nil
}

func (m *MockClient) record(req Request) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
}

// Requests devuelve las solicitudes recibidas hasta ahora.
func (m *MockClient) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

type mockStream struct {
	ctx  context.Context
	mock *MockClient
	sent int
}

func (s *mockStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.mock.Err != nil && s.sent >= s.mock.FailAfter {
		return "", s.mock.Err
	}
	if s.sent >= len(s.mock.Chunks) {
		return "", io.EOF
	}
	if s.mock.Gate != nil {
		select {
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		case <-s.mock.Gate:
		}
	}
	if s.mock.Delay > 0 {
		timer := time.NewTimer(s.mock.Delay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		case <-timer.C:
		}
	}
	chunk := s.mock.Chunks[s.sent]
	s.sent++
	return chunk, nil
}

func (s *mockStream) Close() error {
	return nil
}
