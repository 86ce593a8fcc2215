package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"agent-chat/internal/domain"
)

var (
	ErrStreamingUnsupported = errors.New("sse: streaming not supported")
	ErrStreamClosed         = errors.New("sse: stream already terminated")
)

// Encode escribe un evento como registro "data: <json>" terminado en linea en blanco.
func Encode(w io.Writer, ev domain.StreamEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// Writer serializa StreamEvent sobre una respuesta HTTP, un evento por registro y con
// flush tras cada uno. Despues de un evento terminal rechaza nuevas escrituras.
type Writer struct {
	mu         sync.Mutex
	w          io.Writer
	flusher    http.Flusher
	terminated bool
}

// NewWriter prepara las cabeceras de text/event-stream. Debe llamarse antes de escribir el cuerpo.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// Send implementa service.EventSink.
func (s *Writer) Send(ev domain.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return ErrStreamClosed
	}
	if ev.IsTerminal() {
		s.terminated = true
	}
	if err := Encode(s.w, ev); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Terminated indica si ya se envio el evento terminal.
func (s *Writer) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}
