package domain

import "encoding/json"

const (
	EventThinking = "thinking"
	EventChunk    = "chunk"
	EventDone     = "done"
	EventAborted  = "aborted"
	EventError    = "error"
)

// StreamEvent es la unidad del protocolo de streaming. Por generacion se emiten
// cero o mas chunk seguidos de exactamente un evento terminal.
type StreamEvent struct {
	Type         string `json:"type"`
	Content      string `json:"content,omitempty"`
	FullResponse string `json:"fullResponse,omitempty"`
	ID           string `json:"id,omitempty"`
	Message      string `json:"message,omitempty"`
}

// MarshalJSON mantiene fullResponse en done aunque la respuesta sea vacia.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	type wire StreamEvent
	if e.Type != EventDone {
		return json.Marshal(wire(e))
	}
	return json.Marshal(struct {
		wire
		FullResponse string `json:"fullResponse"`
	}{wire: wire(e), FullResponse: e.FullResponse})
}

func ThinkingEvent() StreamEvent {
	return StreamEvent{Type: EventThinking}
}

func ChunkEvent(content, messageID string) StreamEvent {
	return StreamEvent{Type: EventChunk, Content: content, ID: messageID}
}

func DoneEvent(fullResponse, messageID string) StreamEvent {
	return StreamEvent{Type: EventDone, FullResponse: fullResponse, ID: messageID}
}

func AbortedEvent(messageID string) StreamEvent {
	return StreamEvent{Type: EventAborted, ID: messageID}
}

func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Type: EventError, Message: message}
}

// IsTerminal indica si el evento cierra la generacion.
func (e StreamEvent) IsTerminal() bool {
	switch e.Type {
	case EventDone, EventAborted, EventError:
		return true
	}
	return false
}

// KnownEventType indica si el tipo pertenece al protocolo.
func KnownEventType(t string) bool {
	switch t {
	case EventThinking, EventChunk, EventDone, EventAborted, EventError:
		return true
	}
	return false
}
