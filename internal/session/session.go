package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent-chat/internal/domain"
)

// State es la fase del ciclo de una conversacion abierta en el cliente.
type State int

const (
	Idle State = iota
	AwaitingConnection
	Streaming
	Finalizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingConnection:
		return "awaiting_connection"
	case Streaming:
		return "streaming"
	case Finalizing:
		return "finalizing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrEmptyInput = errors.New("session: empty input")
	ErrBusy       = errors.New("session: a generation is already in progress")
	ErrProtocol   = errors.New("session: protocol error")
)

// Status indica de donde viene un mensaje visible.
type Status string

const (
	StatusPersisted   Status = "persisted"
	StatusOptimistic  Status = "optimistic"
	StatusUnconfirmed Status = "unconfirmed"
	StatusProvisional Status = "provisional"
	StatusError       Status = "error"
)

const (
	// PlaceholderText se muestra mientras llega el primer fragmento.
	PlaceholderText = "Thinking..."

	defaultErrorNote  = "Something went wrong. Please try again."
	protocolErrorNote = "The connection was interrupted. Please try again."
)

type DisplayMessage struct {
	domain.Message
	Status Status `json:"status"`
}

// Session reconcilia tres fuentes: el transcript persistido, el mensaje optimista del
// usuario y la respuesta provisional armada con fragmentos. Es segura para uso concurrente.
type Session struct {
	mu       sync.Mutex
	threadID string
	state    State

	transcript  []domain.Message
	anchorID    string
	optimistic  *domain.Message
	unconfirmed []domain.Message
	provisional *domain.Message
	placeholder bool
	streamID    string
	errorNote   string
}

func New(threadID string, transcript []domain.Message) *Session {
	return &Session{
		threadID:   threadID,
		transcript: cloneMessages(transcript),
	}
}

func (s *Session) ThreadID() string {
	return s.threadID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript devuelve la ultima copia autoritativa cargada.
func (s *Session) Transcript() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.transcript)
}

// Submit agrega el mensaje optimista y pasa a AwaitingConnection.
func (s *Session) Submit(text string) (domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Message{}, ErrEmptyInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return domain.Message{}, ErrBusy
	}

	msg := domain.Message{
		ID:        "local-" + uuid.NewString(),
		ThreadID:  s.threadID,
		Role:      domain.RoleUser,
		Kind:      domain.KindText,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	}
	s.anchorID = ""
	if n := len(s.transcript); n > 0 {
		s.anchorID = s.transcript[n-1].ID
	}
	s.optimistic = &msg
	s.unconfirmed = nil
	s.errorNote = ""
	s.streamID = ""
	s.state = AwaitingConnection
	return msg, nil
}

// HandleEvent aplica un evento del stream. Un evento fuera de orden o con otro id deja la
// sesion en Finalizing y devuelve ErrProtocol.
func (s *Session) HandleEvent(ev domain.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != AwaitingConnection && s.state != Streaming {
		return s.protocolErrorLocked("%s event while %s", ev.Type, s.state)
	}

	switch ev.Type {
	case domain.EventThinking:
		if s.state != AwaitingConnection {
			return s.protocolErrorLocked("thinking after stream start")
		}
		s.state = Streaming
		s.provisional = s.newProvisionalLocked(PlaceholderText)
		s.placeholder = true
	case domain.EventChunk:
		if err := s.checkIDLocked(ev.ID); err != nil {
			return err
		}
		s.state = Streaming
		if s.provisional == nil {
			s.provisional = s.newProvisionalLocked("")
			s.placeholder = false
		}
		if ev.ID != "" {
			s.provisional.ID = ev.ID
		}
		if s.placeholder {
			s.provisional.Content = ev.Content
			s.placeholder = false
		} else {
			s.provisional.Content += ev.Content
		}
	case domain.EventDone, domain.EventAborted:
		if err := s.checkIDLocked(ev.ID); err != nil {
			return err
		}
		s.finalizeLocked("")
	case domain.EventError:
		note := strings.TrimSpace(ev.Message)
		if note == "" {
			note = defaultErrorNote
		}
		s.finalizeLocked(note)
	default:
		return s.protocolErrorLocked("unknown event type %q", ev.Type)
	}
	return nil
}

// Cancel detiene el render local: pasa a Finalizing sin esperar al servidor. La respuesta
// provisional queda visible, marcada como detenida, hasta el siguiente Reload.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != AwaitingConnection && s.state != Streaming {
		return false
	}
	if s.provisional != nil {
		if s.placeholder {
			s.provisional = nil
		} else {
			s.provisional.Stopped = true
		}
	}
	s.placeholder = false
	s.state = Finalizing
	return true
}

// Fail termina el ciclo con una nota de error (conexion rechazada o cortada).
func (s *Session) Fail(note string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Idle {
		return
	}
	if strings.TrimSpace(note) == "" {
		note = defaultErrorNote
	}
	s.finalizeLocked(note)
}

// Reload reemplaza el transcript por la copia autoritativa y vuelve a Idle. El mensaje
// optimista se empareja por rol, contenido y posicion despues del ultimo mensaje previo al
// envio; si no aparece queda marcado como no confirmado.
func (s *Session) Reload(transcript []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == AwaitingConnection || s.state == Streaming {
		return ErrBusy
	}

	s.transcript = cloneMessages(transcript)
	if s.optimistic != nil {
		if !s.matchOptimisticLocked() {
			s.unconfirmed = append(s.unconfirmed, *s.optimistic)
		}
		s.optimistic = nil
	}
	s.provisional = nil
	s.placeholder = false
	s.streamID = ""
	s.anchorID = ""
	s.state = Idle
	return nil
}

// Messages devuelve la lista a renderizar en orden.
func (s *Session) Messages() []DisplayMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]DisplayMessage, 0, len(s.transcript)+4)
	for _, m := range s.transcript {
		out = append(out, DisplayMessage{Message: m, Status: StatusPersisted})
	}
	for _, m := range s.unconfirmed {
		out = append(out, DisplayMessage{Message: m, Status: StatusUnconfirmed})
	}
	if s.optimistic != nil {
		out = append(out, DisplayMessage{Message: *s.optimistic, Status: StatusOptimistic})
	}
	if s.provisional != nil {
		out = append(out, DisplayMessage{Message: *s.provisional, Status: StatusProvisional})
	}
	if s.errorNote != "" {
		out = append(out, DisplayMessage{
			Message: domain.Message{ThreadID: s.threadID, Role: domain.RoleAssistant, Kind: domain.KindText, Content: s.errorNote},
			Status:  StatusError,
		})
	}
	return out
}

func (s *Session) matchOptimisticLocked() bool {
	start := 0
	if s.anchorID != "" {
		for i, m := range s.transcript {
			if m.ID == s.anchorID {
				start = i + 1
				break
			}
		}
	}
	for _, m := range s.transcript[start:] {
		if m.Role == s.optimistic.Role && m.Content == s.optimistic.Content {
			return true
		}
	}
	return false
}

func (s *Session) checkIDLocked(id string) error {
	if id == "" {
		return nil
	}
	if s.streamID == "" {
		s.streamID = id
		return nil
	}
	if id != s.streamID {
		return s.protocolErrorLocked("event for message %q while streaming %q", id, s.streamID)
	}
	return nil
}

func (s *Session) newProvisionalLocked(content string) *domain.Message {
	return &domain.Message{
		ID:        "provisional",
		ThreadID:  s.threadID,
		Role:      domain.RoleAssistant,
		Kind:      domain.KindText,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

func (s *Session) finalizeLocked(note string) {
	s.provisional = nil
	s.placeholder = false
	s.errorNote = note
	s.state = Finalizing
}

func (s *Session) protocolErrorLocked(format string, args ...any) error {
	if s.state == AwaitingConnection || s.state == Streaming {
		s.finalizeLocked(protocolErrorNote)
	}
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

func cloneMessages(in []domain.Message) []domain.Message {
	out := make([]domain.Message, len(in))
	copy(out, in)
	return out
}
