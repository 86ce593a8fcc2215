package domain

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	KindText       = "text"
	KindToolCall   = "tool-call"
	KindToolResult = "tool-result"
)

// Message es inmutable una vez persistido. Stopped marca respuestas parciales
// guardadas tras una cancelacion.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	Role      string    `json:"role"`
	Kind      string    `json:"type"`
	Content   string    `json:"content"`
	Stopped   bool      `json:"stopped,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ValidRole indica si el rol es uno de los aceptados por el log de mensajes.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}

// ValidKind indica si el tipo de mensaje es conocido.
func ValidKind(kind string) bool {
	switch kind {
	case KindText, KindToolCall, KindToolResult:
		return true
	}
	return false
}
