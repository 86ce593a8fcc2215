package domain

import "time"

// DraftTitle es el titulo de un hilo recien creado, antes de la primera respuesta.
const DraftTitle = "Draft"

type Thread struct {
	ID         string            `json:"id"`
	ResourceID string            `json:"resourceId"`
	Title      string            `json:"title"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// NewThread construye un hilo en estado borrador para el recurso dado.
func NewThread(id, resourceID string, now time.Time) Thread {
	return Thread{
		ID:         id,
		ResourceID: resourceID,
		Title:      DraftTitle,
		Metadata:   map[string]string{"category": "support"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
