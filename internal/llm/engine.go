package llm

import (
	"context"
	"errors"

	"agent-chat/internal/domain"
)

var (
	ErrEmptyPrompt   = errors.New("llm empty prompt")
	ErrEmptyResponse = errors.New("llm empty response")
)

// Request es la entrada del motor de generacion.
type Request struct {
	Prompt       string
	ThreadID     string
	ResourceID   string
	Instructions string
	History      []domain.Message
}

// Engine define la capacidad del agente: respuesta completa o secuencia perezosa de fragmentos.
// La senal de cancelacion es el ctx; al dispararse, Recv devuelve un error que cumple
// errors.Is(err, context.Canceled).
type Engine interface {
	Generate(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream es finito y no reiniciable. Recv devuelve io.EOF al terminar.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// IsCanceled distingue la cancelacion de cualquier otra falla del motor.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
