package service

import (
	"errors"
	"strings"
)

var (
	// ErrValidation agrupa errores de contrato del llamador (prompt vacio, hilo ausente).
	ErrValidation = errors.New("validation failed")
	// ErrEngineFailure envuelve fallas inesperadas del motor de generacion.
	ErrEngineFailure = errors.New("generation engine failure")
	// ErrPersistence envuelve rechazos de escritura del log de mensajes.
	ErrPersistence = errors.New("message log write failed")

	// Causas de cancelacion de un Handle. No son fallas: terminan en un evento aborted.
	ErrGenerationCancelled = errors.New("generation cancelled")
	ErrGenerationPreempted = errors.New("generation preempted by a newer request")
	ErrRegistryClosed      = errors.New("execution registry closed")

	ErrRateLimited = errors.New("rate limited")
)

// Mensajes visibles por el usuario. El detalle real solo va al log.
const (
	userFacingEngineError      = "Sorry, I could not generate a response. Please try again."
	userFacingTimeoutError     = "The assistant took too long to respond. Please try again."
	userFacingPersistenceError = "Sorry, your conversation could not be saved. Please try again."
	userFacingThreadNotFound   = "Conversation not found."
)

// ValidationMessage devuelve el detalle de un ErrValidation sin el prefijo del sentinel.
func ValidationMessage(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimPrefix(err.Error(), ErrValidation.Error()+": ")
}
