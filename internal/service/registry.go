package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Handle es la generacion viva de un hilo. Su Context es la senal de cancelacion que
// recibe el motor; context.Cause indica por que se cancelo.
type Handle struct {
	ThreadID string
	ID       string

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func (h *Handle) Context() context.Context {
	return h.ctx
}

// Cause devuelve la causa de cancelacion o nil si sigue activa.
func (h *Handle) Cause() error {
	if h.ctx.Err() == nil {
		return nil
	}
	return context.Cause(h.ctx)
}

// Registry mantiene como maximo un Handle vivo por hilo. Las operaciones sobre un mismo
// hilo son atomicas; hilos distintos no comparten locks.
type Registry struct {
	handles sync.Map // threadID -> *Handle
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Start cancela y retira el Handle previo del hilo (si existe) y registra uno nuevo.
// El anterior queda cancelado antes de que el nuevo sea visible.
func (r *Registry) Start(threadID string) *Handle {
	ctx, cancel := context.WithCancelCause(context.Background())
	h := &Handle{
		ThreadID: threadID,
		ID:       uuid.NewString(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for {
		if prev, ok := r.handles.Load(threadID); ok {
			old := prev.(*Handle)
			if r.handles.CompareAndDelete(threadID, old) {
				old.cancel(ErrGenerationPreempted)
			}
			continue
		}
		if _, loaded := r.handles.LoadOrStore(threadID, h); !loaded {
			return h
		}
	}
}

// Cancel senala la cancelacion del Handle del hilo y lo retira. Devuelve false si no
// habia generacion activa; no es un error.
func (r *Registry) Cancel(threadID string) bool {
	prev, ok := r.handles.LoadAndDelete(threadID)
	if !ok {
		return false
	}
	prev.(*Handle).cancel(ErrGenerationCancelled)
	return true
}

// Finish retira el Handle solo si sigue siendo el registrado para su hilo y libera su contexto.
func (r *Registry) Finish(h *Handle) {
	if h == nil {
		return
	}
	r.handles.CompareAndDelete(h.ThreadID, h)
	h.cancel(nil)
}

// Clear cancela y retira todos los Handles (apagado del proceso).
func (r *Registry) Clear() {
	r.handles.Range(func(key, _ any) bool {
		if prev, ok := r.handles.LoadAndDelete(key); ok {
			prev.(*Handle).cancel(ErrRegistryClosed)
		}
		return true
	})
}

// Active indica si el hilo tiene una generacion viva.
func (r *Registry) Active(threadID string) bool {
	_, ok := r.handles.Load(threadID)
	return ok
}

func (r *Registry) Len() int {
	n := 0
	r.handles.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
