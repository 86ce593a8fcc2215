package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"agent-chat/internal/domain"
)

// EventStream es un stream abierto de eventos. Close corta la conexion local.
type EventStream interface {
	Next() (domain.StreamEvent, error)
	Close() error
}

// Transport abstrae las tres llamadas del cliente al servidor.
type Transport interface {
	Open(ctx context.Context, threadID, prompt string) (EventStream, error)
	Abort(ctx context.Context, threadID string) (bool, error)
	Load(ctx context.Context, threadID string) ([]domain.Message, error)
}

const abortTimeout = 5 * time.Second

// Controller conduce un ciclo completo de la sesion sobre un Transport: envio, stream,
// cancelacion y recarga del transcript.
type Controller struct {
	logger    *zap.Logger
	transport Transport
	session   *Session
	onUpdate  func([]DisplayMessage)

	mu           sync.Mutex
	cancelStream context.CancelFunc
}

// NewController crea el controlador. onUpdate (opcional) recibe la lista visible tras cada cambio.
func NewController(logger *zap.Logger, transport Transport, session *Session, onUpdate func([]DisplayMessage)) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		logger:    logger,
		transport: transport,
		session:   session,
		onUpdate:  onUpdate,
	}
}

func (c *Controller) Session() *Session {
	return c.session
}

// Refresh carga el transcript autoritativo sin enviar nada.
func (c *Controller) Refresh(ctx context.Context) error {
	messages, err := c.transport.Load(ctx, c.session.ThreadID())
	if err != nil {
		return err
	}
	if err := c.session.Reload(messages); err != nil {
		return err
	}
	c.notify()
	return nil
}

// Send ejecuta un ciclo: mensaje optimista, stream, eventos y recarga. Bloquea hasta que
// la sesion vuelve a Idle.
func (c *Controller) Send(ctx context.Context, text string) error {
	if _, err := c.session.Submit(text); err != nil {
		return err
	}
	c.notify()

	streamCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelStream = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancelStream = nil
		c.mu.Unlock()
		cancel()
	}()

	runErr := c.consume(streamCtx, text)
	c.reload(ctx)
	return runErr
}

func (c *Controller) consume(ctx context.Context, prompt string) error {
	threadID := c.session.ThreadID()
	if c.session.State() == Finalizing {
		// Cancelado antes de abrir la conexion.
		return nil
	}

	stream, err := c.transport.Open(ctx, threadID, prompt)
	if err != nil {
		if ctx.Err() != nil {
			c.session.Cancel()
			return nil
		}
		c.logger.Warn("open stream failed", zap.String("thread_id", threadID), zap.Error(err))
		c.session.Fail(openErrorNote(err))
		c.notify()
		return err
	}
	defer stream.Close()

	for {
		ev, err := stream.Next()
		if err != nil {
			if ctx.Err() != nil || c.session.State() == Finalizing {
				c.session.Cancel()
				return nil
			}
			if errors.Is(err, io.EOF) {
				err = ErrProtocol
			}
			c.logger.Warn("stream interrupted", zap.String("thread_id", threadID), zap.Error(err))
			c.session.Fail(protocolErrorNote)
			c.notify()
			c.abortServer(threadID)
			return err
		}

		if err := c.session.HandleEvent(ev); err != nil {
			c.logger.Warn("protocol error", zap.String("thread_id", threadID), zap.Error(err))
			_ = stream.Close()
			c.notify()
			c.abortServer(threadID)
			return err
		}
		c.notify()
		if ev.IsTerminal() {
			return nil
		}
	}
}

// Cancel detiene la generacion en curso: corta la conexion local de inmediato y avisa al
// servidor por separado. Devuelve lo que responde el servidor.
func (c *Controller) Cancel(ctx context.Context) (bool, error) {
	if !c.session.Cancel() {
		return false, nil
	}
	c.mu.Lock()
	cancel := c.cancelStream
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.notify()

	ctx, done := context.WithTimeout(ctx, abortTimeout)
	defer done()
	return c.transport.Abort(ctx, c.session.ThreadID())
}

func (c *Controller) abortServer(threadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if _, err := c.transport.Abort(ctx, threadID); err != nil {
		c.logger.Warn("abort request failed", zap.String("thread_id", threadID), zap.Error(err))
	}
}

// reload siempre devuelve la sesion a Idle; si la carga falla conserva el transcript anterior.
func (c *Controller) reload(ctx context.Context) {
	threadID := c.session.ThreadID()
	loadCtx := context.WithoutCancel(ctx)
	messages, err := c.transport.Load(loadCtx, threadID)
	if err != nil {
		c.logger.Warn("reload transcript failed", zap.String("thread_id", threadID), zap.Error(err))
		messages = c.session.Transcript()
	}
	if err := c.session.Reload(messages); err != nil {
		c.logger.Error("reload rejected", zap.String("state", c.session.State().String()), zap.Error(err))
	}
	c.notify()
}

func (c *Controller) notify() {
	if c.onUpdate != nil {
		c.onUpdate(c.session.Messages())
	}
}

func openErrorNote(err error) string {
	var rejected *RejectedError
	if errors.As(err, &rejected) && rejected.Message != "" {
		return rejected.Message
	}
	return protocolErrorNote
}
