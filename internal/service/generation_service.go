package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agent-chat/internal/domain"
	"agent-chat/internal/llm"
	"agent-chat/internal/repository"
)

const (
	maxTitleRunes = 60
	titleTimeout  = 10 * time.Second
)

// EventSink recibe los eventos de una generacion en orden. Un error de Send (cliente
// desconectado) no detiene la generacion.
type EventSink interface {
	Send(ev domain.StreamEvent) error
}

// GenerateRequest describe una generacion. Prompt puede venir vacio si el mensaje del
// usuario ya fue persistido por otra via.
type GenerateRequest struct {
	ThreadID   string
	ResourceID string
	Prompt     string

	persisted bool
}

type GenerationOptions struct {
	Instructions    string
	HistoryLimit    int
	Timeout         time.Duration
	PersistPartial  bool
	MaxPromptTokens int
}

// GenerationService orquesta una generacion de punta a punta: registry, motor, relay de
// fragmentos y persistencia al terminar.
type GenerationService struct {
	logger   *zap.Logger
	engine   llm.Engine
	messages repository.MessageRepository
	threads  repository.ThreadRepository
	registry *Registry
	metrics  *Metrics
	opts     GenerationOptions
}

func NewGenerationService(
	logger *zap.Logger,
	engine llm.Engine,
	messages repository.MessageRepository,
	threads repository.ThreadRepository,
	registry *Registry,
	metrics *Metrics,
	opts GenerationOptions,
) *GenerationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	return &GenerationService{
		logger:   logger,
		engine:   engine,
		messages: messages,
		threads:  threads,
		registry: registry,
		metrics:  metrics,
		opts:     opts,
	}
}

// Prepare valida la solicitud y resuelve el prompt pendiente cuando llega vacio. No tiene
// efectos secundarios: los handlers lo usan para rechazar antes de abrir el stream.
func (s *GenerationService) Prepare(ctx context.Context, req GenerateRequest) (GenerateRequest, error) {
	req.ThreadID = strings.TrimSpace(req.ThreadID)
	req.ResourceID = strings.TrimSpace(req.ResourceID)
	req.Prompt = strings.TrimSpace(req.Prompt)

	if req.ThreadID == "" {
		return req, fmt.Errorf("%w: thread id is required", ErrValidation)
	}
	if req.ResourceID == "" {
		return req, fmt.Errorf("%w: resource id is required", ErrValidation)
	}
	if req.Prompt == "" {
		pending, err := s.pendingPrompt(ctx, req.ThreadID)
		if err != nil {
			return req, err
		}
		req.Prompt = pending
		req.persisted = true
	}
	if s.opts.MaxPromptTokens > 0 {
		tokens, err := llm.EstimateTokens(req.Prompt)
		if err != nil {
			s.logger.Warn("token estimate failed", zap.Error(err))
		} else if tokens > s.opts.MaxPromptTokens {
			return req, fmt.Errorf("%w: prompt is too long (%d tokens, max %d)", ErrValidation, tokens, s.opts.MaxPromptTokens)
		}
	}
	return req, nil
}

// pendingPrompt devuelve el ultimo mensaje del hilo si es un mensaje de usuario sin respuesta.
func (s *GenerationService) pendingPrompt(ctx context.Context, threadID string) (string, error) {
	last, err := s.messages.ListLast(ctx, threadID, 1)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if len(last) == 0 || last[0].Role != domain.RoleUser || strings.TrimSpace(last[0].Content) == "" {
		return "", fmt.Errorf("%w: prompt is empty and no pending user message exists", ErrValidation)
	}
	return last[0].Content, nil
}

// Run ejecuta una generacion y emite thinking, cero o mas chunk y exactamente un evento
// terminal. Devuelve nil para done y aborted; error para validacion o fallas.
func (s *GenerationService) Run(ctx context.Context, req GenerateRequest, sink EventSink) (err error) {
	req, err = s.Prepare(ctx, req)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			s.emit(sink, domain.ErrorEvent(ValidationMessage(err)))
		} else {
			s.logger.Error("prepare generation failed", zap.Error(err), zap.String("thread_id", req.ThreadID))
			s.emit(sink, domain.ErrorEvent(userFacingPersistenceError))
		}
		return err
	}

	// Las escrituras no dependen de que el cliente siga conectado.
	storeCtx := context.WithoutCancel(ctx)
	log := s.logger.With(zap.String("thread_id", req.ThreadID), zap.String("resource_id", req.ResourceID))

	thread, err := s.threads.GetOrCreate(storeCtx, req.ThreadID, req.ResourceID)
	if err != nil {
		log.Error("get or create thread failed", zap.Error(err))
		s.emit(sink, domain.ErrorEvent(userFacingPersistenceError))
		return fmt.Errorf("%w: get thread: %w", ErrPersistence, err)
	}
	if thread.ResourceID != req.ResourceID {
		log.Warn("stream opened on foreign thread")
		s.emit(sink, domain.ErrorEvent(userFacingThreadNotFound))
		return ErrThreadForbidden
	}
	// El handle se registra antes de guardar el mensaje del usuario: un cancel que llegue
	// durante esa escritura termina en aborted.
	handle := s.registry.Start(thread.ID)
	defer s.registry.Finish(handle)

	messageID := uuid.NewString()
	log = log.With(zap.String("message_id", messageID))
	started := time.Now()
	s.metrics.generationStarted()

	terminated := false
	defer func() {
		if r := recover(); r != nil {
			log.Error("generation panicked", zap.Any("panic", r))
			if terminated {
				return
			}
			s.metrics.generationFinished(outcomeError)
			s.emit(sink, domain.ErrorEvent(userFacingEngineError))
			err = fmt.Errorf("%w: panic: %v", ErrEngineFailure, r)
		}
	}()

	s.emit(sink, domain.ThinkingEvent())

	if !req.persisted {
		if _, err := s.messages.Append(storeCtx, domain.Message{
			ThreadID: thread.ID,
			Role:     domain.RoleUser,
			Kind:     domain.KindText,
			Content:  req.Prompt,
		}); err != nil {
			if handle.Cause() != nil {
				return s.interrupted(storeCtx, log, sink, handle, handle.Context(), thread.ID, messageID, "", err)
			}
			log.Error("persist user message failed", zap.Error(err))
			s.metrics.generationFinished(outcomeError)
			s.emit(sink, domain.ErrorEvent(userFacingPersistenceError))
			return fmt.Errorf("%w: user message: %w", ErrPersistence, err)
		}
	}
	if handle.Cause() != nil {
		return s.interrupted(storeCtx, log, sink, handle, handle.Context(), thread.ID, messageID, "", handle.Cause())
	}

	genCtx := handle.Context()
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(genCtx, s.opts.Timeout)
		defer cancel()
	}

	history, err := s.messages.ListLast(storeCtx, thread.ID, s.opts.HistoryLimit)
	if err != nil {
		log.Warn("load history failed", zap.Error(err))
		history = nil
	}

	var full strings.Builder
	chunks := 0
	stream, err := s.engine.Stream(genCtx, llm.Request{
		Prompt:       req.Prompt,
		ThreadID:     thread.ID,
		ResourceID:   req.ResourceID,
		Instructions: s.opts.Instructions,
		History:      history,
	})
	if err != nil {
		return s.interrupted(storeCtx, log, sink, handle, genCtx, thread.ID, messageID, "", err)
	}
	defer stream.Close()

	for {
		chunk, recvErr := stream.Recv()
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			return s.interrupted(storeCtx, log, sink, handle, genCtx, thread.ID, messageID, full.String(), recvErr)
		}
		if handle.Cause() != nil {
			// Cancelado entre fragmentos: el fragmento ya producido no se reenvia.
			return s.interrupted(storeCtx, log, sink, handle, genCtx, thread.ID, messageID, full.String(), handle.Cause())
		}
		if chunk == "" {
			continue
		}
		full.WriteString(chunk)
		chunks++
		s.metrics.chunkRelayed()
		s.emit(sink, domain.ChunkEvent(chunk, messageID))
	}

	fullText := full.String()
	if _, err := s.messages.Append(storeCtx, domain.Message{
		ID:       messageID,
		ThreadID: thread.ID,
		Role:     domain.RoleAssistant,
		Kind:     domain.KindText,
		Content:  fullText,
	}); err != nil {
		log.Error("persist assistant message failed", zap.Error(err))
		s.metrics.generationFinished(outcomeError)
		s.emit(sink, domain.ErrorEvent(userFacingPersistenceError))
		return fmt.Errorf("%w: assistant message: %w", ErrPersistence, err)
	}

	tokens, _ := llm.EstimateTokens(fullText)
	s.metrics.completionTokens(tokens)
	s.metrics.generationFinished(outcomeDone)
	s.emit(sink, domain.DoneEvent(fullText, messageID))
	terminated = true
	log.Info("generation done",
		zap.Int("chunks", chunks),
		zap.Int("completion_tokens", tokens),
		zap.Duration("duration", time.Since(started)),
	)

	if thread.Title == domain.DraftTitle {
		s.updateTitle(storeCtx, log, thread.ID, req.Prompt)
	}
	return nil
}

// interrupted resuelve las salidas no exitosas: cancelacion (aborted, con respuesta parcial
// segun la politica) o falla (error con mensaje generico).
func (s *GenerationService) interrupted(
	ctx context.Context,
	log *zap.Logger,
	sink EventSink,
	handle *Handle,
	genCtx context.Context,
	threadID, messageID, partial string,
	cause error,
) error {
	if handle.Cause() != nil {
		if partial != "" && s.opts.PersistPartial {
			if _, err := s.messages.Append(ctx, domain.Message{
				ID:       messageID,
				ThreadID: threadID,
				Role:     domain.RoleAssistant,
				Kind:     domain.KindText,
				Content:  partial,
				Stopped:  true,
			}); err != nil {
				log.Error("persist partial reply failed", zap.Error(err))
			}
		}
		s.metrics.generationFinished(outcomeAborted)
		s.emit(sink, domain.AbortedEvent(messageID))
		log.Info("generation aborted", zap.NamedError("cause", handle.Cause()), zap.Int("partial_len", len(partial)))
		return nil
	}

	s.metrics.generationFinished(outcomeError)
	if errors.Is(genCtx.Err(), context.DeadlineExceeded) {
		log.Warn("generation timed out", zap.Error(cause), zap.Duration("timeout", s.opts.Timeout))
		s.emit(sink, domain.ErrorEvent(userFacingTimeoutError))
		return fmt.Errorf("%w: %w", ErrEngineFailure, context.DeadlineExceeded)
	}
	log.Error("generation failed", zap.Error(cause))
	s.emit(sink, domain.ErrorEvent(userFacingEngineError))
	return fmt.Errorf("%w: %w", ErrEngineFailure, cause)
}

// updateTitle reemplaza el titulo borrador usando el motor; si falla usa el prompt truncado.
func (s *GenerationService) updateTitle(ctx context.Context, log *zap.Logger, threadID, prompt string) {
	title, err := s.generateTitle(ctx, threadID, prompt)
	title = cleanTitle(title)
	if err != nil || title == "" {
		if err != nil {
			log.Debug("title generation failed", zap.Error(err))
		}
		title = truncateRunes(prompt, maxTitleRunes)
	}
	if err := s.threads.UpdateTitle(ctx, threadID, title); err != nil {
		log.Warn("update thread title failed", zap.Error(err))
	}
}

// generateTitle aisla la llamada al motor: un panic aca no debe tocar un stream ya terminado.
func (s *GenerationService) generateTitle(ctx context.Context, threadID, prompt string) (title string, err error) {
	titleCtx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("title generation panicked: %v", r)
		}
	}()

	return s.engine.Generate(titleCtx, llm.Request{
		Prompt:       prompt,
		ThreadID:     threadID,
		Instructions: "Write a short title (at most six words) for a conversation that starts with the user's message. Reply with the title only.",
	})
}

// Cancel cancela la generacion activa del hilo. Devuelve false si no habia ninguna.
func (s *GenerationService) Cancel(threadID string) bool {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return false
	}
	cancelled := s.registry.Cancel(threadID)
	s.logger.Info("cancel requested", zap.String("thread_id", threadID), zap.Bool("cancelled", cancelled))
	return cancelled
}

// Shutdown cancela todas las generaciones en curso.
func (s *GenerationService) Shutdown() {
	s.registry.Clear()
}

func (s *GenerationService) emit(sink EventSink, ev domain.StreamEvent) {
	if sink == nil {
		return
	}
	if err := sink.Send(ev); err != nil {
		s.logger.Debug("stream event dropped", zap.String("type", ev.Type), zap.Error(err))
	}
}

func truncateRunes(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max]))
}
