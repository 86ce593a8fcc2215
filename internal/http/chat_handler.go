package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"agent-chat/internal/domain"
	"agent-chat/internal/repository"
	"agent-chat/internal/service"
	"agent-chat/internal/sse"
)

// HealthCheck verifica las dependencias de almacenamiento.
type HealthCheck func(ctx context.Context) error

// ChatHandler mantiene dependencias para hilos, streaming y cancelacion.
type ChatHandler struct {
	logger     *zap.Logger
	messages   *service.MessageService
	generation *service.GenerationService
	limiter    service.StreamRateLimiter
	health     HealthCheck
}

// NewChatHandler crea una instancia de ChatHandler. limiter y health son opcionales.
func NewChatHandler(
	logger *zap.Logger,
	messages *service.MessageService,
	generation *service.GenerationService,
	limiter service.StreamRateLimiter,
	health HealthCheck,
) *ChatHandler {
	return &ChatHandler{
		logger:     logger,
		messages:   messages,
		generation: generation,
		limiter:    limiter,
		health:     health,
	}
}

// ListThreads maneja GET /threads.
func (h *ChatHandler) ListThreads(c *gin.Context) {
	threads, err := h.messages.ListThreads(c.Request.Context(), GetResourceID(c))
	if err != nil {
		h.logger.Error("list threads failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list threads"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"threads": threads})
}

// CreateThread maneja POST /threads.
func (h *ChatHandler) CreateThread(c *gin.Context) {
	thread, err := h.messages.CreateThread(c.Request.Context(), GetResourceID(c))
	if err != nil {
		if errors.Is(err, service.ErrMessageInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		h.logger.Error("create thread failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create thread"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"thread": thread})
}

// GetThread maneja GET /threads/:id. Crea el hilo en el primer acceso.
func (h *ChatHandler) GetThread(c *gin.Context) {
	thread, messages, err := h.messages.LoadThread(c.Request.Context(), c.Param("id"), GetResourceID(c))
	if err != nil {
		h.respondThreadError(c, err, "could not load thread")
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread": thread, "messages": messages})
}

// PostMessage maneja POST /threads/:id/messages (persistencia fuera de banda).
func (h *ChatHandler) PostMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
		Role    string `json:"role"`
		Type    string `json:"type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid post message request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	msg, err := h.messages.Save(c.Request.Context(), GetResourceID(c), domain.Message{
		ThreadID: c.Param("id"),
		Role:     req.Role,
		Kind:     req.Type,
		Content:  req.Content,
	})
	if err != nil {
		h.respondThreadError(c, err, "could not save message")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// Stream maneja GET|POST /threads/:id/stream. Los errores previos a la generacion se
// responden como JSON; despues solo viajan eventos.
func (h *ChatHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	resourceID := GetResourceID(c)

	prompt := c.Query("prompt")
	if c.Request.Method == http.MethodPost && c.Request.Body != nil {
		var body struct {
			Prompt string `json:"prompt"`
		}
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			h.logger.Warn("invalid stream request", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if strings.TrimSpace(body.Prompt) != "" {
			prompt = body.Prompt
		}
	}

	req, err := h.generation.Prepare(ctx, service.GenerateRequest{
		ThreadID:   c.Param("id"),
		ResourceID: resourceID,
		Prompt:     prompt,
	})
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": service.ValidationMessage(err)})
			return
		}
		h.logger.Error("prepare stream failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start generation"})
		return
	}
	if err := h.messages.Authorize(ctx, req.ThreadID, resourceID); err != nil {
		h.respondThreadError(c, err, "could not start generation")
		return
	}
	if h.limiter != nil && !h.limiter.Allow(ctx, resourceID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": service.ErrRateLimited.Error()})
		return
	}

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		h.logger.Error("open event stream failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not open stream"})
		return
	}

	if err := h.generation.Run(ctx, req, writer); err != nil {
		h.logger.Warn("generation ended with error", zap.String("thread_id", req.ThreadID), zap.Error(err))
	}
}

// Abort maneja POST /api/abort/:threadId.
func (h *ChatHandler) Abort(c *gin.Context) {
	threadID := strings.TrimSpace(c.Param("threadId"))
	if threadID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Thread ID is required"})
		return
	}
	if err := h.messages.Authorize(c.Request.Context(), threadID, GetResourceID(c)); err != nil {
		h.respondThreadError(c, err, "could not abort generation")
		return
	}

	if h.generation.Cancel(threadID) {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Agent execution aborted successfully"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": false, "message": "No active agent execution found for this thread"})
}

// Healthz maneja GET /healthz.
func (h *ChatHandler) Healthz(c *gin.Context) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *ChatHandler) respondThreadError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrMessageInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	case errors.Is(err, service.ErrThreadForbidden), errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
	default:
		h.logger.Error(fallback, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
