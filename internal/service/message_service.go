package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agent-chat/internal/domain"
	"agent-chat/internal/repository"
)

const threadListLimit = 100

// MessageService encapsula la lectura del transcript y la escritura de mensajes fuera del stream.
type MessageService struct {
	messages     repository.MessageRepository
	threads      repository.ThreadRepository
	historyLimit int
}

var (
	ErrMessageServiceNotConfigured = errors.New("message service not configured")
	ErrMessageInvalidInput         = errors.New("message invalid input")
	ErrThreadForbidden             = errors.New("thread belongs to another resource")
)

func NewMessageService(messages repository.MessageRepository, threads repository.ThreadRepository, historyLimit int) *MessageService {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &MessageService{messages: messages, threads: threads, historyLimit: historyLimit}
}

func (s *MessageService) configured() bool {
	return s != nil && s.messages != nil && s.threads != nil
}

// Save persiste un mensaje de usuario antes de abrir el stream. Crea el hilo si no existe.
func (s *MessageService) Save(ctx context.Context, resourceID string, msg domain.Message) (domain.Message, error) {
	if !s.configured() {
		return domain.Message{}, ErrMessageServiceNotConfigured
	}

	resourceID = strings.TrimSpace(resourceID)
	msg.ThreadID = strings.TrimSpace(msg.ThreadID)
	msg.Role = strings.TrimSpace(msg.Role)
	msg.Kind = strings.TrimSpace(msg.Kind)
	msg.Content = strings.TrimSpace(msg.Content)
	if msg.Role == "" {
		msg.Role = domain.RoleUser
	}
	if msg.Kind == "" {
		msg.Kind = domain.KindText
	}

	if resourceID == "" || msg.ThreadID == "" || msg.Content == "" {
		return domain.Message{}, ErrMessageInvalidInput
	}
	if !domain.ValidRole(msg.Role) || !domain.ValidKind(msg.Kind) {
		return domain.Message{}, ErrMessageInvalidInput
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	if _, err := s.ownedThread(ctx, msg.ThreadID, resourceID, true); err != nil {
		return domain.Message{}, err
	}
	saved, err := s.messages.Append(ctx, msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return saved, nil
}

// LoadThread obtiene o crea el hilo y devuelve sus ultimos mensajes en orden cronologico.
func (s *MessageService) LoadThread(ctx context.Context, threadID, resourceID string) (domain.Thread, []domain.Message, error) {
	if !s.configured() {
		return domain.Thread{}, nil, ErrMessageServiceNotConfigured
	}
	threadID = strings.TrimSpace(threadID)
	resourceID = strings.TrimSpace(resourceID)
	if threadID == "" || resourceID == "" {
		return domain.Thread{}, nil, ErrMessageInvalidInput
	}

	thread, err := s.ownedThread(ctx, threadID, resourceID, true)
	if err != nil {
		return domain.Thread{}, nil, err
	}
	messages, err := s.messages.ListLast(ctx, thread.ID, s.historyLimit)
	if err != nil {
		return domain.Thread{}, nil, fmt.Errorf("list messages: %w", err)
	}
	return thread, messages, nil
}

// ListThreads devuelve los hilos del recurso, el mas reciente primero.
func (s *MessageService) ListThreads(ctx context.Context, resourceID string) ([]domain.Thread, error) {
	if !s.configured() {
		return nil, ErrMessageServiceNotConfigured
	}
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return []domain.Thread{}, nil
	}
	return s.threads.ListByResource(ctx, resourceID, threadListLimit)
}

// CreateThread crea un hilo vacio con id nuevo (boton "New Chat").
func (s *MessageService) CreateThread(ctx context.Context, resourceID string) (domain.Thread, error) {
	if !s.configured() {
		return domain.Thread{}, ErrMessageServiceNotConfigured
	}
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return domain.Thread{}, ErrMessageInvalidInput
	}
	return s.threads.GetOrCreate(ctx, uuid.NewString(), resourceID)
}

// Authorize verifica que el hilo, si existe, pertenece al recurso.
func (s *MessageService) Authorize(ctx context.Context, threadID, resourceID string) error {
	if !s.configured() {
		return ErrMessageServiceNotConfigured
	}
	_, err := s.ownedThread(ctx, strings.TrimSpace(threadID), strings.TrimSpace(resourceID), false)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

func (s *MessageService) ownedThread(ctx context.Context, threadID, resourceID string, create bool) (domain.Thread, error) {
	var (
		thread domain.Thread
		err    error
	)
	if create {
		thread, err = s.threads.GetOrCreate(ctx, threadID, resourceID)
	} else {
		thread, err = s.threads.GetByID(ctx, threadID)
	}
	if err != nil {
		return domain.Thread{}, err
	}
	if thread.ResourceID != resourceID {
		return domain.Thread{}, ErrThreadForbidden
	}
	return thread, nil
}
