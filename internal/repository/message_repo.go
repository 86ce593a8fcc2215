package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"agent-chat/internal/domain"
)

var ErrNotFound = errors.New("not found")

// MessageRepository es el log de mensajes append-only por hilo.
type MessageRepository interface {
	Append(ctx context.Context, message domain.Message) (domain.Message, error)
	ListLast(ctx context.Context, threadID string, n int) ([]domain.Message, error)
}

type PgMessageRepository struct {
	pool *pgxpool.Pool
}

func NewPgMessageRepository(pool *pgxpool.Pool) *PgMessageRepository {
	return &PgMessageRepository{pool: pool}
}

func (r *PgMessageRepository) Append(ctx context.Context, message domain.Message) (domain.Message, error) {
	const query = `
		INSERT INTO messages (id, thread_id, role, kind, content, stopped, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	message = withMessageDefaults(message)
	_, err := r.pool.Exec(ctx, query,
		message.ID,
		message.ThreadID,
		message.Role,
		message.Kind,
		message.Content,
		message.Stopped,
		message.CreatedAt,
	)
	if err != nil {
		return domain.Message{}, err
	}
	return message, nil
}

func (r *PgMessageRepository) ListLast(ctx context.Context, threadID string, n int) ([]domain.Message, error) {
	if n <= 0 {
		return []domain.Message{}, nil
	}
	const query = `
		SELECT id, thread_id, role, kind, content, stopped, created_at
		FROM (
			SELECT id, thread_id, role, kind, content, stopped, created_at, seq
			FROM messages
			WHERE thread_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC
	`

	rows, err := r.pool.Query(ctx, query, threadID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]domain.Message, 0, n)
	for rows.Next() {
		var msg domain.Message
		err = rows.Scan(
			&msg.ID,
			&msg.ThreadID,
			&msg.Role,
			&msg.Kind,
			&msg.Content,
			&msg.Stopped,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

func withMessageDefaults(message domain.Message) domain.Message {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.Kind == "" {
		message.Kind = domain.KindText
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	return message
}
