package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agent-chat/internal/domain"
)

// ThreadRepository gestiona los hilos de conversacion. GetOrCreate garantiza un unico
// hilo por identificador aun con accesos concurrentes.
type ThreadRepository interface {
	GetOrCreate(ctx context.Context, threadID, resourceID string) (domain.Thread, error)
	GetByID(ctx context.Context, threadID string) (domain.Thread, error)
	ListByResource(ctx context.Context, resourceID string, limit int) ([]domain.Thread, error)
	UpdateTitle(ctx context.Context, threadID, title string) error
}

type PgThreadRepository struct {
	pool *pgxpool.Pool
}

func NewPgThreadRepository(pool *pgxpool.Pool) *PgThreadRepository {
	return &PgThreadRepository{pool: pool}
}

func (r *PgThreadRepository) GetOrCreate(ctx context.Context, threadID, resourceID string) (domain.Thread, error) {
	const insert = `
		INSERT INTO threads (id, resource_id, title, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`

	thread := domain.NewThread(threadID, resourceID, time.Now().UTC())
	metadata, err := json.Marshal(thread.Metadata)
	if err != nil {
		return domain.Thread{}, err
	}
	if _, err := r.pool.Exec(ctx, insert,
		thread.ID,
		thread.ResourceID,
		thread.Title,
		metadata,
		thread.CreatedAt,
		thread.UpdatedAt,
	); err != nil {
		return domain.Thread{}, err
	}
	return r.GetByID(ctx, threadID)
}

func (r *PgThreadRepository) GetByID(ctx context.Context, threadID string) (domain.Thread, error) {
	const query = `
		SELECT id, resource_id, title, metadata, created_at, updated_at
		FROM threads
		WHERE id = $1
	`
	thread, err := scanThread(r.pool.QueryRow(ctx, query, threadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Thread{}, ErrNotFound
	}
	return thread, err
}

func (r *PgThreadRepository) ListByResource(ctx context.Context, resourceID string, limit int) ([]domain.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, resource_id, title, metadata, created_at, updated_at
		FROM threads
		WHERE resource_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, resourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	threads := make([]domain.Thread, 0)
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return threads, nil
}

func (r *PgThreadRepository) UpdateTitle(ctx context.Context, threadID, title string) error {
	const query = `
		UPDATE threads SET title = $2, updated_at = $3
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, threadID, title, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanThread(row pgx.Row) (domain.Thread, error) {
	var thread domain.Thread
	var metadata []byte
	if err := row.Scan(
		&thread.ID,
		&thread.ResourceID,
		&thread.Title,
		&metadata,
		&thread.CreatedAt,
		&thread.UpdatedAt,
	); err != nil {
		return domain.Thread{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &thread.Metadata); err != nil {
			return domain.Thread{}, err
		}
	}
	return thread, nil
}
