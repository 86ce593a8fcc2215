package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"agent-chat/internal/domain"
)

const (
	pebbleThreadPrefix   = "thread:"
	pebbleMessagePrefix  = "msg:"
	pebbleResourcePrefix = "resource:"
	pebbleSeqWidth       = 20
)

// PebbleLog implementa MessageRepository y ThreadRepository sobre pebble para
// despliegues de un solo nodo sin Postgres.
type PebbleLog struct {
	db *pebble.DB

	locksMu     sync.Mutex
	threadLocks map[string]*sync.Mutex
}

type pebbleThread struct {
	domain.Thread
	LastSeq uint64 `json:"lastSeq"`
}

// OpenPebbleLog abre (o crea) la base pebble en path.
func OpenPebbleLog(path string) (*PebbleLog, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleLog{
		db:          db,
		threadLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (l *PebbleLog) Close() error {
	return l.db.Close()
}

// threadLock devuelve el mutex de escritura del hilo (lo crea si no existe).
func (l *PebbleLog) threadLock(threadID string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	if m, ok := l.threadLocks[threadID]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.threadLocks[threadID] = m
	return m
}

func (l *PebbleLog) Append(_ context.Context, message domain.Message) (domain.Message, error) {
	message = withMessageDefaults(message)

	lock := l.threadLock(message.ThreadID)
	lock.Lock()
	defer lock.Unlock()

	thread, err := l.loadThread(message.ThreadID)
	if err != nil {
		return domain.Message{}, err
	}
	thread.LastSeq++
	thread.UpdatedAt = time.Now().UTC()

	msgVal, err := json.Marshal(message)
	if err != nil {
		return domain.Message{}, err
	}
	threadVal, err := json.Marshal(thread)
	if err != nil {
		return domain.Message{}, err
	}

	batch := l.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(messageKey(message.ThreadID, thread.LastSeq), msgVal, nil); err != nil {
		return domain.Message{}, err
	}
	if err := batch.Set(threadKey(message.ThreadID), threadVal, nil); err != nil {
		return domain.Message{}, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return domain.Message{}, err
	}
	return message, nil
}

func (l *PebbleLog) ListLast(_ context.Context, threadID string, n int) ([]domain.Message, error) {
	if n <= 0 {
		return []domain.Message{}, nil
	}
	prefix := []byte(pebbleMessagePrefix + threadID + ":")
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	reversed := make([]domain.Message, 0, n)
	for ok := iter.Last(); ok && len(reversed) < n; ok = iter.Prev() {
		if !isSeqSuffix(string(iter.Key()[len(prefix):])) {
			continue
		}
		var msg domain.Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		reversed = append(reversed, msg)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	messages := make([]domain.Message, len(reversed))
	for i, msg := range reversed {
		messages[len(reversed)-1-i] = msg
	}
	return messages, nil
}

func (l *PebbleLog) GetOrCreate(_ context.Context, threadID, resourceID string) (domain.Thread, error) {
	lock := l.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := l.loadThread(threadID)
	if err == nil {
		return existing.Thread, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.Thread{}, err
	}

	thread := pebbleThread{Thread: domain.NewThread(threadID, resourceID, time.Now().UTC())}
	val, err := json.Marshal(thread)
	if err != nil {
		return domain.Thread{}, err
	}
	batch := l.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(threadKey(threadID), val, nil); err != nil {
		return domain.Thread{}, err
	}
	if err := batch.Set(resourceKey(resourceID, thread.CreatedAt, threadID), []byte(threadID), nil); err != nil {
		return domain.Thread{}, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return domain.Thread{}, err
	}
	return thread.Thread, nil
}

func (l *PebbleLog) GetByID(_ context.Context, threadID string) (domain.Thread, error) {
	thread, err := l.loadThread(threadID)
	if err != nil {
		return domain.Thread{}, err
	}
	return thread.Thread, nil
}

func (l *PebbleLog) ListByResource(_ context.Context, resourceID string, limit int) ([]domain.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	prefix := []byte(pebbleResourcePrefix + resourceID + ":")
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	ids := make([]string, 0, limit)
	for ok := iter.Last(); ok && len(ids) < limit; ok = iter.Prev() {
		// Saltea claves de recursos cuyo id extiende el buscado (p.ej. "acme" vs "acme:bob").
		rest := string(iter.Key()[len(prefix):])
		if len(rest) <= pebbleSeqWidth || rest[pebbleSeqWidth] != ':' || !isSeqSuffix(rest[:pebbleSeqWidth]) {
			continue
		}
		ids = append(ids, string(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	threads := make([]domain.Thread, 0, len(ids))
	for _, id := range ids {
		thread, err := l.loadThread(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if thread.ResourceID != resourceID {
			continue
		}
		threads = append(threads, thread.Thread)
	}
	return threads, nil
}

func (l *PebbleLog) UpdateTitle(_ context.Context, threadID, title string) error {
	lock := l.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	thread, err := l.loadThread(threadID)
	if err != nil {
		return err
	}
	thread.Title = title
	thread.UpdatedAt = time.Now().UTC()
	val, err := json.Marshal(thread)
	if err != nil {
		return err
	}
	return l.db.Set(threadKey(threadID), val, pebble.Sync)
}

func (l *PebbleLog) loadThread(threadID string) (pebbleThread, error) {
	val, closer, err := l.db.Get(threadKey(threadID))
	if errors.Is(err, pebble.ErrNotFound) {
		return pebbleThread{}, ErrNotFound
	}
	if err != nil {
		return pebbleThread{}, err
	}
	defer closer.Close()

	var thread pebbleThread
	if err := json.Unmarshal(val, &thread); err != nil {
		return pebbleThread{}, fmt.Errorf("decode thread: %w", err)
	}
	return thread, nil
}

func threadKey(threadID string) []byte {
	return []byte(pebbleThreadPrefix + threadID)
}

func messageKey(threadID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%0*d", pebbleMessagePrefix, threadID, pebbleSeqWidth, seq))
}

func resourceKey(resourceID string, createdAt time.Time, threadID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%0*d:%s", pebbleResourcePrefix, resourceID, pebbleSeqWidth, createdAt.UnixNano(), threadID))
}

// isSeqSuffix descarta claves de hilos cuyo id extiende el prefijo buscado (p.ej. "a" vs "a:b").
func isSeqSuffix(s string) bool {
	if len(s) != pebbleSeqWidth || strings.ContainsRune(s, ':') {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
