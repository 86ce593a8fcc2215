package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// StreamRateLimiter limita la apertura de streams por recurso.
type StreamRateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

const redisStreamAllowScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`

type redisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type redisStreamRateLimiter struct {
	client redisEvaler
	window time.Duration
	max    int
	prefix string
}

// NewRedisStreamRateLimiter comparte la ventana entre replicas. Ante errores de redis deja pasar.
func NewRedisStreamRateLimiter(client *redis.Client, window time.Duration, max int) StreamRateLimiter {
	if client == nil {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 1
	}
	return &redisStreamRateLimiter{
		client: client,
		window: window,
		max:    max,
		prefix: "stream:rl:",
	}
}

func (l *redisStreamRateLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil || l.client == nil {
		return true
	}
	normalizedKey := strings.ToLower(strings.TrimSpace(key))
	if normalizedKey == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	seconds := int(l.window.Seconds())
	if seconds <= 0 {
		seconds = 60
	}
	count, err := l.client.Eval(ctx, redisStreamAllowScript, []string{l.prefix + normalizedKey}, seconds).Int()
	if err != nil {
		return true
	}
	return count <= l.max
}

type memoryStreamRateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	limit     rate.Limit
	burst     int
	limiters  map[string]*memoryLimiterEntry
	lastSweep time.Time
	now       func() time.Time
}

type memoryLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryStreamRateLimiter crea un rate limiter en memoria para un solo proceso: max
// aperturas por ventana por clave, con un token bucket por clave.
func NewMemoryStreamRateLimiter(window time.Duration, max int) StreamRateLimiter {
	return newMemoryStreamRateLimiter(window, max, time.Now)
}

func newMemoryStreamRateLimiter(window time.Duration, max int, now func() time.Time) *memoryStreamRateLimiter {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &memoryStreamRateLimiter{
		window:   window,
		limit:    rate.Every(window / time.Duration(max)),
		burst:    max,
		limiters: make(map[string]*memoryLimiterEntry),
		now:      now,
	}
}

func (l *memoryStreamRateLimiter) Allow(_ context.Context, key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)
	entry, ok := l.limiters[key]
	if !ok {
		entry = &memoryLimiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// sweep descarta claves sin uso por mas de una ventana; su bucket ya estaria lleno.
func (l *memoryStreamRateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) >= l.window {
			delete(l.limiters, key)
		}
	}
}

func (l *memoryStreamRateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
