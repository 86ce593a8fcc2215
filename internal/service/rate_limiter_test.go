package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type mockRedisEvaler struct {
	lastScript string
	lastKeys   []string
	lastArgs   []interface{}
	result     int64
	err        error
}

func (m *mockRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	m.lastScript = script
	m.lastKeys = keys
	m.lastArgs = args
	cmd := redis.NewCmd(ctx)
	if m.err != nil {
		cmd.SetErr(m.err)
		return cmd
	}
	cmd.SetVal(m.result)
	return cmd
}

func TestRedisStreamRateLimiterAllow(t *testing.T) {
	ctx := context.Background()

	t.Run("nil receiver fail-open", func(t *testing.T) {
		var l *redisStreamRateLimiter
		if !l.Allow(ctx, "user-1") {
			t.Fatalf("expected fail-open for nil limiter")
		}
	})

	t.Run("nil client returns nil limiter", func(t *testing.T) {
		if NewRedisStreamRateLimiter(nil, time.Minute, 3) != nil {
			t.Fatalf("expected nil limiter without client")
		}
	})

	t.Run("empty key rejected", func(t *testing.T) {
		l := &redisStreamRateLimiter{client: &mockRedisEvaler{result: 1}, window: time.Minute, max: 3, prefix: "stream:rl:"}
		if l.Allow(ctx, "   ") {
			t.Fatalf("expected empty key to be rejected")
		}
	})

	t.Run("allow when count within max", func(t *testing.T) {
		mock := &mockRedisEvaler{result: 2}
		l := &redisStreamRateLimiter{client: mock, window: 2 * time.Minute, max: 3, prefix: "stream:rl:"}
		if !l.Allow(ctx, " User-1 ") {
			t.Fatalf("expected allow when count <= max")
		}
		if len(mock.lastKeys) != 1 || mock.lastKeys[0] != "stream:rl:user-1" {
			t.Fatalf("unexpected key normalization, got %+v", mock.lastKeys)
		}
		if len(mock.lastArgs) != 1 || mock.lastArgs[0] != 120 {
			t.Fatalf("expected TTL seconds=120, got %+v", mock.lastArgs)
		}
		if mock.lastScript != redisStreamAllowScript {
			t.Fatalf("expected script to match")
		}
	})

	t.Run("deny when count exceeds max", func(t *testing.T) {
		l := &redisStreamRateLimiter{client: &mockRedisEvaler{result: 4}, window: time.Minute, max: 3, prefix: "stream:rl:"}
		if l.Allow(ctx, "user-1") {
			t.Fatalf("expected deny when count > max")
		}
	})

	t.Run("redis error fail-open", func(t *testing.T) {
		l := &redisStreamRateLimiter{client: &mockRedisEvaler{err: errors.New("redis down")}, window: time.Minute, max: 3, prefix: "stream:rl:"}
		if !l.Allow(ctx, "user-1") {
			t.Fatalf("expected fail-open on redis errors")
		}
	})
}

func TestMemoryStreamRateLimiter(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryStreamRateLimiter(time.Minute, 2)

	if !l.Allow(ctx, "r") || !l.Allow(ctx, "R ") {
		t.Fatalf("expected first two calls allowed")
	}
	if l.Allow(ctx, "r") {
		t.Fatalf("expected third call denied")
	}
	if !l.Allow(ctx, "other") {
		t.Fatalf("expected independent keys")
	}
	if l.Allow(ctx, "") {
		t.Fatalf("expected empty key rejected")
	}
}

func TestMemoryStreamRateLimiter_RefillsAndEvictsIdleKeys(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := newMemoryStreamRateLimiter(time.Minute, 2, func() time.Time { return now })

	if !l.Allow(ctx, "r") || !l.Allow(ctx, "r") || l.Allow(ctx, "r") {
		t.Fatalf("expected burst of two then deny")
	}

	now = now.Add(30 * time.Second)
	if !l.Allow(ctx, "r") {
		t.Fatalf("expected one open refilled after half a window")
	}
	if l.Allow(ctx, "r") {
		t.Fatalf("expected deny until the next refill")
	}

	for i := 0; i < 50; i++ {
		l.Allow(ctx, fmt.Sprintf("idle-%d", i))
	}
	if got := l.size(); got != 51 {
		t.Fatalf("expected 51 tracked keys, got %d", got)
	}

	now = now.Add(2 * time.Minute)
	if !l.Allow(ctx, "fresh") {
		t.Fatalf("expected fresh key allowed")
	}
	if got := l.size(); got != 1 {
		t.Fatalf("expected idle keys evicted, got %d", got)
	}
}
