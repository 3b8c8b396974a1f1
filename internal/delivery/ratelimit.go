package delivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Window is the span the send rate limit is measured over.
const Window = time.Minute

// Limiter caps sends across all jobs and providers. A denied caller gets
// the time until the oldest send leaves the window.
type Limiter interface {
	Allow(ctx context.Context) (allowed bool, retryAfter time.Duration, err error)
	SetLimit(perMinute int)
}

// SlidingWindow is the in-process limiter. It keeps one timestamp per send
// and has its own lock, independent of the job queue.
type SlidingWindow struct {
	mu    sync.Mutex
	limit int
	sent  []time.Time
	now   func() time.Time
}

func NewSlidingWindow(perMinute int) *SlidingWindow {
	return &SlidingWindow{limit: perMinute, now: time.Now}
}

func (w *SlidingWindow) SetLimit(perMinute int) {
	w.mu.Lock()
	w.limit = perMinute
	w.mu.Unlock()
}

func (w *SlidingWindow) Allow(context.Context) (bool, time.Duration, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-Window)

	drop := 0
	for drop < len(w.sent) && !w.sent[drop].After(cutoff) {
		drop++
	}
	w.sent = w.sent[drop:]

	if w.limit <= 0 || len(w.sent) < w.limit {
		w.sent = append(w.sent, now)
		return true, 0, nil
	}
	return false, w.sent[0].Add(Window).Sub(now), nil
}

// KEYS[1] sorted set of send timestamps (ms)
// ARGV: now_ms, window_ms, limit, member
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)

local count = redis.call("ZCARD", key)
if limit <= 0 or count < limit then
    redis.call("ZADD", key, now, ARGV[4])
    redis.call("PEXPIRE", key, window)
    return {1, 0}
end

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
return {0, tonumber(oldest[2]) + window - now}
`

// RedisWindow shares the sliding window between instances through a Redis
// sorted set. The check and the insert run atomically in one Lua script.
type RedisWindow struct {
	client redis.Scripter
	key    string
	limit  atomic.Int64
	script *redis.Script
	now    func() time.Time
}

func NewRedisWindow(client redis.Scripter, key string, perMinute int) *RedisWindow {
	if key == "" {
		key = "pulseflow:ratelimit:sends"
	}
	w := &RedisWindow{
		client: client,
		key:    key,
		script: redis.NewScript(slidingWindowScript),
		now:    time.Now,
	}
	w.SetLimit(perMinute)
	return w
}

func (w *RedisWindow) SetLimit(perMinute int) {
	w.limit.Store(int64(perMinute))
}

func (w *RedisWindow) Allow(ctx context.Context) (bool, time.Duration, error) {
	now := w.now().UnixMilli()

	res, err := w.script.Run(ctx, w.client, []string{w.key},
		now,
		Window.Milliseconds(),
		w.limit.Load(),
		fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit check returned %d values", len(res))
	}

	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Millisecond, nil
}
