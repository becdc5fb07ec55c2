package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "confidant:"

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed bool
	Used    int64
	Limit   int64
	ResetAt time.Time
}

func (d Decision) Remaining() int64 {
	if d.Limit <= 0 || d.Used >= d.Limit {
		return 0
	}
	return d.Limit - d.Used
}

// RateLimiter counts messages per chat and user in fixed hourly windows.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

// Allow records one message. A non-positive limit disables limiting.
func (r *RateLimiter) Allow(ctx context.Context, chatID, userID int64, now time.Time) (Decision, error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	if r.limit <= 0 {
		return Decision{Allowed: true, ResetAt: windowEnd}, nil
	}
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("%sratelimit:%d:%d:%s", keyPrefix, chatID, userID, windowStart.Format("2006010215"))
	used, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	return Decision{Allowed: used <= r.limit, Used: used, Limit: r.limit, ResetAt: windowEnd}, nil
}

// Deduplicator remembers ids it has seen for ttl. Telegram redelivers
// webhook updates and callback queries on timeouts.
type Deduplicator struct {
	redis *redis.Client
	ttl   time.Duration
	scope string
}

func NewUpdateDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	return &Deduplicator{redis: rdb, ttl: ttl, scope: "update"}
}

func NewCallbackDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	return &Deduplicator{redis: rdb, ttl: ttl, scope: "callback"}
}

// MarkFirst reports whether id is new within the dedupe window.
func (d *Deduplicator) MarkFirst(ctx context.Context, id string) (bool, error) {
	key := fmt.Sprintf("%s%s:%s", keyPrefix, d.scope, id)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
