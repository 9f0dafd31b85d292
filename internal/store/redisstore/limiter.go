package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// INCR and EXPIRE in one round trip; the window starts at the first hit.
var fixedWindow = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
	return 0
end
return 1
`)

// Limiter is a fixed-window counter per key. A nil Limiter, or a limit of
// zero, allows everything.
type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

func NewLimiter(rdb *redis.Client, limit int, window time.Duration) *Limiter {
	if window < time.Second {
		window = time.Second
	}
	return &Limiter{rdb: rdb, limit: limit, window: window}
}

func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if l == nil || l.rdb == nil || l.limit <= 0 {
		return true, nil
	}
	n, err := fixedWindow.Run(ctx, l.rdb, []string{"conduit:ratelimit:" + key}, l.limit, int(l.window.Seconds())).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
