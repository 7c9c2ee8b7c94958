package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisTimeout = 2 * time.Second

var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// Redis is a fixed-window counter shared across instances. When Redis is
// unreachable it degrades to a local in-memory window.
type Redis struct {
	client   redis.UniversalClient
	prefix   string
	fallback *Window
	logger   *slog.Logger
}

// NewRedis creates a Redis-backed counter. Keys are stored as prefix+"rl:"+key.
func NewRedis(client redis.UniversalClient, prefix string, logger *slog.Logger) *Redis {
	return &Redis{
		client:   client,
		prefix:   prefix + "rl:",
		fallback: NewWindow(),
		logger:   logger,
	}
}

func (r *Redis) Hit(ctx context.Context, key string, limit int, window time.Duration) Decision {
	if window <= 0 {
		window = time.Minute
	}
	if r.client == nil {
		return r.fallback.Hit(ctx, key, limit, window)
	}

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	res, err := windowScript.Run(ctx, r.client, []string{r.prefix + key}, window.Milliseconds()).Slice()
	if err != nil || len(res) < 2 {
		if r.logger != nil {
			attrs := []any{slog.String("key", key)}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			r.logger.WarnContext(ctx, "redis rate limit unavailable, using local window", attrs...)
		}
		return r.fallback.Hit(ctx, key, limit, window)
	}

	count, _ := res[0].(int64)
	ttlMs, _ := res[1].(int64)
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}
	return decide(int(count), limit, time.Now().Add(time.Duration(ttlMs)*time.Millisecond))
}

var _ Counter = (*Redis)(nil)
