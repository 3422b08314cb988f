package queue

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"
)

const lockPrefix = "sift:lock:"

// releaseScript deletes the lock only while it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockClient is the subset of a Redis client the locker needs.
type LockClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// RedisLocker takes a short-lived SETNX lock per message, tagged with a
// per-holder token. When Redis is unreachable it lets processing proceed.
type RedisLocker struct {
	rdb    LockClient
	ttl    time.Duration
	logger log.Logger
}

// NewRedisLocker creates a locker whose locks expire after ttl.
func NewRedisLocker(rdb LockClient, ttl time.Duration, logger log.Logger) *RedisLocker {
	if logger == nil {
		logger = log.Nop()
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, logger: logger}
}

// Acquire returns ok=false only when another holder owns the lock. The token
// must be handed back to Release; it is empty when Redis could not be reached.
func (l *RedisLocker) Acquire(ctx context.Context, id string) (string, bool) {
	token := ulid.Make().String()
	ok, err := l.rdb.SetNX(ctx, lockPrefix+id, token, l.ttl).Result()
	if err != nil {
		l.logger.Warn(ctx, "message lock unavailable, allowing processing", "message_id", id, "error", err)
		return "", true
	}
	if !ok {
		return "", false
	}
	return token, true
}

// Release drops the lock if it is still held under token. A lock that expired
// and was taken by another worker is left alone.
func (l *RedisLocker) Release(ctx context.Context, id, token string) {
	if token == "" {
		return
	}
	if err := releaseScript.Run(ctx, l.rdb, []string{lockPrefix + id}, token).Err(); err != nil {
		l.logger.Warn(ctx, "release message lock", "message_id", id, "error", err)
	}
}
