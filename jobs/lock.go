package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only if the caller still holds it, so
// a lock that expired and was re-acquired elsewhere is never released by
// the old holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Lock is a single-holder distributed lock on a Redis key. The TTL bounds
// how long a crashed holder can block other instances.
type Lock struct {
	rdb redis.UniversalClient
	key string
	ttl time.Duration
}

// NewLock creates a lock on key with the given TTL.
func NewLock(rdb redis.UniversalClient, key string, ttl time.Duration) *Lock {
	return &Lock{rdb: rdb, key: key, ttl: ttl}
}

// Acquire attempts to take the lock. On success it returns an opaque holder
// token that must be passed to Release.
func (l *Lock) Acquire(ctx context.Context) (string, bool, error) {
	holder := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, holder, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return holder, ok, nil
}

// Release gives the lock up if this holder still owns it.
func (l *Lock) Release(ctx context.Context, holder string) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, holder).Err()
}
