package redisstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mohammed-shakir/office-poi-cache/internal/cache"
)

const (
	defaultLockTTL  = 45 * time.Second
	defaultLockPoll = 25 * time.Millisecond
)

var releaseLock = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lock is a distributed per-key mutex built on SET NX PX. A holder that dies
// loses the lock after ttl.
type Lock struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

var _ cache.Locker = (*Lock)(nil)

func NewLock(c *Client, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Lock{rdb: c.rdb, prefix: DefaultPrefix + "lock:", ttl: ttl, poll: defaultLockPoll}
}

func (l *Lock) Mode() cache.MissLock { return cache.MissLockRedis }

func (l *Lock) Lock(ctx context.Context, key string) (func(), error) {
	rk := l.prefix + key
	token := uuid.NewString()

	t := time.NewTicker(l.poll)
	defer t.Stop()
	for {
		ok, err := l.rdb.SetNX(ctx, rk, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("lock %q: %w", key, ctxErr)
			}
			return nil, fmt.Errorf("redis SETNX %q: %w", rk, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %q: %w", key, ctx.Err())
		case <-t.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's ctx may already be done; a failed release is
			// reclaimed when the key expires
			rctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = releaseLock.Run(rctx, l.rdb, []string{rk}, token).Err()
		})
	}, nil
}
