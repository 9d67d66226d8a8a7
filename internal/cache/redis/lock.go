package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes the lock only while it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua pushes the expiry out only while the caller still holds the lock.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager with SET NX PX and a
// token-checked release. While a lock is held it is extended every third of
// its TTL, so an attempt that outlives the TTL does not lose its asset lock
// to another engine instance mid-flight.
type LockManager struct {
	c        *Client
	unlockSc *redis.Script
	extendSc *redis.Script
	logger   *slog.Logger
}

// NewLockManager creates a LockManager backed by c.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LockManager{
		c:        c,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
		logger:   logger.With(slog.String("component", "redis-lock")),
	}
}

// Acquire takes the lock for key or returns domain.ErrLockHeld. The returned
// unlock is safe to call more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token := uuid.NewString()
	lk := lm.c.key("lock:", key)
	rdb := lm.c.rdb

	ok, err := rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				extCtx, cancel := context.WithTimeout(context.Background(), ttl/3)
				n, err := lm.extendSc.Run(extCtx, rdb, []string{lk}, token, ttl.Milliseconds()).Int64()
				cancel()
				if err != nil {
					lm.logger.Warn("lock extend failed", slog.String("key", key), slog.String("error", err.Error()))
					continue
				}
				if n == 0 {
					lm.logger.Error("lock lost while held", slog.String("key", key))
					return
				}
			}
		}
	}()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			// the caller's ctx may already be done
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lm.unlockSc.Run(unlockCtx, rdb, []string{lk}, token).Err(); err != nil {
				lm.logger.Warn("lock release failed", slog.String("key", key), slog.String("error", err.Error()))
			}
		})
	}
	return unlock, nil
}

var _ domain.LockManager = (*LockManager)(nil)
