package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polysniper/internal/domain"
)

// unlockLua deletes the key only while it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua resets the TTL only while the key still holds the caller's token.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager with SET NX and token-checked
// release.
type LockManager struct {
	c        *Client
	unlockSc *redis.Script
	extendSc *redis.Script
	logger   *slog.Logger
}

// NewLockManager creates a LockManager backed by c.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	return &LockManager{
		c:        c,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
		logger:   logger.With(slog.String("component", "redis_lock")),
	}
}

// Acquire takes the lock for key, or returns domain.ErrLockHeld.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lock, error) {
	token := uuid.New().String()
	lk := lm.c.key("lock", key)

	ok, err := lm.c.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	l := &lock{
		lm:    lm,
		key:   lk,
		token: token,
		ttl:   ttl,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		lost:  make(chan struct{}),
	}
	go l.refresh()
	return l, nil
}

// lock is a held key refreshed at a third of its TTL until released.
type lock struct {
	lm    *LockManager
	key   string
	token string
	ttl   time.Duration

	stop chan struct{}
	done chan struct{}
	lost chan struct{}
	once sync.Once
}

func (l *lock) Lost() <-chan struct{} { return l.lost }

func (l *lock) Release() {
	l.once.Do(func() {
		close(l.stop)
		<-l.done

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.lm.unlockSc.Run(ctx, l.lm.c.rdb, []string{l.key}, l.token).Err()
	})
}

// refresh extends the TTL until stopped. The lock counts as lost once the key
// holds another token, or once no refresh has succeeded for a full TTL.
func (l *lock) refresh() {
	defer close(l.done)
	interval := l.ttl / 3
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	lastOK := time.Now()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := l.lm.extendSc.Run(ctx, l.lm.c.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				l.lm.logger.Warn("lock refresh failed", slog.String("key", l.key), slog.String("error", err.Error()))
				if time.Since(lastOK) < l.ttl {
					continue
				}
			case n == 1:
				lastOK = time.Now()
				continue
			}
			l.lm.logger.Error("lock lost", slog.String("key", l.key))
			close(l.lost)
			return
		}
	}
}

var _ domain.LockManager = (*LockManager)(nil)
