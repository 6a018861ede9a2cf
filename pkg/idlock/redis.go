package idlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/goclaw/mnemo/pkg/logger"
)

// Compare-and-delete and compare-and-extend keep a client from touching a
// lock another client acquired after its lease expired.
const (
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`
	refreshScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) else return 0 end`
)

// RedisConfig configures a RedisLocker.
type RedisConfig struct {
	// KeyPrefix is prepended to every lock key.
	KeyPrefix string

	// TTL is the lease duration. Held locks are refreshed at TTL/3.
	TTL time.Duration

	// RetryInterval is the pause between acquisition attempts.
	RetryInterval time.Duration
}

// RedisLocker implements Locker with SET NX PX leases so that several
// processes sharing a store serialize runs for the same key.
type RedisLocker struct {
	client redis.Cmdable
	config RedisConfig
	logger logger.Logger
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client redis.Cmdable, config RedisConfig, log logger.Logger) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 50 * time.Millisecond
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RedisLocker{client: client, config: config, logger: log}, nil
}

// Lock acquires key, retrying until ctx ends. Redis errors are returned
// immediately.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := l.config.KeyPrefix + "lock:" + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.config.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("idlock: acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.config.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			rctx, cancel := context.WithTimeout(context.Background(), l.config.TTL)
			defer cancel()
			if err := l.client.Eval(rctx, releaseScript, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("idlock release failed", "key", key, "error", err)
			}
		})
	}, nil
}

func (l *RedisLocker) keepAlive(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.config.TTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.config.TTL/3)
			n, err := l.client.Eval(ctx, refreshScript, []string{redisKey}, token, l.config.TTL.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.logger.Warn("idlock refresh failed", "key", redisKey, "error", err)
				continue
			}
			if n == 0 {
				l.logger.Warn("idlock lease lost", "key", redisKey)
				return
			}
		}
	}
}
