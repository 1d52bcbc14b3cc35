// Package lock provides a sweep lock shared by every process that polls the
// same channels.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tg_events/internal/domain"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisLock(ctx context.Context, cfg Config, logger *slog.Logger) (*RedisLock, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	logger.Info("connected to redis", "addr", cfg.Addr, "lock_key", cfg.Key)

	return &RedisLock{
		client: client,
		key:    cfg.Key,
		ttl:    cfg.TTL,
		logger: logger.With("component", "lock"),
	}, nil
}

// Acquire takes the lock or fails with domain.ErrSweepInProgress when another
// holder has it. The lock expires after the configured TTL if never released.
func (l *RedisLock) Acquire(ctx context.Context) (func(ctx context.Context) error, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("set lock: %w", err)
	}
	if !ok {
		return nil, domain.ErrSweepInProgress
	}

	l.logger.Debug("lock acquired", "key", l.key)

	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int()
		if err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
		if n == 0 {
			l.logger.Warn("lock expired before release", "key", l.key, "ttl", l.ttl)
		}
		return nil
	}, nil
}

func (l *RedisLock) Close() error {
	return l.client.Close()
}
