package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "optionsync:delivered:"

// RedisConfig configures a shared ledger.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisLedger shares delivery keys between ingestor replicas.
type RedisLedger struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisLedger connects and verifies the server is reachable.
func NewRedisLedger(ctx context.Context, cfg RedisConfig) (*RedisLedger, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisLedgerFromClient(rdb, cfg.TTL), nil
}

// NewRedisLedgerFromClient wraps an existing client. A zero ttl keeps keys for
// seven days.
func NewRedisLedgerFromClient(rdb *redis.Client, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisLedger{rdb: rdb, ttl: ttl}
}

func (l *RedisLedger) Seen(ctx context.Context, key string) (bool, error) {
	count, err := l.rdb.Exists(ctx, keyPrefix+key).Result()
	return count > 0, err
}

func (l *RedisLedger) Mark(ctx context.Context, key string) error {
	return l.rdb.SetNX(ctx, keyPrefix+key, "1", l.ttl).Err()
}

func (l *RedisLedger) Close() error {
	return l.rdb.Close()
}
