package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// InitStore picks the idempotency backend: Redis when a client is available
// so stored results survive restarts and are shared across instances, the
// in-process map otherwise.
func InitStore(rdb *redis.Client, logger *zap.Logger) Store {
	if rdb != nil {
		return NewRedisStore(rdb)
	}
	logger.Warn("Idempotency results held in process memory; they will not survive a restart")
	return NewMemoryStore()
}

// ResultTTL returns how long stored payment results stay replayable.
func ResultTTL() time.Duration {
	if value := os.Getenv("IDEMPOTENCY_TTL"); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return 24 * time.Hour
}

// RedisStore shares idempotency results across instances. Keys are
// namespaced under "idem:" so they coexist with other Redis users.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := s.rdb.Get(ctx, "idem:"+key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("idempotency get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("idempotency decode %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("idempotency encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, "idem:"+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency set %s: %w", key, err)
	}
	return nil
}
