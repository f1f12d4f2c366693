package circuitbreaker

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisOpTimeout = 1 * time.Second

// InitBreaker builds the payment-service breaker from the environment.
// BREAKER_SHARED=true backs it with Redis so all instances trip and recover
// together.
func InitBreaker(rdb *redis.Client, logger *zap.Logger) Breaker {
	threshold := getEnvInt("BREAKER_FAILURE_THRESHOLD", 5)
	resetTimeout := getEnvDuration("BREAKER_RESET_TIMEOUT", 30*time.Second)

	if getEnv("BREAKER_SHARED", "false") == "true" && rdb != nil {
		logger.Info("Circuit breaker state shared via Redis",
			zap.Int("failure_threshold", threshold),
			zap.Duration("reset_timeout", resetTimeout))
		return NewRedisBreaker(rdb, "payment-service", threshold, resetTimeout, logger)
	}

	return NewCircuitBreaker(threshold, resetTimeout)
}

// RedisBreaker keeps breaker state in Redis so every instance of the service
// observes the same open/closed decision. A Redis error is treated as closed:
// the local call proceeds rather than failing fast on cache trouble.
type RedisBreaker struct {
	rdb              *redis.Client
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	logger           *zap.Logger
}

func NewRedisBreaker(rdb *redis.Client, name string, failureThreshold int, resetTimeout time.Duration, logger *zap.Logger) *RedisBreaker {
	return &RedisBreaker{
		rdb:              rdb,
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		logger:           logger,
	}
}

func (rb *RedisBreaker) failuresKey() string {
	return fmt.Sprintf("breaker:%s:failures", rb.name)
}

func (rb *RedisBreaker) openUntilKey() string {
	return fmt.Sprintf("breaker:%s:open_until", rb.name)
}

func (rb *RedisBreaker) IsOpen() bool {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	val, err := rb.rdb.Get(ctx, rb.openUntilKey()).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		rb.logger.Warn("Breaker state read failed", zap.String("breaker", rb.name), zap.Error(err))
		return false
	}

	openUntil, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false
	}

	if time.Now().UnixMilli() < openUntil {
		return true
	}

	// Cool-down elapsed: close and reset so the next call is the trial.
	rb.rdb.Del(ctx, rb.openUntilKey(), rb.failuresKey())
	return false
}

func (rb *RedisBreaker) RecordFailure() {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	count, err := rb.rdb.Incr(ctx, rb.failuresKey()).Result()
	if err != nil {
		rb.logger.Warn("Breaker failure increment failed", zap.String("breaker", rb.name), zap.Error(err))
		return
	}

	if count >= int64(rb.failureThreshold) {
		openUntil := time.Now().Add(rb.resetTimeout).UnixMilli()
		if err := rb.rdb.Set(ctx, rb.openUntilKey(), openUntil, rb.resetTimeout).Err(); err != nil {
			rb.logger.Warn("Breaker open failed", zap.String("breaker", rb.name), zap.Error(err))
		}
	}
}

func (rb *RedisBreaker) RecordSuccess() {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := rb.rdb.Del(ctx, rb.failuresKey(), rb.openUntilKey()).Err(); err != nil {
		rb.logger.Warn("Breaker reset failed", zap.String("breaker", rb.name), zap.Error(err))
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
