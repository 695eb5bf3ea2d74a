package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper protects the checkpoint Redis client with a circuit
// breaker. A cache miss (redis.Nil) is a normal outcome, not a failure.
type RedisWrapper struct {
	client  *redis.Client
	breaker *CircuitBreaker
}

// NewRedisWrapper wraps client with a named breaker.
func NewRedisWrapper(name string, client *redis.Client, config Config, logger *zap.Logger) *RedisWrapper {
	return &RedisWrapper{
		client:  client,
		breaker: New(name, Instrument(name, config), logger),
	}
}

func (w *RedisWrapper) execute(fn func() error) error {
	err := w.breaker.Execute(func() error {
		e := fn()
		if errors.Is(e, redis.Nil) {
			return nil
		}
		return e
	})
	if errors.Is(err, ErrOpenState) || errors.Is(err, ErrTooManyRequests) {
		RecordRejection(w.breaker.Name())
	}
	return err
}

// Get fetches a key. Returns redis.Nil on a miss.
func (w *RedisWrapper) Get(ctx context.Context, key string) (string, error) {
	var val string
	var missErr error
	err := w.execute(func() error {
		v, e := w.client.Get(ctx, key).Result()
		if errors.Is(e, redis.Nil) {
			missErr = e
			return e
		}
		val = v
		return e
	})
	if err != nil {
		return "", err
	}
	if missErr != nil {
		return "", missErr
	}
	return val, nil
}

// Set stores a key with a TTL.
func (w *RedisWrapper) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return w.execute(func() error {
		return w.client.Set(ctx, key, value, ttl).Err()
	})
}

// Del removes keys.
func (w *RedisWrapper) Del(ctx context.Context, keys ...string) error {
	return w.execute(func() error {
		return w.client.Del(ctx, keys...).Err()
	})
}

// Expire refreshes a key's TTL.
func (w *RedisWrapper) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return w.execute(func() error {
		return w.client.Expire(ctx, key, ttl).Err()
	})
}

// Ping checks connectivity.
func (w *RedisWrapper) Ping(ctx context.Context) error {
	return w.execute(func() error {
		return w.client.Ping(ctx).Err()
	})
}

// State exposes the underlying breaker state.
func (w *RedisWrapper) State() State { return w.breaker.State() }

// Close releases the underlying client.
func (w *RedisWrapper) Close() error { return w.client.Close() }
