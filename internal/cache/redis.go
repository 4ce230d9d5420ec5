package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/bookingengine/config"
	"github.com/Domenick1991/bookingengine/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyPending      = "PROCESSING"
	departuresGenerationKey = "cache:departures:generation"
)

type RedisCache struct {
	client        *redis.Client
	departuresTTL time.Duration
}

func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
}

func NewRedisCache(client *redis.Client, departuresTTL time.Duration) *RedisCache {
	return &RedisCache{
		client:        client,
		departuresTTL: departuresTTL,
	}
}

// GetDepartures returns the cached listing for filter, or nil on a miss,
// along with the generation it was looked up in. A listing built after a
// miss must be stored with that generation.
func (c *RedisCache) GetDepartures(ctx context.Context, filter domain.DepartureFilter) ([]domain.Departure, int64, error) {
	generation, err := c.client.Get(ctx, departuresGenerationKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, err
	}

	data, err := c.client.Get(ctx, departuresKey(generation, filter)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, generation, nil
		}
		return nil, 0, err
	}

	var departures []domain.Departure
	if err := json.Unmarshal(data, &departures); err != nil {
		return nil, 0, err
	}
	return departures, generation, nil
}

// SetDepartures stores a listing under generation. If an invalidation
// happened since that generation was read, the entry is never served and
// just expires.
func (c *RedisCache) SetDepartures(ctx context.Context, filter domain.DepartureFilter, generation int64, departures []domain.Departure) error {
	payload, err := json.Marshal(departures)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, departuresKey(generation, filter), payload, c.departuresTTL).Err()
}

// InvalidateDepartures moves every reader to a fresh generation.
func (c *RedisCache) InvalidateDepartures(ctx context.Context) error {
	return c.client.Incr(ctx, departuresGenerationKey).Err()
}

// AcquireIdempotencyKey marks key as in progress. It returns false if the
// key is already known, along with the stored response, if any.
func (c *RedisCache) AcquireIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, []byte, error) {
	ok, err := c.client.SetNX(ctx, idempotencyKey(key), idempotencyPending, ttl).Result()
	if err != nil {
		return false, nil, err
	}
	if ok {
		return true, nil, nil
	}
	stored, err := c.client.Get(ctx, idempotencyKey(key)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, nil, err
	}
	if string(stored) == idempotencyPending {
		stored = nil
	}
	return false, stored, nil
}

func (c *RedisCache) CompleteIdempotencyKey(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	return c.client.Set(ctx, idempotencyKey(key), response, ttl).Err()
}

func (c *RedisCache) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	return c.client.Del(ctx, idempotencyKey(key)).Err()
}

func departuresKey(generation int64, filter domain.DepartureFilter) string {
	return fmt.Sprintf("cache:departures:g%d:status=%s:product=%s", generation, filter.Status, filter.ProductID)
}

func idempotencyKey(key string) string {
	return "idempotency:" + key
}
