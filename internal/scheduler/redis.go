package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Domenick1991/bookingengine/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultQueueKey = "sched:hold-expiry"
	defaultBatch    = 100
)

// RedisScheduler stores due times in a sorted set scored by unix millis,
// so pending tasks survive restarts and can be polled by any number of
// workers. A task is claimed by the worker whose ZREM removes it.
type RedisScheduler struct {
	client       *redis.Client
	queueKey     string
	attemptsKey  string
	pollInterval time.Duration
	batch        int64
	retry        RetryPolicy
	now          func() time.Time
	logger       *zap.Logger
}

func NewRedisScheduler(client *redis.Client, pollInterval time.Duration, retry RetryPolicy, logger *zap.Logger) *RedisScheduler {
	return &RedisScheduler{
		client:       client,
		queueKey:     defaultQueueKey,
		attemptsKey:  defaultQueueKey + ":attempts",
		pollInterval: pollInterval,
		batch:        defaultBatch,
		retry:        retry,
		now:          time.Now,
		logger:       logger,
	}
}

func (s *RedisScheduler) Schedule(ctx context.Context, key string, at time.Time) error {
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.queueKey, redis.Z{Score: score(at), Member: key})
	pipe.HDel(ctx, s.attemptsKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule %s: %w", key, err)
	}
	return nil
}

func (s *RedisScheduler) Cancel(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.queueKey, key)
	pipe.HDel(ctx, s.attemptsKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel %s: %w", key, err)
	}
	return nil
}

// Run polls for due tasks every pollInterval until ctx is cancelled.
func (s *RedisScheduler) Run(ctx context.Context, handle Handler) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if err := s.poll(ctx, handle); err != nil && ctx.Err() == nil {
			s.logger.Error("poll expiry queue", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *RedisScheduler) poll(ctx context.Context, handle Handler) error {
	keys, err := s.client.ZRangeByScore(ctx, s.queueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(score(s.now()), 'f', 0, 64),
		Count: s.batch,
	}).Result()
	if err != nil {
		return fmt.Errorf("range due tasks: %w", err)
	}

	for _, key := range keys {
		claimed, err := s.client.ZRem(ctx, s.queueKey, key).Result()
		if err != nil {
			return fmt.Errorf("claim %s: %w", key, err)
		}
		if claimed == 0 {
			// another worker took it, or it was cancelled
			continue
		}
		s.execute(ctx, handle, key)
	}
	return nil
}

func (s *RedisScheduler) execute(ctx context.Context, handle Handler, key string) {
	herr := handle(ctx, key)
	if herr == nil {
		metrics.ExpiryTasksTotal.WithLabelValues("fired").Inc()
		if err := s.client.HDel(ctx, s.attemptsKey, key).Err(); err != nil {
			s.logger.Warn("clear task attempts", zap.String("key", key), zap.Error(err))
		}
		return
	}

	attempt, err := s.client.HIncrBy(ctx, s.attemptsKey, key, 1).Result()
	if err != nil {
		s.logger.Error("record task attempt", zap.String("key", key), zap.Error(err))
		attempt = int64(s.retry.MaxAttempts)
	}

	delay, ok := s.retry.next(int(attempt))
	if !ok {
		metrics.ExpiryTasksTotal.WithLabelValues("dropped").Inc()
		s.logger.Error("scheduled task dropped", zap.String("key", key), zap.Int64("attempt", attempt), zap.Error(herr))
		_ = s.client.HDel(ctx, s.attemptsKey, key).Err()
		return
	}

	metrics.ExpiryTasksTotal.WithLabelValues("retried").Inc()
	s.logger.Warn("scheduled task failed, retrying",
		zap.String("key", key), zap.Int64("attempt", attempt), zap.Duration("delay", delay), zap.Error(herr))
	// NX keeps a Schedule that raced in after the claim.
	if err := s.client.ZAddNX(ctx, s.queueKey, redis.Z{Score: score(s.now().Add(delay)), Member: key}).Err(); err != nil {
		s.logger.Error("reschedule task", zap.String("key", key), zap.Error(err))
	}
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

var _ Runner = (*RedisScheduler)(nil)
