package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore shares admission windows across worker processes. Each key is a
// sorted set of event timestamps; eviction is a trim plus a key TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "dispatch:admission:"}
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

func (s *RedisStore) Count(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	now := time.Now()
	min := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	max := strconv.FormatInt(now.UnixMilli(), 10)

	count, err := s.client.ZCount(ctx, s.key(key), min, max).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to count admission window: %w", err)
	}
	if count == 0 {
		return 0, time.Time{}, nil
	}

	entries, err := s.client.ZRangeByScoreWithScores(ctx, s.key(key), &redis.ZRangeBy{
		Min: min, Max: max, Count: 1,
	}).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to read oldest admission event: %w", err)
	}

	var oldest time.Time
	if len(entries) > 0 {
		oldest = time.UnixMilli(int64(entries[0].Score))
	}
	return int(count), oldest, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int, error) {
	k := s.key(key)
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment shared counter: %w", err)
	}
	return int(incr.Val()), nil
}

func (s *RedisStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to clear shared key: %w", err)
	}
	return nil
}

func (s *RedisStore) Hold(ctx context.Context, key string, d time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), 1, d).Err(); err != nil {
		return fmt.Errorf("failed to open hold: %w", err)
	}
	return nil
}

// HoldRemaining maps the key's TTL to the remaining hold; PTTL answers
// negative for missing or persistent keys.
func (s *RedisStore) HoldRemaining(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read hold: %w", err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (s *RedisStore) Add(ctx context.Context, key string, at time.Time) error {
	k := s.key(key)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, k, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: uuid.NewString(),
	})
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(at.Add(-retention).UnixMilli(), 10))
	pipe.Expire(ctx, k, retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record admission event: %w", err)
	}
	return nil
}
