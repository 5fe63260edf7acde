package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "governor:adm:"

type redisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and returns a Store implementation.
func NewRedisStore(addr, password string, db int) (Store, error) {
	opt := &redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisStore{client: client}, nil
}

// Scores are microseconds so they stay exact in a float64.
func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func (r *redisStore) Admit(ctx context.Context, key string, at time.Time, window time.Duration) error {
	zkey := keyPrefix + key
	pipe := r.client.TxPipeline()
	// members must be unique: several admissions can share a microsecond
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(at.UnixMicro()), Member: uuid.NewString()})
	pipe.ZRemRangeByScore(ctx, zkey, "-inf", score(at.Add(-window)))
	pipe.PExpire(ctx, zkey, window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis admit %s: %w", key, err)
	}
	return nil
}

func (r *redisStore) Admissions(ctx context.Context, key string, now time.Time, window time.Duration) ([]time.Time, error) {
	res, err := r.client.ZRangeByScoreWithScores(ctx, keyPrefix+key, &redis.ZRangeBy{
		Min: "(" + score(now.Add(-window)),
		Max: score(now),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis admissions %s: %w", key, err)
	}
	out := make([]time.Time, 0, len(res))
	for _, z := range res {
		out = append(out, time.UnixMicro(int64(z.Score)))
	}
	return out, nil
}

func (r *redisStore) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, keyPrefix+key).Err()
}

func (r *redisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisStore) Close() error {
	return r.client.Close()
}
