package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"incident_collab/pkg/logger"
)

type RateLimitRepository interface {
	// Attempt регистрирует попытку в скользящем окне и сообщает,
	// укладывается ли она в лимит. Сама попытка учитывается до ответа:
	// отклоненные попытки тоже расходуют окно.
	Attempt(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type rateLimitRepository struct {
	redis *redis.Client
	log   logger.Logger
}

func NewRateLimitRepository(rdb *redis.Client, log logger.Logger) RateLimitRepository {
	return &rateLimitRepository{redis: rdb, log: log}
}

// Скользящее окно на sorted set: score - время попытки в наносекундах
func (r *rateLimitRepository) Attempt(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	cutoff := strconv.FormatInt(now.Add(-window).UnixNano(), 10)

	pipe := r.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", cutoff)
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Error("Rate limit check failed", "key", key, "error", err)
		return false, err
	}

	return countCmd.Val() < int64(limit), nil
}
