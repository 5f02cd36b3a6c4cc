package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/VladyslavBabiy/currency-wallet-service/internal/models"
)

const defaultRateKeyPrefix = "fx_rate:"

// ErrMiss returned when rate is not cached
var ErrMiss = errors.New("rate not cached")

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RateCache keeps exchange rates as decimal strings under 'fx_rate:FROM_TO' keys
type RateCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRateCache(client *redis.Client, ttl time.Duration) *RateCache {
	return &RateCache{
		client: client,
		ttl:    ttl,
		prefix: defaultRateKeyPrefix,
	}
}

func (c *RateCache) Key(from, to models.Currency) string {
	return c.prefix + string(from) + "_" + string(to)
}

func (c *RateCache) Get(ctx context.Context, from, to models.Currency) (decimal.Decimal, error) {
	raw, err := c.client.Get(ctx, c.Key(from, to)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return decimal.Zero, ErrMiss
	case err != nil:
		return decimal.Zero, fmt.Errorf("redis get: %w", err)
	}

	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("cached rate %q is malformed: %w", raw, err)
	}

	return rate, nil
}

func (c *RateCache) Set(ctx context.Context, from, to models.Currency, rate decimal.Decimal) error {
	err := c.client.Set(ctx, c.Key(from, to), rate.String(), c.ttl).Err()
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
