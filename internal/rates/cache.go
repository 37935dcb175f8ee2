package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	domain "github.com/commerce-dash/settlement/internal/domain"
)

const (
	cacheKeyPrefix  = "settlement:rates:"
	defaultCacheTTL = 7 * 24 * time.Hour
)

// Cache stores cross-rate rows by hour bucket.
type Cache interface {
	Get(ctx context.Context, bucket time.Time) (domain.ExchangeRate, bool, error)
	Set(ctx context.Context, rate domain.ExchangeRate) error
}

type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisCache keeps rate rows in Redis as JSON. Rows are immutable once stored, so entries only
// expire to bound memory.
type RedisCache struct {
	client redisKV
	ttl    time.Duration
}

// NewRedisCache wraps a go-redis client.
func NewRedisCache(client redisKV, ttl time.Duration) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("rates: redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

type cachedRate struct {
	Bucket    time.Time       `json:"bucket"`
	USDToEUR  decimal.Decimal `json:"usdEur"`
	USDToGBP  decimal.Decimal `json:"usdGbp"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

func cacheKey(bucket time.Time) string {
	return cacheKeyPrefix + domain.RateBucket(bucket).Format(time.RFC3339)
}

func (c *RedisCache) Get(ctx context.Context, bucket time.Time) (domain.ExchangeRate, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(bucket)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ExchangeRate{}, false, nil
	}
	if err != nil {
		return domain.ExchangeRate{}, false, fmt.Errorf("rates: cache get: %w", err)
	}
	var row cachedRate
	if err := json.Unmarshal(raw, &row); err != nil {
		return domain.ExchangeRate{}, false, fmt.Errorf("rates: cache decode: %w", err)
	}
	return domain.ExchangeRate{
		Bucket:    row.Bucket.UTC(),
		USDToEUR:  row.USDToEUR,
		USDToGBP:  row.USDToGBP,
		Source:    row.Source,
		FetchedAt: row.FetchedAt.UTC(),
	}, true, nil
}

func (c *RedisCache) Set(ctx context.Context, rate domain.ExchangeRate) error {
	raw, err := json.Marshal(cachedRate{
		Bucket:    domain.RateBucket(rate.Bucket),
		USDToEUR:  rate.USDToEUR,
		USDToGBP:  rate.USDToGBP,
		Source:    rate.Source,
		FetchedAt: rate.FetchedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("rates: cache encode: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(rate.Bucket), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("rates: cache set: %w", err)
	}
	return nil
}
