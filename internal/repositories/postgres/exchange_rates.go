package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
)

const (
	findExchangeRateQuery = `SELECT bucket, usd_eur, usd_gbp, source, fetched_at FROM exchange_rates WHERE bucket = $1`

	insertExchangeRateQuery = `INSERT INTO exchange_rates (bucket, usd_eur, usd_gbp, source, fetched_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (bucket) DO NOTHING`
)

// ExchangeRateRepository stores hourly cross-rates.
type ExchangeRateRepository struct {
	db *sql.DB
}

var _ repositories.ExchangeRateRepository = (*ExchangeRateRepository)(nil)

// NewExchangeRateRepository constructs an exchange rate repository over db.
func NewExchangeRateRepository(db *sql.DB) *ExchangeRateRepository {
	return &ExchangeRateRepository{db: db}
}

func (r *ExchangeRateRepository) FindByBucket(ctx context.Context, bucket time.Time) (domain.ExchangeRate, error) {
	const op = "exchange_rates.find"
	bucket = domain.RateBucket(bucket)
	var (
		rate    domain.ExchangeRate
		stored  time.Time
		fetched time.Time
	)
	err := conn(ctx, r.db).QueryRowContext(ctx, findExchangeRateQuery, bucket).Scan(
		&stored, &rate.USDToEUR, &rate.USDToGBP, &rate.Source, &fetched,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ExchangeRate{}, notFound(op, "no exchange rate for %s", bucket.Format(time.RFC3339))
		}
		return domain.ExchangeRate{}, WrapError(op, err)
	}
	rate.Bucket = stored.UTC()
	rate.FetchedAt = fetched.UTC()
	return rate, nil
}

// InsertIfAbsent writes the row unless another writer got there first, then returns the stored row.
func (r *ExchangeRateRepository) InsertIfAbsent(ctx context.Context, rate domain.ExchangeRate) (domain.ExchangeRate, error) {
	const op = "exchange_rates.insert"
	rate.Bucket = domain.RateBucket(rate.Bucket)
	_, err := conn(ctx, r.db).ExecContext(ctx, insertExchangeRateQuery,
		rate.Bucket,
		rate.USDToEUR,
		rate.USDToGBP,
		rate.Source,
		rate.FetchedAt.UTC(),
	)
	if err != nil {
		return domain.ExchangeRate{}, WrapError(op, err)
	}
	return r.FindByBucket(ctx, rate.Bucket)
}
