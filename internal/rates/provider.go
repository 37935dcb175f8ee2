package rates

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
)

// CrossRatesDeps bundles collaborators required to construct the cross-rate provider.
type CrossRatesDeps struct {
	Store  repositories.ExchangeRateRepository
	Source QuoteSource
	Cache  Cache
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// CrossRates resolves the stored rate row for an hour bucket: cache, then Postgres, then the live
// source. The first row written for a bucket wins so every snapshot in the hour agrees.
type CrossRates struct {
	store  repositories.ExchangeRateRepository
	source QuoteSource
	cache  Cache
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewCrossRates wires the read-through provider. Cache is optional.
func NewCrossRates(deps CrossRatesDeps) (*CrossRates, error) {
	if deps.Store == nil {
		return nil, errors.New("rates: exchange rate repository is required")
	}
	if deps.Source == nil {
		return nil, errors.New("rates: quote source is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &CrossRates{
		store:  deps.Store,
		source: deps.Source,
		cache:  deps.Cache,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// RateFor returns the row for the hour bucket containing at.
func (p *CrossRates) RateFor(ctx context.Context, at time.Time) (domain.ExchangeRate, error) {
	bucket := domain.RateBucket(at)

	if p.cache != nil {
		rate, ok, err := p.cache.Get(ctx, bucket)
		if err != nil {
			p.logger(ctx, "rates.cache.get_failed", map[string]any{"bucket": bucket.Format(time.RFC3339), "error": err.Error()})
		} else if ok {
			return rate, nil
		}
	}

	rate, err := p.store.FindByBucket(ctx, bucket)
	switch {
	case err == nil:
		p.remember(ctx, rate)
		return rate, nil
	case !isNotFound(err):
		return domain.ExchangeRate{}, fmt.Errorf("rates: load bucket: %w", err)
	}

	quote, err := p.source.Quote(ctx, bucket)
	if err != nil {
		return domain.ExchangeRate{}, err
	}
	stored, err := p.store.InsertIfAbsent(ctx, domain.ExchangeRate{
		Bucket:    bucket,
		USDToEUR:  quote.USDToEUR,
		USDToGBP:  quote.USDToGBP,
		Source:    quote.Source,
		FetchedAt: p.clock(),
	})
	if err != nil {
		return domain.ExchangeRate{}, fmt.Errorf("rates: store bucket: %w", err)
	}
	p.logger(ctx, "rates.bucket.fetched", map[string]any{
		"bucket": bucket.Format(time.RFC3339),
		"source": stored.Source,
	})
	p.remember(ctx, stored)
	return stored, nil
}

func (p *CrossRates) remember(ctx context.Context, rate domain.ExchangeRate) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Set(ctx, rate); err != nil {
		p.logger(ctx, "rates.cache.set_failed", map[string]any{"bucket": rate.Bucket.Format(time.RFC3339), "error": err.Error()})
	}
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
