package rates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const stripeSource = "stripe"

// StripeLogger defines the logging contract for Stripe rate lookups.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeExchangeRateAPI interface {
	Get(id string, params *stripe.ExchangeRateParams) (*stripe.ExchangeRate, error)
}

// StripeSourceConfig configures the StripeSource.
type StripeSourceConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   StripeLogger
	Clock    func() time.Time
	API      stripeExchangeRateAPI
}

// StripeSource reads USD cross-rates from the Stripe exchange rate API. Stripe only exposes current
// rates, so the bucket time is recorded in logs but not sent upstream.
type StripeSource struct {
	api    stripeExchangeRateAPI
	clock  func() time.Time
	logger StripeLogger
}

// NewStripeSource constructs a Stripe backed QuoteSource.
func NewStripeSource(cfg StripeSourceConfig) (*StripeSource, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.API == nil {
		return nil, errors.New("stripe: api key is required")
	}

	api := cfg.API
	if api == nil {
		sc := client.New(apiKey, cfg.Backends)
		api = sc.ExchangeRates
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeSource{
		api: api,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *StripeSource) Quote(ctx context.Context, at time.Time) (Quote, error) {
	if s == nil {
		return Quote{}, errors.New("stripe: source is nil")
	}

	params := &stripe.ExchangeRateParams{}
	params.Context = ctx
	rate, err := s.api.Get(string(stripe.CurrencyUSD), params)
	if err != nil {
		s.logger(ctx, "stripe.exchange_rate.error", map[string]any{"error": err.Error()})
		return Quote{}, fmt.Errorf("%w: stripe exchange rate: %w", ErrUpstream, err)
	}

	quote := Quote{
		USDToEUR: decimal.NewFromFloat(rate.Rates[stripe.CurrencyEUR]),
		USDToGBP: decimal.NewFromFloat(rate.Rates[stripe.CurrencyGBP]),
		Source:   stripeSource,
	}
	if !quote.USDToEUR.IsPositive() || !quote.USDToGBP.IsPositive() {
		return Quote{}, fmt.Errorf("%w: stripe exchange rate missing eur or gbp", ErrUpstream)
	}

	if lag := s.clock().Sub(at.UTC()); lag > time.Hour {
		s.logger(ctx, "stripe.exchange_rate.stale_bucket", map[string]any{
			"bucket": at.UTC().Format(time.RFC3339),
			"lag":    lag.String(),
		})
	}
	return quote, nil
}
