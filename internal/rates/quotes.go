package rates

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a USD cross-rate pair from a rate source.
type Quote struct {
	USDToEUR decimal.Decimal
	USDToGBP decimal.Decimal
	Source   string
}

// QuoteSource fetches USD cross-rates valid at the given moment.
type QuoteSource interface {
	Quote(ctx context.Context, at time.Time) (Quote, error)
}

const currencyLayerSource = "currencylayer"

// CurrencyLayerClient reads quotes from a currencylayer compatible API. Buckets of the current
// hour use the live endpoint; older buckets use the daily historical endpoint.
type CurrencyLayerClient struct {
	api       *apiClient
	accessKey string
	clock     func() time.Time
}

// NewCurrencyLayerClient constructs a quote client.
func NewCurrencyLayerClient(baseURL, accessKey string, clock func() time.Time, opts ...Option) (*CurrencyLayerClient, error) {
	accessKey = strings.TrimSpace(accessKey)
	if accessKey == "" {
		return nil, errors.New("rates: currencylayer access key is required")
	}
	api, err := newAPIClient(baseURL, opts)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = time.Now
	}
	return &CurrencyLayerClient{api: api, accessKey: accessKey, clock: clock}, nil
}

type currencyLayerResponse struct {
	Success bool                       `json:"success"`
	Source  string                     `json:"source"`
	Quotes  map[string]decimal.Decimal `json:"quotes"`
	Error   *struct {
		Code int    `json:"code"`
		Info string `json:"info"`
	} `json:"error"`
}

func (c *CurrencyLayerClient) Quote(ctx context.Context, at time.Time) (Quote, error) {
	query := url.Values{}
	query.Set("access_key", c.accessKey)
	query.Set("source", "USD")
	query.Set("currencies", "EUR,GBP")

	path := "/live"
	at = at.UTC()
	if at.Before(c.clock().UTC().Truncate(time.Hour)) {
		path = "/historical"
		query.Set("date", at.Format(time.DateOnly))
	}

	var body currencyLayerResponse
	if err := c.api.getJSON(ctx, path, query, &body); err != nil {
		return Quote{}, err
	}
	if !body.Success {
		if body.Error != nil {
			return Quote{}, fmt.Errorf("%w: currencylayer %d: %s", ErrUpstream, body.Error.Code, body.Error.Info)
		}
		return Quote{}, fmt.Errorf("%w: currencylayer request failed", ErrUpstream)
	}

	quote := Quote{
		USDToEUR: body.Quotes["USDEUR"],
		USDToGBP: body.Quotes["USDGBP"],
		Source:   currencyLayerSource,
	}
	if !quote.USDToEUR.IsPositive() || !quote.USDToGBP.IsPositive() {
		return Quote{}, fmt.Errorf("%w: currencylayer response missing USDEUR or USDGBP", ErrUpstream)
	}
	return quote, nil
}
