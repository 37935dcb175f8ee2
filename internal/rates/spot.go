package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SpotWindow is the half-width of the price range searched around the paid timestamp.
const SpotWindow = time.Hour

// ErrNoSpotPrice indicates the price API returned no sample for the window.
var ErrNoSpotPrice = errors.New("rates: no spot price in window")

// DefaultAssetIDs maps settlement asset symbols to price API coin ids.
var DefaultAssetIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"LTC":  "litecoin",
	"USDT": "tether",
	"USDC": "usd-coin",
	"SOL":  "solana",
	"XMR":  "monero",
}

// SpotPriceClient reads historical USD prices from a CoinGecko compatible market_chart API.
type SpotPriceClient struct {
	api      *apiClient
	apiKey   string
	assetIDs map[string]string
}

// NewSpotPriceClient constructs a price client. assetIDs extends DefaultAssetIDs.
func NewSpotPriceClient(baseURL, apiKey string, assetIDs map[string]string, opts ...Option) (*SpotPriceClient, error) {
	api, err := newAPIClient(baseURL, opts)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]string, len(DefaultAssetIDs)+len(assetIDs))
	for symbol, id := range DefaultAssetIDs {
		ids[symbol] = id
	}
	for symbol, id := range assetIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids[strings.ToUpper(strings.TrimSpace(symbol))] = id
		}
	}
	return &SpotPriceClient{api: api, apiKey: strings.TrimSpace(apiKey), assetIDs: ids}, nil
}

type marketChartResponse struct {
	Prices [][]json.Number `json:"prices"`
}

// SpotPriceUSD returns the sample closest to at within [at-SpotWindow, at+SpotWindow].
func (c *SpotPriceClient) SpotPriceUSD(ctx context.Context, asset string, at time.Time) (decimal.Decimal, error) {
	symbol := strings.ToUpper(strings.TrimSpace(asset))
	coinID, ok := c.assetIDs[symbol]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("rates: unknown asset %q", asset)
	}

	at = at.UTC()
	query := url.Values{}
	query.Set("vs_currency", "usd")
	query.Set("from", strconv.FormatInt(at.Add(-SpotWindow).Unix(), 10))
	query.Set("to", strconv.FormatInt(at.Add(SpotWindow).Unix(), 10))
	if c.apiKey != "" {
		query.Set("x_cg_demo_api_key", c.apiKey)
	}

	var body marketChartResponse
	if err := c.api.getJSON(ctx, "/coins/"+url.PathEscape(coinID)+"/market_chart/range", query, &body); err != nil {
		return decimal.Decimal{}, err
	}
	return closestSample(body.Prices, at)
}

// closestSample picks the [millis, price] pair nearest to at. Ties keep the earlier sample.
func closestSample(samples [][]json.Number, at time.Time) (decimal.Decimal, error) {
	target := at.UnixMilli()
	var (
		best     decimal.Decimal
		bestDist int64 = -1
	)
	for _, sample := range samples {
		if len(sample) < 2 {
			continue
		}
		ts, err := sample[0].Float64()
		if err != nil {
			continue
		}
		price, err := decimal.NewFromString(sample[1].String())
		if err != nil || !price.IsPositive() {
			continue
		}
		dist := int64(ts) - target
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = price, dist
		}
	}
	if bestDist < 0 {
		return decimal.Decimal{}, ErrNoSpotPrice
	}
	return best, nil
}
