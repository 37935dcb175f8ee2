package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currency is an ISO 4217 code used for revenue reporting.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyGBP Currency = "GBP"
	CurrencyEUR Currency = "EUR"
)

// MoneySet expresses one amount in every reporting currency.
type MoneySet struct {
	USD decimal.Decimal
	GBP decimal.Decimal
	EUR decimal.Decimal
}

// In returns the amount for the given currency.
func (m MoneySet) In(currency Currency) decimal.Decimal {
	switch currency {
	case CurrencyGBP:
		return m.GBP
	case CurrencyEUR:
		return m.EUR
	default:
		return m.USD
	}
}

// Add sums two sets component-wise.
func (m MoneySet) Add(other MoneySet) MoneySet {
	return MoneySet{
		USD: m.USD.Add(other.USD),
		GBP: m.GBP.Add(other.GBP),
		EUR: m.EUR.Add(other.EUR),
	}
}

// OrderRevenue is the computed-once revenue snapshot of a paid order.
type OrderRevenue struct {
	ID             string
	OrderID        string
	OrganizationID string
	ClientID       string
	HomeCurrency   Currency
	PaymentMethod  PaymentMethod
	Total          MoneySet
	Discount       MoneySet
	Shipping       MoneySet
	Cost           MoneySet
	// SpotPriceUSD is the asset price used for crypto orders.
	SpotPriceUSD decimal.Decimal
	RateBucket   time.Time
	Categories   []CategoryRevenue
	CreatedAt    time.Time
}

// CategoryRevenue splits an order revenue snapshot by product category.
type CategoryRevenue struct {
	OrderID    string
	CategoryID string
	Revenue    MoneySet
	Cost       MoneySet
}

// ExchangeRate is the cross-rate row stored per UTC hour bucket.
type ExchangeRate struct {
	Bucket    time.Time
	USDToEUR  decimal.Decimal
	USDToGBP  decimal.Decimal
	Source    string
	FetchedAt time.Time
}

// RateBucket truncates a timestamp to the UTC hour used to key exchange rates.
func RateBucket(at time.Time) time.Time {
	return at.UTC().Truncate(time.Hour)
}
