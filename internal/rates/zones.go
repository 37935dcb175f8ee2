package rates

import (
	"strings"

	domain "github.com/commerce-dash/settlement/internal/domain"
)

// DefaultEuroCountries lists the ISO 3166 codes reported in EUR.
var DefaultEuroCountries = []string{
	"AT", "BE", "CY", "DE", "EE", "ES", "FI", "FR", "GR", "HR", "IE", "IT",
	"LT", "LU", "LV", "MT", "NL", "PT", "SI", "SK",
}

// CurrencyZones maps countries to their reporting home currency.
type CurrencyZones struct {
	euro map[string]struct{}
}

// NewCurrencyZones builds zones over the euro-area list. An empty list uses DefaultEuroCountries.
func NewCurrencyZones(euroCountries []string) *CurrencyZones {
	if len(euroCountries) == 0 {
		euroCountries = DefaultEuroCountries
	}
	zones := &CurrencyZones{euro: make(map[string]struct{}, len(euroCountries))}
	for _, code := range euroCountries {
		code = normalizeCountry(code)
		if code != "" {
			zones.euro[code] = struct{}{}
		}
	}
	return zones
}

// HomeCurrency returns GBP for GB, EUR for euro-area countries and USD otherwise.
func (z *CurrencyZones) HomeCurrency(country string) domain.Currency {
	country = normalizeCountry(country)
	if country == "GB" {
		return domain.CurrencyGBP
	}
	if z != nil {
		if _, ok := z.euro[country]; ok {
			return domain.CurrencyEUR
		}
	}
	return domain.CurrencyUSD
}

var defaultZones = NewCurrencyZones(nil)

// BucketForCountry resolves the home currency with the default euro-area list.
func BucketForCountry(country string) domain.Currency {
	return defaultZones.HomeCurrency(country)
}

func normalizeCountry(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
