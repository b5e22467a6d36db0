package pricing

import "math"

// ModelPrice is the USD price per 1000 input and output tokens.
type ModelPrice struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Table maps a model name to its price.
type Table map[string]ModelPrice

// Estimator converts token totals into USD cost and a tenant's local
// currency. Currency and exchange-rate tables are static configuration,
// not a live feed.
type Estimator struct {
	currencies map[string]string  // region code -> currency code
	rates      map[string]float64 // currency code -> units per USD
}

// NewEstimator builds an estimator. Nil maps select the built-in defaults;
// non-nil maps are merged over them so operators can override single entries.
func NewEstimator(currencies map[string]string, rates map[string]float64) *Estimator {
	e := &Estimator{
		currencies: make(map[string]string, len(defaultRegionalCurrencies)),
		rates:      make(map[string]float64, len(defaultExchangeRates)),
	}
	for k, v := range defaultRegionalCurrencies {
		e.currencies[k] = v
	}
	for k, v := range defaultExchangeRates {
		e.rates[k] = v
	}
	for k, v := range currencies {
		e.currencies[k] = v
	}
	for k, v := range rates {
		e.rates[k] = v
	}
	return e
}

// EstimateUSD prices a request from its total token count, assuming a
// 75% input / 25% output split. The split is an approximation used when
// only a combined count is available.
func (e *Estimator) EstimateUSD(price ModelPrice, totalTokens int64) float64 {
	tokens := float64(totalTokens)
	cost := (0.75*tokens/1000)*price.InputPer1K + (0.25*tokens/1000)*price.OutputPer1K
	return Round6(cost)
}

// Localize converts a USD cost into the region's currency. For USD regions
// (or unknown regions, which default to USD) the local cost is nil.
func (e *Estimator) Localize(costUSD float64, region string) (*float64, string) {
	currency, ok := e.currencies[region]
	if !ok {
		currency = "USD"
	}
	if currency == "USD" {
		return nil, currency
	}

	rate, ok := e.rates[currency]
	if !ok {
		rate = 1.0
	}
	local := Round6(costUSD * rate)
	return &local, currency
}

// Round6 rounds to six decimal places, the resolution used for billing.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

var defaultRegionalCurrencies = map[string]string{
	"NG": "NGN", "KE": "KES", "ZA": "ZAR", "GH": "GHS",
	"UG": "UGX", "TZ": "TZS", "RW": "RWF", "ET": "ETB",
	"EG": "EGP", "MA": "MAD", "US": "USD", "GB": "GBP",
	"EU": "EUR", "JP": "JPY", "CN": "CNY", "IN": "INR",
}

var defaultExchangeRates = map[string]float64{
	"NGN": 1650.0, "KES": 150.0, "ZAR": 18.5, "GHS": 12.0,
	"UGX": 3700.0, "TZS": 2500.0, "RWF": 1300.0, "ETB": 55.0,
	"EGP": 31.0, "MAD": 10.0, "USD": 1.0, "GBP": 0.79,
	"EUR": 0.92, "JPY": 150.0, "CNY": 7.2, "INR": 83.0,
}
