package market

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// MarketType distinguishes spot and derivatives feeds.
type MarketType string

const (
	Spot    MarketType = "spot"
	Futures MarketType = "futures"
)

// ParseMarketType normalizes a market type string, defaulting to spot.
func ParseMarketType(s string) MarketType {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "futures", "future", "perp", "perpetual", "swap", "linear":
		return Futures
	default:
		return Spot
	}
}

// Update is the normalized ingress record emitted by every provider.
// A nil pointer field means the record carries no update for that field.
type Update struct {
	ProviderID string
	MarketType MarketType
	Symbol     string
	Timestamp  int64 // ms

	Price           *float64
	OpenInterest    *float64
	OpenInterestTS  *int64 // ms
	Volume          *float64
	QuoteVolume     *float64
	MarkPrice       *float64
	FundingRate     *float64
	VolumeBuy       *float64
	VolumeSell      *float64
	VolumeBuyQuote  *float64
	VolumeSellQuote *float64
}

var symbolShape = regexp.MustCompile(`^[A-Z][A-Z0-9]*USDT$`)

// ValidSymbol reports whether a ticker has the expected USDT-quoted shape.
func ValidSymbol(symbol string) bool {
	return symbolShape.MatchString(symbol)
}

// Finite reports whether the pointed-to value is a usable finite number.
// Absent fields and NaN/Inf payloads are both "no data".
func Finite(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}

// FinitePositive reports whether the pointed-to value is finite and > 0.
func FinitePositive(v *float64) bool {
	return Finite(v) && *v > 0
}

// Float returns a pointer to v, for building Update records.
func Float(v float64) *float64 { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// ProviderID builds the canonical provider identity string.
func ProviderID(exchange string, mt MarketType) string {
	return fmt.Sprintf("%s-%s", exchange, mt)
}
