package analysis

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"oi-watchdog/buckets"
	"oi-watchdog/metrics"
)

const (
	referenceSymbol = "BTCUSDT"

	// Correlation over the trailing half hour of minute returns.
	correlationLookback = 30
	correlationMin      = 8
	betaCorrThreshold   = 0.9
	betaBypassPercent   = 10.0

	regimeLookback   = 30
	emaTrendSlope    = 0.0008
	chopWidthPercent = 0.04
	lowSignalPercent = 5.0

	velocityBuckets = 3
)

// Market regimes assigned per symbol.
const (
	RegimeTrendingUp   = "trending_up"
	RegimeTrendingDown = "trending_down"
	RegimeRanging      = "ranging"
	RegimeVolatile     = "volatile"
)

// Assessment is the verdict for one fired signal.
type Assessment struct {
	Allowed        bool     `json:"allowed"`
	Reason         string   `json:"reason,omitempty"`
	BTCCorrelation *float64 `json:"btc_correlation,omitempty"`
	Regime         string   `json:"regime,omitempty"`
	OIVelocity     float64  `json:"oi_velocity,omitempty"`
}

// Filter is the optional decision layer between a fired trigger and the
// notification queue. It reads the same bucket history the metrics come
// from; disabled installs pass everything through.
type Filter struct {
	store *buckets.Store
	now   func() time.Time
}

// NewFilter creates the filter over the shared bucket store.
func NewFilter(store *buckets.Store) *Filter {
	return &Filter{store: store, now: time.Now}
}

// SetNowFunc overrides the clock for tests.
func (f *Filter) SetNowFunc(fn func() time.Time) {
	f.now = fn
}

// Assess evaluates one fired signal against the correlation, regime, and
// velocity gates. Gates that lack history abstain rather than block.
func (f *Filter) Assess(symbol string, m *metrics.Metrics) Assessment {
	out := Assessment{Allowed: true}
	if m == nil {
		return out
	}
	now := f.now().UnixMilli()

	if corr, ok := f.btcCorrelation(symbol, now); ok {
		out.BTCCorrelation = &corr
		if corr >= betaCorrThreshold && math.Abs(m.OIChangePercent) < betaBypassPercent {
			out.Allowed = false
			out.Reason = "move tracks the reference market"
		}
	}

	out.Regime = f.classifyRegime(symbol, now)
	if out.Allowed && out.Regime == RegimeVolatile && math.Abs(m.OIChangePercent) < lowSignalPercent {
		out.Allowed = false
		out.Reason = "weak signal in volatile regime"
	}

	out.OIVelocity = f.oiVelocity(symbol, now)
	if out.Allowed && out.OIVelocity != 0 && m.OIChangePercent != 0 &&
		math.Signbit(out.OIVelocity) != math.Signbit(m.OIChangePercent) {
		out.Allowed = false
		out.Reason = "oi already reverting"
	}

	if !out.Allowed {
		log.Debug().Str("symbol", symbol).Str("reason", out.Reason).Msg("Signal filtered")
	}
	return out
}

// Allow is the boolean form used on the fire path.
func (f *Filter) Allow(symbol string, m *metrics.Metrics) bool {
	return f.Assess(symbol, m).Allowed
}

// minuteReturns extracts percent returns from the trailing coarse buckets.
func (f *Filter) minuteReturns(symbol string, nowMs int64, lookback int) []float64 {
	from := nowMs - int64(lookback)*int64(buckets.Res60s)
	bs := f.store.BucketsInRange(symbol, from, nowMs, buckets.Res60s)

	closes := make([]float64, 0, len(bs))
	for _, b := range bs {
		if buckets.IsSet(b.PriceClose) && b.PriceClose > 0 {
			closes = append(closes, b.PriceClose)
		}
	}
	if len(closes) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
	}
	return returns
}

// btcCorrelation computes the Pearson correlation between the symbol's and
// the reference market's minute returns.
func (f *Filter) btcCorrelation(symbol string, nowMs int64) (float64, bool) {
	if symbol == referenceSymbol {
		return 0, false
	}
	a := f.minuteReturns(symbol, nowMs, correlationLookback)
	b := f.minuteReturns(referenceSymbol, nowMs, correlationLookback)
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < correlationMin {
		return 0, false
	}
	// Align on the most recent n returns.
	return pearson(a[len(a)-n:], b[len(b)-n:])
}

// classifyRegime labels the symbol from EMA slope and band width over the
// trailing coarse buckets.
func (f *Filter) classifyRegime(symbol string, nowMs int64) string {
	from := nowMs - int64(regimeLookback)*int64(buckets.Res60s)
	bs := f.store.BucketsInRange(symbol, from, nowMs, buckets.Res60s)

	prices := make([]float64, 0, len(bs))
	for _, b := range bs {
		if buckets.IsSet(b.PriceClose) && b.PriceClose > 0 {
			prices = append(prices, b.PriceClose)
		}
	}
	if len(prices) < 10 {
		return ""
	}

	sma := mean(prices)
	ema := expMovingAverage(prices)
	prevEma := expMovingAverage(prices[:len(prices)-1])
	slope := 0.0
	if prevEma > 0 {
		slope = (ema - prevEma) / prevEma
	}
	width := 0.0
	if sma > 0 {
		width = (stdDev(prices) * 4) / sma
	}

	switch {
	case width > chopWidthPercent:
		return RegimeVolatile
	case slope > emaTrendSlope:
		return RegimeTrendingUp
	case slope < -emaTrendSlope:
		return RegimeTrendingDown
	default:
		return RegimeRanging
	}
}

// oiVelocity is the percent OI change per minute across the most recent
// coarse buckets. Zero means not enough history.
func (f *Filter) oiVelocity(symbol string, nowMs int64) float64 {
	from := nowMs - int64(velocityBuckets+1)*int64(buckets.Res60s)
	bs := f.store.BucketsInRange(symbol, from, nowMs, buckets.Res60s)

	var first, last float64
	var seen int
	for _, b := range bs {
		if !buckets.IsSet(b.OIClose) || b.OIClose <= 0 {
			continue
		}
		if seen == 0 {
			first = b.OIClose
		}
		last = b.OIClose
		seen++
	}
	if seen < 2 || first == 0 {
		return 0
	}
	return (last - first) / first * 100 / float64(seen-1)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

// expMovingAverage uses a span equal to the slice length.
func expMovingAverage(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	alpha := 2.0 / float64(len(xs)+1)
	ema := xs[0]
	for _, x := range xs[1:] {
		ema = alpha*x + (1-alpha)*ema
	}
	return ema
}

// pearson returns the correlation of two equal-length series.
func pearson(a, b []float64) (float64, bool) {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0, false
	}
	ma, mb := mean(a), mean(b)
	var cov, va, vb float64
	for i := 0; i < n; i++ {
		da := a[i] - ma
		db := b[i] - mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		return 0, false
	}
	return cov / math.Sqrt(va*vb), true
}
