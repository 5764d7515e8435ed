package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oi-watchdog/buckets"
	"oi-watchdog/market"
	"oi-watchdog/metrics"
)

// nowMs is aligned to a minute boundary so seeded points land one per bucket.
const nowMs = int64(1_800_000_000)

func newTestFilter() (*Filter, *buckets.Store) {
	store := buckets.NewStore(0, 0, nil)
	f := NewFilter(store)
	f.SetNowFunc(func() time.Time { return time.UnixMilli(nowMs) })
	return f, store
}

// seedPrices writes one close per minute, ending at nowMs.
func seedPrices(store *buckets.Store, symbol string, prices []float64) {
	n := len(prices)
	for i, p := range prices {
		ts := nowMs - int64(n-1-i)*60_000
		store.AddPoint(symbol, &market.Update{
			ProviderID: "test",
			Symbol:     symbol,
			Timestamp:  ts,
			Price:      market.Float(p),
		}, nil, nil)
	}
}

func seedOI(store *buckets.Store, symbol string, values []float64) {
	n := len(values)
	for i, v := range values {
		ts := nowMs - int64(n-1-i)*60_000
		store.AddPoint(symbol, &market.Update{
			ProviderID:   "test",
			Symbol:       symbol,
			Timestamp:    ts,
			OpenInterest: market.Float(v),
		}, nil, nil)
	}
}

// noisySeries alternates around base so the return series has variance.
func noisySeries(base, amplitude float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = base - amplitude
		} else {
			out[i] = base + amplitude
		}
	}
	return out
}

// kinkSeries is flat then moves by step per minute for the last k points.
func kinkSeries(base, step float64, n, k int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = base
		if i >= n-k {
			out[i] = base + step*float64(i-(n-k)+1)
		}
	}
	return out
}

func oiMetrics(changePct float64) *metrics.Metrics {
	return &metrics.Metrics{OIChangePercent: changePct}
}

func TestAssessAbstainsWithoutHistory(t *testing.T) {
	f, _ := newTestFilter()

	out := f.Assess("ETHUSDT", oiMetrics(6))
	assert.True(t, out.Allowed)
	assert.Nil(t, out.BTCCorrelation)
	assert.Empty(t, out.Regime)
	assert.Zero(t, out.OIVelocity)
}

func TestNilMetricsAllowed(t *testing.T) {
	f, _ := newTestFilter()
	assert.True(t, f.Assess("ETHUSDT", nil).Allowed)
}

func TestCorrelatedMoveBlocked(t *testing.T) {
	f, store := newTestFilter()
	series := noisySeries(50000, 25, 30)
	seedPrices(store, "BTCUSDT", series)
	seedPrices(store, "ETHUSDT", series)

	out := f.Assess("ETHUSDT", oiMetrics(6))
	assert.False(t, out.Allowed)
	assert.Equal(t, "move tracks the reference market", out.Reason)
	require.NotNil(t, out.BTCCorrelation)
	assert.InDelta(t, 1.0, *out.BTCCorrelation, 0.001)
}

func TestLargeMoveBypassesCorrelationGate(t *testing.T) {
	f, store := newTestFilter()
	series := noisySeries(50000, 25, 30)
	seedPrices(store, "BTCUSDT", series)
	seedPrices(store, "ETHUSDT", series)

	out := f.Assess("ETHUSDT", oiMetrics(12))
	assert.True(t, out.Allowed)
}

func TestReferenceSymbolSkipsCorrelation(t *testing.T) {
	f, store := newTestFilter()
	seedPrices(store, "BTCUSDT", noisySeries(50000, 25, 30))

	out := f.Assess("BTCUSDT", oiMetrics(6))
	assert.True(t, out.Allowed)
	assert.Nil(t, out.BTCCorrelation)
}

func TestVolatileRegimeBlocksWeakSignal(t *testing.T) {
	f, store := newTestFilter()
	seedPrices(store, "ETHUSDT", noisySeries(50000, 1000, 30))

	weak := f.Assess("ETHUSDT", oiMetrics(3))
	assert.False(t, weak.Allowed)
	assert.Equal(t, "weak signal in volatile regime", weak.Reason)
	assert.Equal(t, RegimeVolatile, weak.Regime)

	strong := f.Assess("ETHUSDT", oiMetrics(6))
	assert.True(t, strong.Allowed)
}

func TestClassifyRegime(t *testing.T) {
	f, store := newTestFilter()
	seedPrices(store, "UPUSDT", kinkSeries(50000, 300, 30, 4))
	seedPrices(store, "DOWNUSDT", kinkSeries(50000, -300, 30, 4))
	seedPrices(store, "FLATUSDT", noisySeries(50000, 25, 30))
	seedPrices(store, "WILDUSDT", noisySeries(50000, 1000, 30))

	assert.Equal(t, RegimeTrendingUp, f.classifyRegime("UPUSDT", nowMs))
	assert.Equal(t, RegimeTrendingDown, f.classifyRegime("DOWNUSDT", nowMs))
	assert.Equal(t, RegimeRanging, f.classifyRegime("FLATUSDT", nowMs))
	assert.Equal(t, RegimeVolatile, f.classifyRegime("WILDUSDT", nowMs))

	// Under ten closes the classifier abstains.
	seedPrices(store, "THINUSDT", noisySeries(50000, 25, 5))
	assert.Empty(t, f.classifyRegime("THINUSDT", nowMs))
}

func TestOIVelocity(t *testing.T) {
	f, store := newTestFilter()
	seedOI(store, "ETHUSDT", []float64{100, 98, 96, 94})

	// -6% across three steps.
	assert.InDelta(t, -2.0, f.oiVelocity("ETHUSDT", nowMs), 0.01)
	assert.Zero(t, f.oiVelocity("NOPEUSDT", nowMs))
}

func TestRevertingOIBlocks(t *testing.T) {
	f, store := newTestFilter()
	seedOI(store, "ETHUSDT", []float64{100, 98, 96, 94})

	out := f.Assess("ETHUSDT", oiMetrics(6))
	assert.False(t, out.Allowed)
	assert.Equal(t, "oi already reverting", out.Reason)

	// A rise that the OI path confirms is allowed.
	seedOI(store, "SOLUSDT", []float64{94, 96, 98, 100})
	assert.True(t, f.Assess("SOLUSDT", oiMetrics(6)).Allowed)
}

func TestPearson(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	b := []float64{2, 4, 6, 8, 10}
	inv := []float64{5, 4, 3, 2, 1}

	r, ok := pearson(a, b)
	require.True(t, ok)
	assert.InDelta(t, 1.0, r, 1e-9)

	r, ok = pearson(a, inv)
	require.True(t, ok)
	assert.InDelta(t, -1.0, r, 1e-9)

	_, ok = pearson(a, []float64{1, 1, 1, 1, 1})
	assert.False(t, ok, "zero variance has no defined correlation")
	_, ok = pearson(a, b[:3])
	assert.False(t, ok)
}

func TestSeriesHelpers(t *testing.T) {
	assert.Equal(t, 2.0, mean([]float64{1, 2, 3}))
	assert.Zero(t, mean(nil))
	assert.InDelta(t, 1.0, stdDev([]float64{1, 2, 3}), 1e-9)
	assert.Zero(t, stdDev([]float64{1}))
	assert.InDelta(t, 2.25, expMovingAverage([]float64{1, 2, 3}), 1e-9)
}
