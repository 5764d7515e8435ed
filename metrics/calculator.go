package metrics

import (
	"math"
	"sort"
	"time"

	"oi-watchdog/buckets"
	"oi-watchdog/state"
)

// Metrics is the result of one window query. Pointer fields are omitted
// when the underlying data was unavailable.
type Metrics struct {
	OIChangePercent float64
	OIStart         float64
	OIEnd           float64

	PriceChangePercent *float64
	CurrentPrice       *float64
	PreviousPrice      *float64

	TotalVolume      float64
	DeltaVolume      float64
	TotalQuoteVolume float64
	DeltaQuoteVolume float64

	VolumeBaseline      float64
	VolumeBaselineQuote float64
	VolumeRatio         *float64
	VolumeRatioQuote    *float64

	TimeWindowSeconds int
}

// Calculator answers interval queries against the bucket store using the
// max-deviation rule with boundary interpolation as fallback.
type Calculator struct {
	store *buckets.Store
	state *state.Manager

	// fallbackShift bounds how far (in bucket widths) a supporting bucket
	// may sit from a window boundary before its interpolation is rejected.
	fallbackShift int64

	now func() time.Time
}

// NewCalculator wires a calculator over the shared stores.
func NewCalculator(store *buckets.Store, st *state.Manager, fallbackShiftMultiplier int) *Calculator {
	if fallbackShiftMultiplier <= 0 {
		fallbackShiftMultiplier = 2
	}
	return &Calculator{
		store:         store,
		state:         st,
		fallbackShift: int64(fallbackShiftMultiplier),
		now:           time.Now,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (c *Calculator) SetNowFunc(now func() time.Time) { c.now = now }

// resolutionFor picks 15 s buckets for short windows, 60 s otherwise.
func resolutionFor(intervalMinutes int) buckets.Resolution {
	if intervalMinutes <= 2 {
		return buckets.Res15s
	}
	return buckets.Res60s
}

// windowScan accumulates everything one pass over the bucket range yields.
type windowScan struct {
	oiMin, oiMax       float64
	oiSeen             bool
	priceMin, priceMax float64
	priceSeen          bool

	volBuy, volSell           float64
	volBuyQuote, volSellQuote float64

	earliestOpenPrice float64
	haveOpenPrice     bool
}

// MetricChanges computes the window metrics for a symbol, or nil when the
// symbol is still warming up or the primary metric cannot be derived.
func (c *Calculator) MetricChanges(symbol string, intervalMinutes int) *Metrics {
	if intervalMinutes <= 0 {
		return nil
	}
	res := resolutionFor(intervalMinutes)
	size := int64(res)

	nowMs := c.now().UnixMilli()
	windowStart := nowMs - int64(intervalMinutes)*60_000
	windowEnd := nowMs

	firstSeen, ok := c.state.FirstSeen(symbol)
	if !ok || firstSeen > windowStart {
		return nil // warmup: not enough wall-clock history for this interval
	}

	// One extra bucket to the left so a bucket straddling the boundary is
	// part of the scan.
	bs := c.store.BucketsInRange(symbol, windowStart-size, windowEnd, res)
	if len(bs) == 0 {
		return nil
	}

	currentOI, haveOI := c.state.GetOI(symbol)
	currentPrice, havePrice := c.state.GetPrice(symbol)

	scan := scanWindow(bs, windowStart, windowEnd, size)
	if haveOI {
		scan.observeOI(currentOI)
	}
	if havePrice {
		scan.observePrice(currentPrice)
	}

	m := &Metrics{TimeWindowSeconds: intervalMinutes * 60}

	maxDist := boundaryTolerance(c.fallbackShift, size, windowEnd-windowStart)

	oiOK := false
	if haveOI && scan.oiSeen {
		change, start := maxDeviation(currentOI, scan.oiMin, scan.oiMax)
		m.OIChangePercent = round6(change)
		m.OIStart = start
		m.OIEnd = currentOI
		oiOK = true
	} else {
		startOI, sOK := interpolateBoundary(bs, windowStart, maxDist, oiAccessor)
		endOI, eOK := interpolateBoundary(bs, windowEnd, maxDist, oiAccessor)
		if !eOK && haveOI {
			endOI, eOK = currentOI, true
		}
		if sOK && eOK && startOI > 0 {
			m.OIChangePercent = round6((endOI - startOI) / startOI * 100)
			m.OIStart = startOI
			m.OIEnd = endOI
			oiOK = true
		}
	}
	if !oiOK {
		return nil
	}

	if havePrice {
		m.CurrentPrice = &currentPrice
		if scan.priceSeen {
			change, start := maxDeviation(currentPrice, scan.priceMin, scan.priceMax)
			change = round6(change)
			m.PriceChangePercent = &change
			m.PreviousPrice = &start
		}
	}
	if m.PriceChangePercent == nil {
		startPrice, sOK := interpolateBoundary(bs, windowStart, maxDist, priceAccessor)
		if !sOK && scan.haveOpenPrice {
			startPrice, sOK = scan.earliestOpenPrice, true
		}
		if sOK && startPrice > 0 && havePrice {
			change := round6((currentPrice - startPrice) / startPrice * 100)
			m.PriceChangePercent = &change
			m.PreviousPrice = &startPrice
		}
	}

	m.TotalVolume = scan.volBuy + scan.volSell
	m.TotalQuoteVolume = scan.volBuyQuote + scan.volSellQuote

	baseline := scanWindow(
		c.store.BucketsInRange(symbol, windowStart-int64(intervalMinutes)*60_000-size, windowStart, res),
		windowStart-int64(intervalMinutes)*60_000, windowStart, size)
	m.VolumeBaseline = baseline.volBuy + baseline.volSell
	m.VolumeBaselineQuote = baseline.volBuyQuote + baseline.volSellQuote
	m.DeltaVolume = m.TotalVolume - m.VolumeBaseline
	m.DeltaQuoteVolume = m.TotalQuoteVolume - m.VolumeBaselineQuote
	if m.VolumeBaseline > 0 {
		r := round6(m.TotalVolume / m.VolumeBaseline)
		m.VolumeRatio = &r
	}
	if m.VolumeBaselineQuote > 0 {
		r := round6(m.TotalQuoteVolume / m.VolumeBaselineQuote)
		m.VolumeRatioQuote = &r
	}

	return m
}

// scanWindow walks the bucket range once, tracking OI/price extremes and
// overlap-weighted volume sums.
func scanWindow(bs []buckets.Bucket, windowStart, windowEnd, size int64) *windowScan {
	scan := &windowScan{}
	for i := range bs {
		b := &bs[i]
		bucketEnd := b.Start + size
		overlap := minI64(windowEnd, bucketEnd) - maxI64(windowStart, b.Start)
		if overlap <= 0 {
			continue
		}

		for _, v := range [4]float64{b.OIOpen, b.OIClose, b.OILow, b.OIHigh} {
			if buckets.IsSet(v) {
				scan.observeOI(v)
			}
		}
		for _, v := range [2]float64{b.PriceOpen, b.PriceClose} {
			if buckets.IsSet(v) {
				scan.observePrice(v)
			}
		}
		if !scan.haveOpenPrice && buckets.IsSet(b.PriceOpen) {
			scan.earliestOpenPrice = b.PriceOpen
			scan.haveOpenPrice = true
		}

		frac := float64(overlap) / float64(size)
		scan.volBuy += b.VolumeBuy * frac
		scan.volSell += b.VolumeSell * frac
		scan.volBuyQuote += b.VolumeBuyQuote * frac
		scan.volSellQuote += b.VolumeSellQuote * frac
	}
	return scan
}

func (w *windowScan) observeOI(v float64) {
	if !w.oiSeen || v < w.oiMin {
		w.oiMin = v
	}
	if !w.oiSeen || v > w.oiMax {
		w.oiMax = v
	}
	w.oiSeen = true
}

func (w *windowScan) observePrice(v float64) {
	if !w.priceSeen || v < w.priceMin {
		w.priceMin = v
	}
	if !w.priceSeen || v > w.priceMax {
		w.priceMax = v
	}
	w.priceSeen = true
}

// maxDeviation applies the max-deviation rule: the percentage change from
// whichever window extremum produces the larger absolute move, sign
// preserved. Returns the change and the extremum used.
func maxDeviation(current, low, high float64) (changePct, start float64) {
	fromMin := 0.0
	if low > 0 {
		fromMin = (current - low) / low * 100
	}
	fromMax := 0.0
	if high > 0 {
		fromMax = (current - high) / high * 100
	}
	if math.Abs(fromMin) >= math.Abs(fromMax) {
		return fromMin, low
	}
	return fromMax, high
}

// boundaryTolerance caps how far a supporting bucket may sit from a window
// boundary: shift multiplier in bucket widths, but never more than 5% of
// the window.
func boundaryTolerance(shift, size, window int64) int64 {
	byShift := shift * size
	byWindow := window / 20
	if byWindow < byShift {
		return byWindow
	}
	return byShift
}

type fieldAccessor struct {
	open  func(*buckets.Bucket) float64
	close func(*buckets.Bucket) float64
}

var oiAccessor = fieldAccessor{
	open:  func(b *buckets.Bucket) float64 { return b.OIOpen },
	close: func(b *buckets.Bucket) float64 { return b.OIClose },
}

var priceAccessor = fieldAccessor{
	open:  func(b *buckets.Bucket) float64 { return b.PriceOpen },
	close: func(b *buckets.Bucket) float64 { return b.PriceClose },
}

// interpolateBoundary estimates the field value at a point in time. When the
// boundary lands inside a bucket's observed span the value is lerped between
// open and close; otherwise the nearest neighboring buckets supply the
// estimate, rejected if they sit farther than maxDist from the boundary.
func interpolateBoundary(bs []buckets.Bucket, boundary, maxDist int64, acc fieldAccessor) (float64, bool) {
	if len(bs) == 0 {
		return 0, false
	}

	// Last bucket starting at or before the boundary.
	idx := sort.Search(len(bs), func(i int) bool { return bs[i].Start > boundary }) - 1

	if idx >= 0 {
		b := &bs[idx]
		openV, closeV := acc.open(b), acc.close(b)
		if boundary >= b.FirstTs && boundary <= b.LastTs && buckets.IsSet(openV) && buckets.IsSet(closeV) {
			span := b.LastTs - b.FirstTs
			if span == 0 {
				return closeV, true
			}
			frac := float64(boundary-b.FirstTs) / float64(span)
			return openV + (closeV-openV)*frac, true
		}
	}

	// Boundary falls between observed spans: lerp between the preceding
	// close and following open where available.
	var (
		prevVal, nextVal   float64
		prevTs, nextTs     int64
		havePrev, haveNext bool
	)
	if idx >= 0 {
		b := &bs[idx]
		if v := acc.close(b); buckets.IsSet(v) && b.LastTs <= boundary {
			prevVal, prevTs, havePrev = v, b.LastTs, true
		}
	}
	if idx+1 < len(bs) {
		b := &bs[idx+1]
		if v := acc.open(b); buckets.IsSet(v) && b.FirstTs >= boundary {
			nextVal, nextTs, haveNext = v, b.FirstTs, true
		}
	}

	if havePrev && boundary-prevTs > maxDist {
		havePrev = false
	}
	if haveNext && nextTs-boundary > maxDist {
		haveNext = false
	}

	switch {
	case havePrev && haveNext:
		span := nextTs - prevTs
		if span == 0 {
			return nextVal, true
		}
		frac := float64(boundary-prevTs) / float64(span)
		return prevVal + (nextVal-prevVal)*frac, true
	case havePrev:
		return prevVal, true
	case haveNext:
		return nextVal, true
	default:
		return 0, false
	}
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
