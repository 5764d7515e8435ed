package buckets

import "math"

// Resolution is a bucket width in milliseconds.
type Resolution int64

const (
	Res15s Resolution = 15_000
	Res60s Resolution = 60_000
)

// Unset marks an OI/price field that never received a value.
// All consumers must check with IsSet before using the field.
var Unset = math.NaN()

// IsSet reports whether an OI/price field holds a real value.
func IsSet(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Bucket is one OHLC-style cell of a symbol's time series at one resolution.
// OI and price fields hold Unset until the first update carrying them.
type Bucket struct {
	Start int64 // bucket start, ms, aligned to resolution

	OIOpen  float64
	OIClose float64
	OIHigh  float64
	OILow   float64

	PriceOpen  float64
	PriceClose float64

	VolumeBuy       float64
	VolumeSell      float64
	VolumeBuyQuote  float64
	VolumeSellQuote float64

	TotalVolume      float64
	TotalQuoteVolume float64

	Count   int
	FirstTs int64
	LastTs  int64
}

func newBucket(start, ts int64) *Bucket {
	return &Bucket{
		Start:      start,
		OIOpen:     Unset,
		OIClose:    Unset,
		OIHigh:     Unset,
		OILow:      Unset,
		PriceOpen:  Unset,
		PriceClose: Unset,
		FirstTs:    ts,
		LastTs:     ts,
	}
}

// BucketStart aligns a timestamp down to its bucket start.
func BucketStart(ts int64, res Resolution) int64 {
	return ts / int64(res) * int64(res)
}
