package buckets

import (
	"sync"

	"oi-watchdog/market"
)

// Store maintains the dual-resolution bucket series for every tracked
// symbol. Writes for one symbol are serialized by the per-symbol lock;
// readers receive value copies and never observe a half-merged bucket.
type Store struct {
	mu      sync.RWMutex
	symbols map[string]*symbolBuckets

	max15 int
	max60 int

	// onOutOfOrder is invoked once per update whose timestamp lands before
	// the first point already merged into its 15 s bucket.
	onOutOfOrder func(symbol string)
}

type symbolBuckets struct {
	mu     sync.Mutex
	fine   *bucketMap // 15 s
	coarse *bucketMap // 60 s
}

// NewStore creates a bucket store with the given per-resolution caps.
func NewStore(max15, max60 int, onOutOfOrder func(symbol string)) *Store {
	if max15 <= 0 {
		max15 = 300
	}
	if max60 <= 0 {
		max60 = 70
	}
	return &Store{
		symbols:      make(map[string]*symbolBuckets),
		max15:        max15,
		max60:        max60,
		onOutOfOrder: onOutOfOrder,
	}
}

func (s *Store) forSymbol(symbol string) *symbolBuckets {
	s.mu.RLock()
	sb, ok := s.symbols[symbol]
	s.mu.RUnlock()
	if ok {
		return sb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sb, ok = s.symbols[symbol]; ok {
		return sb
	}
	sb = &symbolBuckets{
		fine:   newBucketMap(Res15s, s.max15),
		coarse: newBucketMap(Res60s, s.max60),
	}
	s.symbols[symbol] = sb
	return sb
}

// AddPoint folds one normalized update into both resolutions. Fallbacks are
// the symbol's last known price/OI and seed the opening values of buckets
// the update creates when the record itself carries no price/OI.
func (s *Store) AddPoint(symbol string, u *market.Update, priceFallback, oiFallback *float64) {
	sb := s.forSymbol(symbol)

	oi := Unset
	if market.Finite(u.OpenInterest) && *u.OpenInterest >= 0 {
		oi = *u.OpenInterest
	}
	price := Unset
	if market.FinitePositive(u.Price) {
		price = *u.Price
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	outOfOrder := mergePoint(sb.fine, u, oi, price, priceFallback, oiFallback)
	mergePoint(sb.coarse, u, oi, price, priceFallback, oiFallback)

	if outOfOrder && s.onOutOfOrder != nil {
		s.onOutOfOrder(symbol)
	}
}

// mergePoint applies the update to one resolution and reports whether the
// timestamp arrived before the bucket's first merged point.
func mergePoint(bm *bucketMap, u *market.Update, oi, price float64, priceFallback, oiFallback *float64) bool {
	ts := u.Timestamp
	start := BucketStart(ts, bm.res)

	b, exists := bm.get(start)
	if !exists {
		b = newBucket(start, ts)

		openOI := oi
		if !IsSet(openOI) && market.Finite(oiFallback) && *oiFallback >= 0 {
			openOI = *oiFallback
		}
		if IsSet(openOI) {
			b.OIOpen, b.OIClose, b.OIHigh, b.OILow = openOI, openOI, openOI, openOI
		}

		openPrice := price
		if !IsSet(openPrice) && market.FinitePositive(priceFallback) {
			openPrice = *priceFallback
		}
		if IsSet(openPrice) {
			b.PriceOpen, b.PriceClose = openPrice, openPrice
		}

		addVolumes(b, u)
		b.Count = 1
		bm.put(b)
		return false
	}

	outOfOrder := false
	if ts < b.FirstTs {
		outOfOrder = true
		// A late record carrying data becomes the new opening value.
		if IsSet(oi) {
			b.OIOpen = oi
			b.FirstTs = ts
		}
		if IsSet(price) {
			b.PriceOpen = price
			b.FirstTs = ts
		}
	}

	if ts >= b.LastTs {
		if IsSet(oi) {
			b.OIClose = oi
		}
		if IsSet(price) {
			b.PriceClose = price
		}
		b.LastTs = ts
	}

	if IsSet(oi) {
		if !IsSet(b.OIHigh) || oi > b.OIHigh {
			b.OIHigh = oi
		}
		if !IsSet(b.OILow) || oi < b.OILow {
			b.OILow = oi
		}
		if !IsSet(b.OIOpen) {
			b.OIOpen = oi
		}
		if !IsSet(b.OIClose) {
			b.OIClose = oi
		}
	}
	if IsSet(price) {
		if !IsSet(b.PriceOpen) {
			b.PriceOpen = price
		}
		if !IsSet(b.PriceClose) {
			b.PriceClose = price
		}
	}

	addVolumes(b, u)
	b.Count++
	return outOfOrder
}

// addVolumes accumulates signed flow and rederives the totals from their
// components so repeated additions cannot drift.
func addVolumes(b *Bucket, u *market.Update) {
	if market.Finite(u.VolumeBuy) && *u.VolumeBuy >= 0 {
		b.VolumeBuy += *u.VolumeBuy
	}
	if market.Finite(u.VolumeSell) && *u.VolumeSell >= 0 {
		b.VolumeSell += *u.VolumeSell
	}
	if market.Finite(u.VolumeBuyQuote) && *u.VolumeBuyQuote >= 0 {
		b.VolumeBuyQuote += *u.VolumeBuyQuote
	}
	if market.Finite(u.VolumeSellQuote) && *u.VolumeSellQuote >= 0 {
		b.VolumeSellQuote += *u.VolumeSellQuote
	}
	b.TotalVolume = b.VolumeBuy + b.VolumeSell
	b.TotalQuoteVolume = b.VolumeBuyQuote + b.VolumeSellQuote
}

// BucketsInRange returns copies of the buckets whose start timestamp falls
// in [fromMs, toMs], ascending by start.
func (s *Store) BucketsInRange(symbol string, fromMs, toMs int64, res Resolution) []Bucket {
	s.mu.RLock()
	sb, ok := s.symbols[symbol]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if res == Res60s {
		return sb.coarse.inRange(fromMs, toMs)
	}
	return sb.fine.inRange(fromMs, toMs)
}

// CleanupSymbol drops both bucket maps for an evicted symbol.
func (s *Store) CleanupSymbol(symbol string) {
	s.mu.Lock()
	delete(s.symbols, symbol)
	s.mu.Unlock()
}

// HistoryLength returns the larger of the symbol's two map sizes.
func (s *Store) HistoryLength(symbol string) int {
	s.mu.RLock()
	sb, ok := s.symbols[symbol]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.fine.size() > sb.coarse.size() {
		return sb.fine.size()
	}
	return sb.coarse.size()
}

// SymbolCount reports how many symbols hold at least one bucket.
func (s *Store) SymbolCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.symbols)
}
