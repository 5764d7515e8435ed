package state

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// Symbols silent for this long are dropped at the next maintenance tick.
	symbolTTL = 24 * time.Hour
)

// SymbolState is the per-symbol latest-value record. Price/OI are NaN until
// first observed.
type SymbolState struct {
	LastPrice       float64
	LastOI          float64
	FirstSeen       int64 // ms
	LastUpdate      int64 // ms
	OutOfOrderCount int64
}

// Manager tracks the latest price and open interest per symbol with TTL and
// cap-based eviction run from a periodic maintenance tick.
type Manager struct {
	mu         sync.RWMutex
	symbols    map[string]*SymbolState
	maxSymbols int
}

// NewManager creates a state manager capped at maxSymbols tracked tickers.
func NewManager(maxSymbols int) *Manager {
	if maxSymbols <= 0 {
		maxSymbols = 2000
	}
	return &Manager{
		symbols:    make(map[string]*SymbolState),
		maxSymbols: maxSymbols,
	}
}

// Update records the latest observation for a symbol. Only finite,
// non-negative OI and strictly positive price overwrite the cached values;
// lastUpdate always advances.
func (m *Manager) Update(symbol string, ts int64, price, oi *float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.symbols[symbol]
	if !ok {
		st = &SymbolState{
			LastPrice: math.NaN(),
			LastOI:    math.NaN(),
			FirstSeen: ts,
		}
		m.symbols[symbol] = st
	}

	if price != nil && !math.IsNaN(*price) && !math.IsInf(*price, 0) && *price > 0 {
		st.LastPrice = *price
	}
	if oi != nil && !math.IsNaN(*oi) && !math.IsInf(*oi, 0) && *oi >= 0 {
		st.LastOI = *oi
	}
	if ts > st.LastUpdate {
		st.LastUpdate = ts
	}
}

// GetPrice returns the last known price, if any.
func (m *Manager) GetPrice(symbol string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.symbols[symbol]
	if !ok || math.IsNaN(st.LastPrice) {
		return 0, false
	}
	return st.LastPrice, true
}

// GetOI returns the last known open interest, if any.
func (m *Manager) GetOI(symbol string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.symbols[symbol]
	if !ok || math.IsNaN(st.LastOI) {
		return 0, false
	}
	return st.LastOI, true
}

// FirstSeen returns when the symbol was first observed, in ms.
func (m *Manager) FirstSeen(symbol string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.symbols[symbol]
	if !ok {
		return 0, false
	}
	return st.FirstSeen, true
}

// IncrementOutOfOrder bumps the out-of-order counter for a symbol. Called by
// the bucket store when a late timestamp merges into an existing bucket.
func (m *Manager) IncrementOutOfOrder(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.symbols[symbol]; ok {
		st.OutOfOrderCount++
	}
}

// OutOfOrderCount returns the out-of-order counter for a symbol.
func (m *Manager) OutOfOrderCount(symbol string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.symbols[symbol]; ok {
		return st.OutOfOrderCount
	}
	return 0
}

// AllSymbols returns the tracked symbols in no particular order.
func (m *Manager) AllSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.symbols))
	for s := range m.symbols {
		out = append(out, s)
	}
	return out
}

// Len reports how many symbols are tracked.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.symbols)
}

// Maintenance evicts symbols idle past the TTL, then trims the
// least-recently-updated surplus above the cap. The hook runs for every
// evicted symbol so the bucket store can purge its maps.
func (m *Manager) Maintenance(now time.Time, evictHook func(symbol string)) {
	cutoff := now.Add(-symbolTTL).UnixMilli()

	m.mu.Lock()
	var evicted []string
	for symbol, st := range m.symbols {
		if st.LastUpdate < cutoff {
			delete(m.symbols, symbol)
			evicted = append(evicted, symbol)
		}
	}

	if surplus := len(m.symbols) - m.maxSymbols; surplus > 0 {
		type entry struct {
			symbol     string
			lastUpdate int64
		}
		all := make([]entry, 0, len(m.symbols))
		for symbol, st := range m.symbols {
			all = append(all, entry{symbol, st.LastUpdate})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].lastUpdate < all[j].lastUpdate })
		for _, e := range all[:surplus] {
			delete(m.symbols, e.symbol)
			evicted = append(evicted, e.symbol)
		}
	}
	m.mu.Unlock()

	if len(evicted) > 0 {
		log.Info().Int("evicted", len(evicted)).Int("tracked", m.Len()).Msg("Symbol maintenance completed")
	}
	if evictHook != nil {
		for _, symbol := range evicted {
			evictHook(symbol)
		}
	}
}
