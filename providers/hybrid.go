package providers

import (
	"fmt"
	"sync"
	"time"

	"oi-watchdog/market"
)

// hybridStaleness bounds how old a joined component may be before it is
// left out of a merged update.
const hybridStaleness = 10 * time.Second

type hybridSide struct {
	price      float64
	priceTs    int64
	priceSeen  time.Time
	volume     *market.Update // last flushed volume aggregate
	volumeSeen time.Time
	oi         float64
	oiTs       int64
	oiSeen     time.Time
}

// Hybrid composes two venues: the trade stream of one for price and signed
// volume, the ticker stream of another for open interest. Updates from
// either side are joined per symbol and re-emitted as soon as any fresh
// component is available.
type Hybrid struct {
	id     string
	trades market.Provider
	oiSrc  market.Provider

	mu      sync.RWMutex
	joined  map[string]*hybridSide
	handler market.UpdateHandler
}

// NewHybrid builds a hybrid provider. trades supplies price/volume, oiSrc
// supplies open interest.
func NewHybrid(trades, oiSrc market.Provider) *Hybrid {
	h := &Hybrid{
		id:     fmt.Sprintf("hybrid(%s+%s)", trades.ID(), oiSrc.ID()),
		trades: trades,
		oiSrc:  oiSrc,
		joined: make(map[string]*hybridSide),
	}
	trades.OnUpdate(h.onTradeSide)
	oiSrc.OnUpdate(h.onOISide)
	return h
}

func (h *Hybrid) ID() string { return h.id }

func (h *Hybrid) Connect() error {
	if err := h.trades.Connect(); err != nil {
		return fmt.Errorf("hybrid trades side: %w", err)
	}
	if err := h.oiSrc.Connect(); err != nil {
		_ = h.trades.Disconnect()
		return fmt.Errorf("hybrid oi side: %w", err)
	}
	return nil
}

func (h *Hybrid) Disconnect() error {
	err1 := h.trades.Disconnect()
	err2 := h.oiSrc.Disconnect()
	if err1 != nil {
		return err1
	}
	return err2
}

func (h *Hybrid) IsConnected() bool {
	return h.trades.IsConnected() && h.oiSrc.IsConnected()
}

func (h *Hybrid) Subscribe(symbols []string) error {
	if err := h.trades.Subscribe(symbols); err != nil {
		return err
	}
	return h.oiSrc.Subscribe(symbols)
}

func (h *Hybrid) Unsubscribe(symbols []string) error {
	if err := h.trades.Unsubscribe(symbols); err != nil {
		return err
	}
	return h.oiSrc.Unsubscribe(symbols)
}

// AvailableSymbols returns the intersection of both venues' catalogs: a
// merged update is only meaningful when both sides can serve the symbol.
func (h *Hybrid) AvailableSymbols() []string {
	tradeSide := h.trades.AvailableSymbols()
	oiSide := make(map[string]bool)
	for _, s := range h.oiSrc.AvailableSymbols() {
		oiSide[s] = true
	}
	out := make([]string, 0, len(tradeSide))
	for _, s := range tradeSide {
		if oiSide[s] {
			out = append(out, s)
		}
	}
	return out
}

func (h *Hybrid) OnUpdate(handler market.UpdateHandler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

func (h *Hybrid) HealthStatus() market.HealthStatus {
	t := h.trades.HealthStatus()
	o := h.oiSrc.HealthStatus()
	state := t.State
	if o.State != market.StateConnected {
		state = o.State
	}
	last := t.LastMessageAt
	if o.LastMessageAt.After(last) {
		last = o.LastMessageAt
	}
	return market.HealthStatus{
		ProviderID:    h.id,
		State:         state,
		Connected:     h.IsConnected(),
		LastMessageAt: last,
		MessageCount:  t.MessageCount + o.MessageCount,
		ErrorCount:    t.ErrorCount + o.ErrorCount,
		Subscribed:    t.Subscribed,
	}
}

func (h *Hybrid) side(symbol string) *hybridSide {
	s, ok := h.joined[symbol]
	if !ok {
		s = &hybridSide{}
		h.joined[symbol] = s
	}
	return s
}

// onTradeSide records price/volume and emits the update enriched with the
// freshest OI from the other side.
func (h *Hybrid) onTradeSide(u *market.Update) {
	now := time.Now()

	h.mu.Lock()
	s := h.side(u.Symbol)
	if market.FinitePositive(u.Price) {
		s.price = *u.Price
		s.priceTs = u.Timestamp
		s.priceSeen = now
	}
	if u.VolumeBuy != nil || u.VolumeSell != nil {
		s.volume = u
		s.volumeSeen = now
	}
	merged := h.mergeLocked(u.Symbol, u, now)
	handler := h.handler
	h.mu.Unlock()

	if handler != nil && merged != nil {
		handler(merged)
	}
}

// onOISide records open interest and emits the update enriched with the
// freshest price from the trade side.
func (h *Hybrid) onOISide(u *market.Update) {
	if !market.Finite(u.OpenInterest) {
		return
	}
	now := time.Now()

	h.mu.Lock()
	s := h.side(u.Symbol)
	s.oi = *u.OpenInterest
	if u.OpenInterestTS != nil {
		s.oiTs = *u.OpenInterestTS
	} else {
		s.oiTs = u.Timestamp
	}
	s.oiSeen = now
	merged := h.mergeLocked(u.Symbol, u, now)
	handler := h.handler
	h.mu.Unlock()

	if handler != nil && merged != nil {
		handler(merged)
	}
}

// mergeLocked assembles the joined update from all components still inside
// the staleness window. Caller holds h.mu.
func (h *Hybrid) mergeLocked(symbol string, src *market.Update, now time.Time) *market.Update {
	s := h.joined[symbol]

	out := &market.Update{
		ProviderID: h.id,
		MarketType: src.MarketType,
		Symbol:     symbol,
		Timestamp:  src.Timestamp,
	}
	fresh := false

	if now.Sub(s.priceSeen) <= hybridStaleness && s.price > 0 {
		out.Price = market.Float(s.price)
		fresh = true
	}
	if now.Sub(s.oiSeen) <= hybridStaleness {
		out.OpenInterest = market.Float(s.oi)
		out.OpenInterestTS = market.Int64(s.oiTs)
		fresh = true
	}
	if s.volume != nil && now.Sub(s.volumeSeen) <= hybridStaleness && s.volume == src {
		// Volume aggregates pass through only on their own emission so the
		// flow is never double-counted.
		out.VolumeBuy = src.VolumeBuy
		out.VolumeSell = src.VolumeSell
		out.VolumeBuyQuote = src.VolumeBuyQuote
		out.VolumeSellQuote = src.VolumeSellQuote
		fresh = true
	}

	if !fresh {
		return nil
	}
	return out
}
