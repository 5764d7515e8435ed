package providers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oi-watchdog/market"
)

// fakeVenue is an in-memory market.Provider for exercising the hybrid join.
type fakeVenue struct {
	id         string
	available  []string
	connected  bool
	handler    market.UpdateHandler
	subscribed []string
	health     market.HealthStatus
}

func (f *fakeVenue) ID() string                 { return f.id }
func (f *fakeVenue) Connect() error             { f.connected = true; return nil }
func (f *fakeVenue) Disconnect() error          { f.connected = false; return nil }
func (f *fakeVenue) IsConnected() bool          { return f.connected }
func (f *fakeVenue) AvailableSymbols() []string { return f.available }

func (f *fakeVenue) Subscribe(symbols []string) error {
	f.subscribed = append(f.subscribed, symbols...)
	return nil
}

func (f *fakeVenue) Unsubscribe(symbols []string) error { return nil }

func (f *fakeVenue) OnUpdate(handler market.UpdateHandler) { f.handler = handler }

func (f *fakeVenue) HealthStatus() market.HealthStatus { return f.health }

func (f *fakeVenue) emit(u *market.Update) { f.handler(u) }

func newHybridFixture() (*Hybrid, *fakeVenue, *fakeVenue, *captured) {
	trades := &fakeVenue{id: "binance-futures"}
	oiSrc := &fakeVenue{id: "bybit-futures"}
	h := NewHybrid(trades, oiSrc)
	c := &captured{}
	h.OnUpdate(c.handler)
	return h, trades, oiSrc, c
}

func TestHybridJoinsPriceAndOI(t *testing.T) {
	_, trades, oiSrc, c := newHybridFixture()

	trades.emit(&market.Update{
		ProviderID: trades.id,
		MarketType: market.Futures,
		Symbol:     "BTCUSDT",
		Timestamp:  1000,
		Price:      market.Float(50000),
	})
	require.Len(t, c.updates, 1)
	first := c.updates[0]
	assert.Equal(t, "hybrid(binance-futures+bybit-futures)", first.ProviderID)
	require.NotNil(t, first.Price)
	assert.Equal(t, 50000.0, *first.Price)
	assert.Nil(t, first.OpenInterest, "no OI seen yet")

	oiSrc.emit(&market.Update{
		ProviderID:     oiSrc.id,
		MarketType:     market.Futures,
		Symbol:         "BTCUSDT",
		Timestamp:      2000,
		OpenInterest:   market.Float(12345),
		OpenInterestTS: market.Int64(1900),
	})
	require.Len(t, c.updates, 2)
	second := c.updates[1]
	require.NotNil(t, second.Price, "price carried over from the trade side")
	assert.Equal(t, 50000.0, *second.Price)
	require.NotNil(t, second.OpenInterest)
	assert.Equal(t, 12345.0, *second.OpenInterest)
	require.NotNil(t, second.OpenInterestTS)
	assert.Equal(t, int64(1900), *second.OpenInterestTS)
}

func TestHybridVolumePassesOnlyOnOwnEmission(t *testing.T) {
	_, trades, oiSrc, c := newHybridFixture()

	trades.emit(&market.Update{
		ProviderID:     trades.id,
		Symbol:         "BTCUSDT",
		Timestamp:      1000,
		Price:          market.Float(50000),
		VolumeBuy:      market.Float(2),
		VolumeSell:     market.Float(1),
		VolumeBuyQuote: market.Float(100000),
	})
	require.Len(t, c.updates, 1)
	require.NotNil(t, c.updates[0].VolumeBuy)
	assert.Equal(t, 2.0, *c.updates[0].VolumeBuy)

	// A later OI-side emission must not re-carry the aggregate, or the
	// downstream store would double-count the flow.
	oiSrc.emit(&market.Update{
		ProviderID:   oiSrc.id,
		Symbol:       "BTCUSDT",
		Timestamp:    2000,
		OpenInterest: market.Float(500),
	})
	require.Len(t, c.updates, 2)
	assert.Nil(t, c.updates[1].VolumeBuy)
	assert.Nil(t, c.updates[1].VolumeSell)
	require.NotNil(t, c.updates[1].Price)
}

func TestHybridOISideWithoutOIIsIgnored(t *testing.T) {
	_, _, oiSrc, c := newHybridFixture()

	oiSrc.emit(&market.Update{
		ProviderID: oiSrc.id,
		Symbol:     "BTCUSDT",
		Timestamp:  1000,
		Price:      market.Float(50000),
	})

	assert.Empty(t, c.updates)
}

func TestHybridAvailableSymbolsIntersection(t *testing.T) {
	h, trades, oiSrc, _ := newHybridFixture()
	trades.available = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	oiSrc.available = []string{"ETHUSDT", "SOLUSDT", "XRPUSDT"}

	assert.Equal(t, []string{"ETHUSDT", "SOLUSDT"}, h.AvailableSymbols())
}

func TestHybridSubscribeFansOut(t *testing.T) {
	h, trades, oiSrc, _ := newHybridFixture()

	require.NoError(t, h.Subscribe([]string{"BTCUSDT", "ETHUSDT"}))
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, trades.subscribed)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, oiSrc.subscribed)
}

func TestHybridHealthMerge(t *testing.T) {
	h, trades, oiSrc, _ := newHybridFixture()
	trades.connected = true
	trades.health = market.HealthStatus{
		State:         market.StateConnected,
		LastMessageAt: time.UnixMilli(1000),
		MessageCount:  10,
		ErrorCount:    1,
		Subscribed:    3,
	}
	oiSrc.health = market.HealthStatus{
		State:         market.StateReconnecting,
		LastMessageAt: time.UnixMilli(2000),
		MessageCount:  5,
		ErrorCount:    2,
	}

	got := h.HealthStatus()
	assert.Equal(t, market.StateReconnecting, got.State, "degraded side wins")
	assert.False(t, got.Connected)
	assert.Equal(t, time.UnixMilli(2000), got.LastMessageAt)
	assert.Equal(t, int64(15), got.MessageCount)
	assert.Equal(t, int64(3), got.ErrorCount)
	assert.Equal(t, 3, got.Subscribed)
}
