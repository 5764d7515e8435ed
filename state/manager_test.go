package state

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oi-watchdog/market"
)

func TestUpdateSemantics(t *testing.T) {
	m := NewManager(0)

	m.Update("BTCUSDT", 1000, market.Float(50000), market.Float(100))

	price, ok := m.GetPrice("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 50000.0, price)

	oi, ok := m.GetOI("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 100.0, oi)

	first, ok := m.FirstSeen("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(1000), first)

	// Invalid values never overwrite; lastUpdate still advances.
	m.Update("BTCUSDT", 2000, market.Float(-1), market.Float(math.NaN()))
	price, _ = m.GetPrice("BTCUSDT")
	assert.Equal(t, 50000.0, price)
	oi, _ = m.GetOI("BTCUSDT")
	assert.Equal(t, 100.0, oi)

	// FirstSeen is sticky.
	first, _ = m.FirstSeen("BTCUSDT")
	assert.Equal(t, int64(1000), first)
}

func TestLastUpdateMonotone(t *testing.T) {
	m := NewManager(0)

	m.Update("BTCUSDT", 5000, market.Float(1), nil)
	m.Update("BTCUSDT", 3000, market.Float(2), nil) // late record

	// The late price still lands, but a TTL computed from lastUpdate must
	// not move backwards: the symbol survives maintenance at cutoff 4000.
	now := time.UnixMilli(5000).Add(24 * time.Hour).Add(-time.Millisecond)
	m.Maintenance(now, nil)
	assert.Equal(t, 1, m.Len())
}

func TestUnknownSymbol(t *testing.T) {
	m := NewManager(0)

	_, ok := m.GetPrice("NOPEUSDT")
	assert.False(t, ok)
	_, ok = m.GetOI("NOPEUSDT")
	assert.False(t, ok)
	_, ok = m.FirstSeen("NOPEUSDT")
	assert.False(t, ok)
	assert.Zero(t, m.OutOfOrderCount("NOPEUSDT"))
}

func TestOutOfOrderCounter(t *testing.T) {
	m := NewManager(0)

	m.Update("BTCUSDT", 1000, market.Float(1), nil)
	m.IncrementOutOfOrder("BTCUSDT")
	m.IncrementOutOfOrder("BTCUSDT")
	assert.Equal(t, int64(2), m.OutOfOrderCount("BTCUSDT"))

	// Unknown symbols are ignored rather than materialized.
	m.IncrementOutOfOrder("NOPEUSDT")
	assert.Equal(t, 1, m.Len())
}

func TestMaintenanceTTLEviction(t *testing.T) {
	m := NewManager(0)

	m.Update("OLDUSDT", time.Now().Add(-25*time.Hour).UnixMilli(), market.Float(1), nil)
	m.Update("NEWUSDT", time.Now().UnixMilli(), market.Float(1), nil)

	var evicted []string
	m.Maintenance(time.Now(), func(symbol string) { evicted = append(evicted, symbol) })

	assert.Equal(t, []string{"OLDUSDT"}, evicted)
	assert.Equal(t, 1, m.Len())
	_, ok := m.GetPrice("OLDUSDT")
	assert.False(t, ok)
}

func TestMaintenanceCapEviction(t *testing.T) {
	m := NewManager(2)
	now := time.Now().UnixMilli()

	m.Update("AUSDT", now-3000, market.Float(1), nil)
	m.Update("BUSDT", now-2000, market.Float(1), nil)
	m.Update("CUSDT", now-1000, market.Float(1), nil)

	var evicted []string
	m.Maintenance(time.Now(), func(symbol string) { evicted = append(evicted, symbol) })

	// Least recently updated goes first.
	assert.Equal(t, []string{"AUSDT"}, evicted)
	assert.Equal(t, 2, m.Len())
}
