package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flowRecorder struct {
	symbols []string
	flows   []volFlow
}

func (r *flowRecorder) emit(symbol string, f volFlow) {
	r.symbols = append(r.symbols, symbol)
	r.flows = append(r.flows, f)
}

func TestAddTradeAttribution(t *testing.T) {
	rec := &flowRecorder{}
	a := newVolAccumulator(1, rec.emit)

	// buyerIsMaker=false: the aggressor bought.
	a.addTrade("BTCUSDT", 50000, 2, false, 1000)
	// buyerIsMaker=true: the aggressor sold.
	a.addTrade("BTCUSDT", 50100, 3, true, 2000)

	a.flush()
	require.Len(t, rec.flows, 1)
	f := rec.flows[0]
	assert.Equal(t, 2.0, f.buy)
	assert.Equal(t, 3.0, f.sell)
	assert.Equal(t, 100000.0, f.buyQuote)
	assert.Equal(t, 150300.0, f.sellQuote)
	assert.Equal(t, 50100.0, f.lastPrice)
	assert.Equal(t, int64(2000), f.lastTs)
}

func TestFlushSkipsSubNotionalFlows(t *testing.T) {
	rec := &flowRecorder{}
	a := newVolAccumulator(1000, rec.emit)

	a.addTrade("BTCUSDT", 500, 1, false, 1000)
	a.flush()
	assert.Empty(t, rec.flows, "500 quote is below the 1000 floor")

	// The flow keeps accumulating instead of being discarded.
	a.addTrade("BTCUSDT", 600, 1, false, 2000)
	a.flush()
	require.Len(t, rec.flows, 1)
	assert.Equal(t, 2.0, rec.flows[0].buy)
	assert.Equal(t, 1100.0, rec.flows[0].buyQuote)

	// Emission resets the accumulator.
	a.flush()
	assert.Len(t, rec.flows, 1)
}

func TestAddTradeRejectsBadValues(t *testing.T) {
	rec := &flowRecorder{}
	a := newVolAccumulator(1, rec.emit)

	a.addTrade("BTCUSDT", 0, 1, false, 1000)
	a.addTrade("BTCUSDT", 50000, -1, false, 1000)

	a.flush()
	assert.Empty(t, rec.flows)
}

func TestFlushIsPerSymbol(t *testing.T) {
	rec := &flowRecorder{}
	a := newVolAccumulator(1, rec.emit)

	a.addTrade("BTCUSDT", 50000, 1, false, 1000)
	a.addTrade("ETHUSDT", 3000, 1, true, 1000)

	a.flush()
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, rec.symbols)
}

func TestMinNotionalDefault(t *testing.T) {
	a := newVolAccumulator(0, func(string, volFlow) {})
	assert.Equal(t, defaultMinNotional, a.minNotional)
}
