package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBybitTickerSnapshot(t *testing.T) {
	p := NewBybitLinear()
	c := &captured{}
	p.OnUpdate(c.handler)

	p.onMessage([]byte(`{"topic":"tickers.BTCUSDT","ts":5000,"data":{
		"symbol":"BTCUSDT","lastPrice":"50000","markPrice":"50010",
		"fundingRate":"0.0001","openInterest":"12345"
	}}`))

	require.Len(t, c.updates, 1)
	u := c.updates[0]
	assert.Equal(t, "BTCUSDT", u.Symbol)
	assert.Equal(t, int64(5000), u.Timestamp)
	require.NotNil(t, u.Price)
	assert.Equal(t, 50000.0, *u.Price)
	require.NotNil(t, u.MarkPrice)
	assert.Equal(t, 50010.0, *u.MarkPrice)
	require.NotNil(t, u.FundingRate)
	assert.Equal(t, 0.0001, *u.FundingRate)
	require.NotNil(t, u.OpenInterest)
	assert.Equal(t, 12345.0, *u.OpenInterest)
	require.NotNil(t, u.OpenInterestTS)
	assert.Equal(t, int64(5000), *u.OpenInterestTS)
}

func TestBybitDeltaCarriesOnlyPresentFields(t *testing.T) {
	p := NewBybitLinear()
	c := &captured{}
	p.OnUpdate(c.handler)

	p.onMessage([]byte(`{"topic":"tickers.BTCUSDT","ts":5000,"data":{"symbol":"BTCUSDT","openInterest":"500"}}`))

	require.Len(t, c.updates, 1)
	u := c.updates[0]
	assert.Nil(t, u.Price)
	require.NotNil(t, u.OpenInterest)
	assert.Equal(t, 500.0, *u.OpenInterest)
}

func TestBybitEmptyDeltaNotEmitted(t *testing.T) {
	p := NewBybitLinear()
	c := &captured{}
	p.OnUpdate(c.handler)

	p.onMessage([]byte(`{"topic":"tickers.BTCUSDT","ts":5000,"data":{"symbol":"BTCUSDT"}}`))

	assert.Empty(t, c.updates)
	assert.Zero(t, p.conn.errCount.Load())
}

func TestBybitRejectedOpAckIsNotFatal(t *testing.T) {
	p := NewBybitLinear()
	c := &captured{}
	p.OnUpdate(c.handler)

	p.onMessage([]byte(`{"op":"subscribe","success":false,"ret_msg":"unknown topic"}`))
	p.onMessage([]byte(`{"op":"subscribe","success":true}`))
	p.onMessage([]byte(`{"op":"pong"}`))

	assert.Empty(t, c.updates)
	assert.Zero(t, p.conn.errCount.Load())
}

func TestBybitInvalidSymbolSkipped(t *testing.T) {
	p := NewBybitLinear()
	c := &captured{}
	p.OnUpdate(c.handler)

	p.onMessage([]byte(`{"topic":"tickers.BTC-PERP","ts":5000,"data":{"symbol":"BTC-PERP","lastPrice":"50000"}}`))

	assert.Empty(t, c.updates)
}

func TestBybitMalformedFrameCountsError(t *testing.T) {
	p := NewBybitLinear()

	p.onMessage([]byte(`{{{`))
	p.onMessage([]byte(`{"topic":"tickers.BTCUSDT","ts":1,"data":["wrong shape"]}`))

	assert.Equal(t, int64(2), p.conn.errCount.Load())
}
