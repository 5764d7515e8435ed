package providers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestReturnsFreshEntry(t *testing.T) {
	p := newOIPoller("test", nil, nil)
	p.cache["BTCUSDT"] = oiEntry{oi: 123.5, ts: 9000, fetchedAt: time.Now()}

	oi, ts, ok := p.latest("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 123.5, oi)
	assert.Equal(t, int64(9000), ts)
}

func TestLatestRejectsStaleEntry(t *testing.T) {
	p := newOIPoller("test", nil, nil)
	p.cache["BTCUSDT"] = oiEntry{oi: 123.5, ts: 9000, fetchedAt: time.Now().Add(-oiCacheMaxAge - time.Second)}

	_, _, ok := p.latest("BTCUSDT")
	assert.False(t, ok)
}

func TestLatestUnknownSymbol(t *testing.T) {
	p := newOIPoller("test", nil, nil)
	_, _, ok := p.latest("NOPEUSDT")
	assert.False(t, ok)
}

func TestBatchesOf(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}

	got := batchesOf(items, 2)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, got)

	assert.Nil(t, batchesOf(nil, 2))
	assert.Equal(t, [][]string{{"a", "b", "c", "d", "e"}}, batchesOf(items, 10))
}
