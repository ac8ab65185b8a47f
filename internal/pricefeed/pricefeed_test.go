package pricefeed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestFeed() *Feed {
	return New("wss://example.invalid", []string{"BTCUSDT", "ETHUSDT"}, zap.NewNop().Sugar())
}

func TestHandleMessageCachesQuote(t *testing.T) {
	f := newTestFeed()

	f.handleMessage([]byte(`{"stream":"btcusdt@aggTrade","data":{"s":"BTCUSDT","p":"64250.10","T":1756700000000}}`))

	q, ok := f.Price("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", q.Symbol)
	assert.InDelta(t, 64250.10, q.Price, 1e-9)
	assert.Equal(t, time.UnixMilli(1756700000000), q.At)

	_, ok = f.Price("ETHUSDT")
	assert.False(t, ok)
}

func TestHandleMessageKeepsLatestPerSymbol(t *testing.T) {
	f := newTestFeed()

	f.handleMessage([]byte(`{"data":{"s":"BTCUSDT","p":"100.0","T":1}}`))
	f.handleMessage([]byte(`{"data":{"s":"BTCUSDT","p":"101.5","T":2}}`))
	f.handleMessage([]byte(`{"data":{"s":"ETHUSDT","p":"20.0","T":3}}`))

	q, ok := f.Price("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 101.5, q.Price, 1e-9)

	snap := f.Snapshot()
	assert.Len(t, snap, 2)
}

func TestHandleMessageIgnoresGarbage(t *testing.T) {
	f := newTestFeed()

	f.handleMessage([]byte(`not json`))
	f.handleMessage([]byte(`{"data":{"s":"","p":"1.0"}}`))
	f.handleMessage([]byte(`{"data":{"s":"BTCUSDT","p":"not-a-number"}}`))

	assert.Empty(t, f.Snapshot())
}
