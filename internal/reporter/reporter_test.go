package reporter

import (
	"bytes"
	"testing"

	"binance-signal-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeMetricsPairsRoundTrips(t *testing.T) {
	fills := []models.Trade{
		{Side: "BUY", Quantity: 1, QuoteQuantity: 100},
		{Side: "SELL", Quantity: 1, QuoteQuantity: 120}, // +20
		{Side: "BUY", Quantity: 2, QuoteQuantity: 240},
		{Side: "SELL", Quantity: 2, QuoteQuantity: 230}, // -10
	}
	m := ComputeMetrics(1000, 1010, 1.5, []float64{1000, 1020, 1005, 1010}, fills)

	assert.Equal(t, 2, m.TotalTrades)
	assert.Equal(t, 1, m.WinningTrades)
	assert.Equal(t, 1, m.LosingTrades)
	assert.InDelta(t, 50.0, m.WinRate, 1e-9)
	assert.InDelta(t, 2.0, m.AvgProfitLoss, 1e-9) // avg win 20, avg loss 10
	assert.InDelta(t, 10.0, m.TotalProfit, 1e-9)
	assert.InDelta(t, 1.0, m.ProfitPercentage, 1e-9)
	assert.InDelta(t, 1.5, m.TotalFees, 1e-9)
	assert.Zero(t, m.OpenPositionQty)
}

func TestComputeMetricsTracksOpenPosition(t *testing.T) {
	fills := []models.Trade{
		{Side: "BUY", Quantity: 0.5, QuoteQuantity: 100},
	}
	m := ComputeMetrics(1000, 1040, 0, nil, fills)

	assert.Zero(t, m.TotalTrades)
	assert.InDelta(t, 0.5, m.OpenPositionQty, 1e-9)
	assert.InDelta(t, 40.0, m.TotalProfit, 1e-9)
}

func TestMaxDrawdown(t *testing.T) {
	// Peak 120, trough 90: a 25% drawdown.
	m := ComputeMetrics(100, 110, 0, []float64{100, 120, 90, 110}, nil)
	assert.InDelta(t, 25.0, m.MaxDrawdown, 1e-9)

	flat := ComputeMetrics(100, 100, 0, []float64{100, 100}, nil)
	assert.Zero(t, flat.MaxDrawdown)
}

func TestRenderFleetStatus(t *testing.T) {
	records := []models.BotRecord{
		{
			Config:        models.BotConfig{ID: "bot-a", Symbol: "BTCUSDT", Timeframe: "1h", StrategyType: "sma_cross"},
			Status:        models.StatusRunning,
			TotalTrades:   4,
			WinningTrades: 3,
			TotalProfit:   12.5,
		},
		{
			Config:    models.BotConfig{ID: "bot-b", Symbol: "ETHUSDT", Timeframe: "15m", StrategyType: "rsi"},
			Status:    models.StatusError,
			LastError: "3 consecutive failures",
		},
	}

	var buf bytes.Buffer
	RenderFleetStatus(&buf, records, func(id string) bool { return id == "bot-a" })

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, "bot-a")
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "error")
	assert.Contains(t, out, "consecutive failures")
}
