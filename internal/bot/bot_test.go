package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"binance-signal-bot-go/internal/exchange"
	"binance-signal-bot-go/internal/models"
	"binance-signal-bot-go/internal/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeExchange struct {
	mu sync.Mutex

	candles   []models.Candle
	candleErr error
	balances  map[string]models.Balance
	orderErr  error

	orders []exchange.OrderRequest

	// onCandles runs inside GetCandles, for instrumenting concurrency.
	onCandles func()
}

func (f *fakeExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	if f.onCandles != nil {
		f.onCandles()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.candleErr != nil {
		return nil, f.candleErr
	}
	out := make([]models.Candle, len(f.candles))
	copy(out, f.candles)
	return out, nil
}

func (f *fakeExchange) GetBalances(ctx context.Context) (map[string]models.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]models.Balance, len(f.balances))
	for k, v := range f.balances {
		out[k] = v
	}
	return out, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	f.orders = append(f.orders, req)

	price := f.candles[len(f.candles)-1].Close
	return &models.Order{
		Symbol:        req.Symbol,
		OrderID:       int64(len(f.orders)),
		ClientOrderID: fmt.Sprintf("test-%d", len(f.orders)),
		TransactTime:  time.Now().UnixMilli(),
		OrigQty:       fmt.Sprintf("%.8f", req.Quantity),
		ExecutedQty:   fmt.Sprintf("%.8f", req.Quantity),
		CumQuoteQty:   fmt.Sprintf("%.8f", req.Quantity*price),
		Status:        "FILLED",
		Type:          req.Type,
		Side:          req.Side,
	}, nil
}

func (f *fakeExchange) GetSymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error) {
	return &models.SymbolInfo{
		Symbol:     symbol,
		BaseAsset:  "BTC",
		QuoteAsset: "USDT",
		Filters: []models.SymbolFilter{
			{FilterType: "LOT_SIZE", StepSize: "0.00000001", MinQty: "0.00010000", MaxQty: "9000.00000000"},
		},
	}, nil
}

func (f *fakeExchange) GetServerTime(ctx context.Context) (int64, error) {
	return time.Now().UnixMilli(), nil
}

func (f *fakeExchange) placedOrders() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.OrderRequest, len(f.orders))
	copy(out, f.orders)
	return out
}

// closedCandlesFrom builds a window of already-closed candles ending just
// before now.
func closedCandlesFrom(closes []float64) []models.Candle {
	interval := time.Minute
	end := time.Now().Add(-time.Second)
	candles := make([]models.Candle, len(closes))
	for i, c := range closes {
		open := end.Add(time.Duration(i-len(closes)) * interval)
		candles[i] = models.Candle{
			OpenTime:  open,
			CloseTime: open.Add(interval),
			Open:      c,
			High:      c,
			Low:       c,
			Close:     c,
			Volume:    1,
		}
	}
	return candles
}

func testBotConfig() models.BotConfig {
	return models.BotConfig{
		ID:              "bot-test-0001",
		Symbol:          "BTCUSDT",
		Timeframe:       "1m",
		PositionSizePct: 0.5,
		StrategyType:    "sma_cross",
		StrategyParams:  map[string]float64{"fast_period": 2, "slow_period": 4},
	}
}

func newTestBot(t *testing.T, cfg models.BotConfig, ex exchange.Exchange) (*Bot, persistence.Store) {
	t.Helper()
	store, err := persistence.NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SaveBot(&models.BotRecord{
		Config: cfg,
		Status: models.StatusRunning,
	}))

	b, err := New(cfg, ex, store, 3, zap.NewNop().Sugar())
	require.NoError(t, err)
	return b, store
}

func TestParseTimeframe(t *testing.T) {
	cases := map[string]time.Duration{
		"1m":  time.Minute,
		"15m": 15 * time.Minute,
		"1h":  time.Hour,
		"4h":  4 * time.Hour,
		"1d":  24 * time.Hour,
		"1w":  7 * 24 * time.Hour,
	}
	for tf, want := range cases {
		got, err := ParseTimeframe(tf)
		require.NoError(t, err, tf)
		assert.Equal(t, want, got, tf)
	}

	for _, tf := range []string{"", "m", "0m", "-1h", "1x", "abc"} {
		_, err := ParseTimeframe(tf)
		assert.Error(t, err, tf)
	}
}

// A flat account plus a buy crossover yields exactly one market buy,
// sized from the free quote balance, with a clean bot record afterwards.
func TestTickBuysWhenFlat(t *testing.T) {
	// Fast SMA crosses above slow on the final candle.
	ex := &fakeExchange{
		candles: closedCandlesFrom([]float64{10, 10, 10, 10, 10, 9, 9, 14}),
		balances: map[string]models.Balance{
			"USDT": {Asset: "USDT", Free: 1000},
			"BTC":  {Asset: "BTC", Free: 0},
		},
	}
	b, store := newTestBot(t, testBotConfig(), ex)

	require.NoError(t, b.tick(context.Background()))

	orders := ex.placedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "BUY", orders[0].Side)
	assert.Equal(t, "MARKET", orders[0].Type)
	assert.InDelta(t, 1000*0.5/14, orders[0].Quantity, 1e-9)

	trades, err := store.ListTrades(b.cfg.ID, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "BUY", trades[0].Side)
	assert.InDelta(t, 1000*0.5, trades[0].QuoteQuantity, 1e-6)

	logs, err := store.ListIndicatorLogs(b.cfg.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.SignalBuy, logs[0].Signal)

	rec, err := store.GetBot(b.cfg.ID)
	require.NoError(t, err)
	assert.Empty(t, rec.LastError)
	assert.False(t, rec.LastRunAt.IsZero())
}

// A buy signal while already holding the base asset is skipped: no
// doubling down, but the indicator log still gets its entry.
func TestTickSkipsBuyWhenInPosition(t *testing.T) {
	ex := &fakeExchange{
		candles: closedCandlesFrom([]float64{10, 10, 10, 10, 10, 9, 9, 14}),
		balances: map[string]models.Balance{
			"USDT": {Asset: "USDT", Free: 500},
			"BTC":  {Asset: "BTC", Free: 1.0},
		},
	}
	b, store := newTestBot(t, testBotConfig(), ex)

	require.NoError(t, b.tick(context.Background()))

	assert.Empty(t, ex.placedOrders())

	trades, err := store.ListTrades(b.cfg.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)

	logs, err := store.ListIndicatorLogs(b.cfg.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

// A sell crossover while in position liquidates the full base balance and
// realizes profit against the recorded entry cost.
func TestTickSellsAndRealizesProfit(t *testing.T) {
	// Fast SMA crosses below slow on the final candle; close 6.
	ex := &fakeExchange{
		candles: closedCandlesFrom([]float64{10, 10, 10, 10, 10, 11, 11, 6}),
		balances: map[string]models.Balance{
			"USDT": {Asset: "USDT", Free: 0},
			"BTC":  {Asset: "BTC", Free: 100},
		},
	}
	b, store := newTestBot(t, testBotConfig(), ex)

	// Entry recorded by a previous run: 100 BTC for 500 USDT.
	require.NoError(t, store.AppendTrade(&models.Trade{
		BotID:         b.cfg.ID,
		Symbol:        "BTCUSDT",
		Side:          "BUY",
		Quantity:      100,
		Price:         5,
		QuoteQuantity: 500,
		ExecutedAt:    time.Now().Add(-time.Hour),
	}))
	b.rehydratePosition()
	assert.InDelta(t, 500.0, b.openCost, 1e-9)
	assert.InDelta(t, 5.0, b.entryPrice, 1e-9)

	require.NoError(t, b.tick(context.Background()))

	orders := ex.placedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "SELL", orders[0].Side)
	assert.InDelta(t, 100.0, orders[0].Quantity, 1e-9)

	trades, err := store.ListTrades(b.cfg.ID, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	// Newest first: 100 * 6 = 600 proceeds against 500 entry cost.
	assert.Equal(t, "SELL", trades[0].Side)
	assert.InDelta(t, 100.0, trades[0].Profit, 1e-6)

	rec, err := store.GetBot(b.cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.TotalTrades)
	assert.Equal(t, 1, rec.WinningTrades)
	assert.InDelta(t, 100.0, rec.TotalProfit, 1e-6)
	assert.Zero(t, b.openCost)
}

// A position under water past the stop loss is liquidated even though
// the strategy itself has no signal.
func TestTickStopLossOverridesWait(t *testing.T) {
	// Flat closes, no crossover: the strategy says wait.
	ex := &fakeExchange{
		candles: closedCandlesFrom([]float64{8, 8, 8, 8, 8, 8, 8, 8}),
		balances: map[string]models.Balance{
			"USDT": {Asset: "USDT", Free: 0},
			"BTC":  {Asset: "BTC", Free: 50},
		},
	}
	cfg := testBotConfig()
	cfg.StopLossPct = 0.1
	b, store := newTestBot(t, cfg, ex)

	// Entered at 10; the close of 8 is a 20% drawdown.
	require.NoError(t, store.AppendTrade(&models.Trade{
		BotID: b.cfg.ID, Symbol: "BTCUSDT", Side: "BUY",
		Quantity: 50, Price: 10, QuoteQuantity: 500,
		ExecutedAt: time.Now().Add(-time.Hour),
	}))
	b.rehydratePosition()

	require.NoError(t, b.tick(context.Background()))

	orders := ex.placedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "SELL", orders[0].Side)
	assert.InDelta(t, 50.0, orders[0].Quantity, 1e-9)
}

// The same flat tape without a stop loss configured does nothing.
func TestTickNoRiskExitWithoutThresholds(t *testing.T) {
	ex := &fakeExchange{
		candles: closedCandlesFrom([]float64{8, 8, 8, 8, 8, 8, 8, 8}),
		balances: map[string]models.Balance{
			"USDT": {Asset: "USDT", Free: 0},
			"BTC":  {Asset: "BTC", Free: 50},
		},
	}
	b, store := newTestBot(t, testBotConfig(), ex)
	require.NoError(t, store.AppendTrade(&models.Trade{
		BotID: b.cfg.ID, Symbol: "BTCUSDT", Side: "BUY",
		Quantity: 50, Price: 10, QuoteQuantity: 500,
		ExecutedAt: time.Now().Add(-time.Hour),
	}))
	b.rehydratePosition()

	require.NoError(t, b.tick(context.Background()))
	assert.Empty(t, ex.placedOrders())
}

// Sell signal with nothing held is a no-op.
func TestTickSkipsSellWhenFlat(t *testing.T) {
	ex := &fakeExchange{
		candles: closedCandlesFrom([]float64{10, 10, 10, 10, 10, 11, 11, 6}),
		balances: map[string]models.Balance{
			"USDT": {Asset: "USDT", Free: 1000},
			"BTC":  {Asset: "BTC", Free: 0},
		},
	}
	b, store := newTestBot(t, testBotConfig(), ex)

	require.NoError(t, b.tick(context.Background()))

	assert.Empty(t, ex.placedOrders())
	trades, err := store.ListTrades(b.cfg.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

// A failed tick leaves the bot running but records the error on the
// record for operators to see.
func TestTickFailureRecordsLastError(t *testing.T) {
	ex := &fakeExchange{candleErr: errors.New("exchange unreachable")}
	b, store := newTestBot(t, testBotConfig(), ex)

	err := b.tick(context.Background())
	require.Error(t, err)

	rec, getErr := store.GetBot(b.cfg.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.StatusRunning, rec.Status)
	assert.Contains(t, rec.LastError, "exchange unreachable")
}

// Repeated failures escalate the bot to the error state and stop the
// loop; a single success in between resets the counter.
func TestRunEscalatesAfterConsecutiveFailures(t *testing.T) {
	ex := &fakeExchange{candleErr: errors.New("exchange unreachable")}
	b, store := newTestBot(t, testBotConfig(), ex)
	b.interval = time.Millisecond

	done := make(chan struct{})
	go func() {
		b.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("bot loop did not stop after escalation")
	}

	rec, err := store.GetBot(b.cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, rec.Status)
	assert.Contains(t, rec.LastError, "consecutive failures")
}

// An authentication rejection is fatal on the first occurrence.
func TestRunStopsImmediatelyOnAuthError(t *testing.T) {
	ex := &fakeExchange{candleErr: &models.APIError{Code: -2015, Message: "invalid api-key"}}
	b, store := newTestBot(t, testBotConfig(), ex)
	b.interval = time.Hour // the first tick must be enough

	done := make(chan struct{})
	go func() {
		b.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("bot loop did not stop on auth error")
	}

	rec, err := store.GetBot(b.cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, rec.Status)
	assert.Contains(t, rec.LastError, "fatal")
}

// Ticks never overlap: however slow one tick is, the next waits.
func TestRunNeverOverlapsTicks(t *testing.T) {
	var inFlight, maxInFlight int64
	ex := &fakeExchange{
		candles: closedCandlesFrom([]float64{10, 10, 10, 10, 10, 10, 10, 10}),
		balances: map[string]models.Balance{
			"USDT": {Asset: "USDT", Free: 1000},
			"BTC":  {Asset: "BTC", Free: 0},
		},
	}
	ex.onCandles = func() {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			m := atomic.LoadInt64(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt64(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond) // slower than the tick interval
		atomic.AddInt64(&inFlight, -1)
	}

	b, _ := newTestBot(t, testBotConfig(), ex)
	b.interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	assert.EqualValues(t, 1, atomic.LoadInt64(&maxInFlight))
	assert.Greater(t, atomic.LoadInt64(&maxInFlight), int64(0))
}

// Cancellation between steps aborts the tick without counting it as a
// failure.
func TestTickObservesCancellation(t *testing.T) {
	ex := &fakeExchange{
		candles: closedCandlesFrom([]float64{10, 10, 10, 10, 10, 9, 9, 14}),
		balances: map[string]models.Balance{
			"USDT": {Asset: "USDT", Free: 1000},
		},
	}
	b, _ := newTestBot(t, testBotConfig(), ex)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.tick(ctx)
	assert.ErrorIs(t, err, errCancelled)
	assert.Empty(t, ex.placedOrders())
}
