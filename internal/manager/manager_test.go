package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"binance-signal-bot-go/internal/clock"
	"binance-signal-bot-go/internal/exchange"
	"binance-signal-bot-go/internal/models"
	"binance-signal-bot-go/internal/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// idleExchange feeds flat candles so a running loop evaluates to no
// signal and never trades.
type idleExchange struct{}

func (idleExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	end := time.Now().Add(-time.Second)
	candles := make([]models.Candle, 60)
	for i := range candles {
		open := end.Add(time.Duration(i-len(candles)) * time.Minute)
		candles[i] = models.Candle{
			OpenTime:  open,
			CloseTime: open.Add(time.Minute),
			Open:      10, High: 10, Low: 10, Close: 10, Volume: 1,
		}
	}
	return candles, nil
}

func (idleExchange) GetBalances(ctx context.Context) (map[string]models.Balance, error) {
	return map[string]models.Balance{
		"USDT": {Asset: "USDT", Free: 1000},
	}, nil
}

func (idleExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*models.Order, error) {
	return &models.Order{Symbol: req.Symbol, Status: "FILLED"}, nil
}

func (idleExchange) GetSymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error) {
	return &models.SymbolInfo{Symbol: symbol, BaseAsset: "BTC", QuoteAsset: "USDT"}, nil
}

func (idleExchange) GetServerTime(ctx context.Context) (int64, error) {
	return time.Now().UnixMilli(), nil
}

func testConfig(id string) models.BotConfig {
	return models.BotConfig{
		ID:              id,
		Symbol:          "BTCUSDT",
		Timeframe:       "1h",
		PositionSizePct: 0.5,
		StrategyType:    "sma_cross",
		StrategyParams:  map[string]float64{"fast_period": 2, "slow_period": 4},
	}
}

func newTestManager(t *testing.T) (*Manager, persistence.Store) {
	t.Helper()
	store, err := persistence.NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := zap.NewNop().Sugar()
	sync := clock.NewSynchronizer(logger)
	factory := func(models.BotConfig) (exchange.Exchange, error) {
		return idleExchange{}, nil
	}
	m := New(store, factory, sync, idleExchange{}, 3, logger)
	t.Cleanup(m.Shutdown)
	return m, store
}

func TestStartRejectedBeforeInitialize(t *testing.T) {
	m, _ := newTestManager(t)
	assert.ErrorIs(t, m.Start(testConfig("bot-a")), ErrNotReady)
	assert.ErrorIs(t, m.Stop("bot-a"), ErrNotReady)
}

func TestStartIsIdempotent(t *testing.T) {
	m, store := newTestManager(t)
	require.NoError(t, m.Initialize(context.Background()))

	cfg := testConfig("bot-a")
	require.NoError(t, m.Start(cfg))
	assert.True(t, m.IsActive(cfg.ID))

	// A second start must not disturb the live loop.
	assert.ErrorIs(t, m.Start(cfg), ErrAlreadyRunning)
	assert.True(t, m.IsActive(cfg.ID))

	rec, err := store.GetBot(cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, rec.Status)
}

func TestStopPersistsStoppedStatus(t *testing.T) {
	m, store := newTestManager(t)
	require.NoError(t, m.Initialize(context.Background()))

	cfg := testConfig("bot-a")
	require.NoError(t, m.Start(cfg))
	require.NoError(t, m.Stop(cfg.ID))

	assert.False(t, m.IsActive(cfg.ID))
	rec, err := store.GetBot(cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, rec.Status)

	assert.ErrorIs(t, m.Stop(cfg.ID), ErrNotRunning)
}

func TestStoppedBotCanBeRestarted(t *testing.T) {
	m, store := newTestManager(t)
	require.NoError(t, m.Initialize(context.Background()))

	cfg := testConfig("bot-a")
	require.NoError(t, m.Start(cfg))
	require.NoError(t, m.Stop(cfg.ID))
	require.NoError(t, m.Start(cfg))

	assert.True(t, m.IsActive(cfg.ID))
	rec, err := store.GetBot(cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, rec.Status)
}

// Bots persisted as running come back automatically after a restart;
// stopped and errored bots stay down.
func TestInitializeRespawnsRunningBots(t *testing.T) {
	m, store := newTestManager(t)

	require.NoError(t, store.SaveBot(&models.BotRecord{
		Config: testConfig("bot-a"),
		Status: models.StatusRunning,
	}))
	require.NoError(t, store.SaveBot(&models.BotRecord{
		Config: testConfig("bot-b"),
		Status: models.StatusStopped,
	}))
	require.NoError(t, store.SaveBot(&models.BotRecord{
		Config: testConfig("bot-c"),
		Status: models.StatusError,
	}))

	require.NoError(t, m.Initialize(context.Background()))

	assert.True(t, m.IsActive("bot-a"))
	assert.False(t, m.IsActive("bot-b"))
	assert.False(t, m.IsActive("bot-c"))
}

// A respawn that cannot even construct its bot is marked errored instead
// of silently skipped.
func TestInitializeMarksUnspawnableBots(t *testing.T) {
	store, err := persistence.NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := zap.NewNop().Sugar()
	factory := func(models.BotConfig) (exchange.Exchange, error) {
		return idleExchange{}, nil
	}
	m := New(store, factory, clock.NewSynchronizer(logger), idleExchange{}, 3, logger)
	t.Cleanup(m.Shutdown)

	bad := testConfig("bot-bad")
	bad.Timeframe = "nonsense"
	require.NoError(t, store.SaveBot(&models.BotRecord{
		Config: bad,
		Status: models.StatusRunning,
	}))

	require.NoError(t, m.Initialize(context.Background()))

	assert.False(t, m.IsActive("bot-bad"))
	rec, err := store.GetBot("bot-bad")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, rec.Status)
	assert.Contains(t, rec.LastError, "respawn failed")
}

// Shutdown halts the loops but leaves persisted statuses alone, so the
// next Initialize brings the same fleet back.
func TestShutdownPreservesRunningStatus(t *testing.T) {
	m, store := newTestManager(t)
	require.NoError(t, m.Initialize(context.Background()))

	cfg := testConfig("bot-a")
	require.NoError(t, m.Start(cfg))

	m.Shutdown()

	assert.False(t, m.IsActive(cfg.ID))
	rec, err := store.GetBot(cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, rec.Status)
}

func TestStatusUnknownBot(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Initialize(context.Background()))

	_, err := m.Status("no-such-bot")
	assert.ErrorIs(t, err, ErrUnknownBot)
}

// stallingStore holds the bot-record read open until released, then
// fails it, so a Stop can be raced against a Start that is still
// persisting.
type stallingStore struct {
	persistence.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *stallingStore) GetBot(id string) (*models.BotRecord, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil, errors.New("store unavailable")
}

// A Stop that grabs the registry entry while the start's persist is
// still in flight must return once that persist fails; the cleanup path
// owns closing done when no loop goroutine was spawned.
func TestStopDuringFailedStartDoesNotHang(t *testing.T) {
	base, err := persistence.NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })

	store := &stallingStore{
		Store:   base,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	logger := zap.NewNop().Sugar()
	factory := func(models.BotConfig) (exchange.Exchange, error) {
		return idleExchange{}, nil
	}
	m := New(store, factory, clock.NewSynchronizer(logger), idleExchange{}, 3, logger)
	t.Cleanup(m.Shutdown)
	require.NoError(t, m.Initialize(context.Background()))

	startErr := make(chan error, 1)
	go func() { startErr <- m.Start(testConfig("bot-a")) }()

	// The registry entry is published before the persist, so once the
	// store read is entered a concurrent Stop finds and takes it.
	<-store.entered
	stopErr := make(chan error, 1)
	go func() { stopErr <- m.Stop("bot-a") }()
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	select {
	case err := <-startErr:
		require.Error(t, err, "start must surface the persist failure")
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after the persist failure")
	}
	select {
	case <-stopErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the failed start")
	}
	assert.False(t, m.IsActive("bot-a"))
}

// ResyncAll bounces every live loop and leaves the fleet running.
func TestResyncAllRestartsRunningBots(t *testing.T) {
	m, store := newTestManager(t)
	require.NoError(t, m.Initialize(context.Background()))

	require.NoError(t, m.Start(testConfig("bot-a")))
	require.NoError(t, m.Start(testConfig("bot-b")))

	require.NoError(t, m.ResyncAll(context.Background()))

	assert.ElementsMatch(t, []string{"bot-a", "bot-b"}, m.Running())
	for _, id := range []string{"bot-a", "bot-b"} {
		rec, err := store.GetBot(id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRunning, rec.Status)
	}
}
