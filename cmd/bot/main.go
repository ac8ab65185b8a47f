package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"binance-signal-bot-go/internal/admin"
	"binance-signal-bot-go/internal/backtest"
	"binance-signal-bot-go/internal/clock"
	"binance-signal-bot-go/internal/config"
	"binance-signal-bot-go/internal/downloader"
	"binance-signal-bot-go/internal/exchange"
	"binance-signal-bot-go/internal/logger"
	"binance-signal-bot-go/internal/manager"
	"binance-signal-bot-go/internal/models"
	"binance-signal-bot-go/internal/persistence"
	"binance-signal-bot-go/internal/pricefeed"
	"binance-signal-bot-go/internal/reporter"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or backtest")
	dataPath := flag.String("data", "", "path to historical candle CSV for backtesting")
	symbol := flag.String("symbol", "", "symbol to download for backtesting (e.g. BTCUSDT)")
	startDate := flag.String("start", "", "backtest start date (YYYY-MM-DD)")
	endDate := flag.String("end", "", "backtest end date (YYYY-MM-DD)")
	botID := flag.String("bot", "", "bot id from the config to backtest (default: first)")
	flag.Parse()

	// A default logger first, so config loading itself can log.
	logger.Init(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("no .env file found, using process environment")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.S().Fatalf("loading config: %v", err)
	}

	logger.Init(cfg.LogConfig)
	defer logger.S().Sync()

	switch *mode {
	case "live":
		runLive(cfg)
	case "backtest":
		runBacktest(cfg, *botID, *dataPath, *symbol, *startDate, *endDate)
	default:
		logger.S().Fatalf("unknown mode %q, expected live or backtest", *mode)
	}
}

func runLive(cfg *models.Config) {
	log := logger.S()
	log.Infow("starting live mode", "testnet", cfg.IsTestnet)

	store, err := persistence.NewBadgerStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("opening store at %s: %v", cfg.DBPath, err)
	}
	defer store.Close()

	clockSync := clock.NewSynchronizer(log)
	throttle := exchange.NewThrottle(cfg.Throttle)

	// Unauthenticated handle for time probes.
	prober := exchange.NewLiveExchange(gatewayOptions(cfg, models.BotConfig{}), clockSync, throttle, log)

	factory := func(botCfg models.BotConfig) (exchange.Exchange, error) {
		opts := gatewayOptions(cfg, botCfg)
		if opts.APIKey == "" || opts.SecretKey == "" {
			return nil, fmt.Errorf("bot %s has no API credentials", botCfg.ID)
		}
		return exchange.NewLiveExchange(opts, clockSync, throttle, log), nil
	}

	mgr := manager.New(store, factory, clockSync, prober, cfg.MaxConsecutiveFailures, log)

	seedBots(store, cfg.Bots)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Initialize(ctx); err != nil {
		log.Fatalf("initializing manager: %v", err)
	}

	resyncInterval := time.Duration(cfg.ClockResyncIntervalSec) * time.Second
	go clockSync.AutoResync(ctx, prober, resyncInterval)

	var feed *pricefeed.Feed
	if symbols := fleetSymbols(store); len(symbols) > 0 && cfg.WSBaseURL != "" {
		feed = pricefeed.New(cfg.WSBaseURL, symbols, log)
		go feed.Run(ctx)
	}

	adminSrv := admin.New(cfg.AdminListenAddr, mgr, store, feed, log)
	go func() {
		if err := adminSrv.Run(ctx); err != nil {
			log.Errorw("admin server failed", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	// Statuses are left as-is so running bots come back on restart.
	mgr.Shutdown()

	reporter.RenderFleetStatus(os.Stdout, listOrEmpty(store), nil)
}

func runBacktest(cfg *models.Config, botID, dataPath, symbol, startDate, endDate string) {
	log := logger.S()

	botCfg, err := pickBot(cfg.Bots, botID)
	if err != nil {
		log.Fatal(err)
	}

	var startTime, endTime time.Time
	if startDate != "" {
		if startTime, err = time.Parse("2006-01-02", startDate); err != nil {
			log.Fatalf("invalid start date %q: %v", startDate, err)
		}
	}
	if endDate != "" {
		if endTime, err = time.Parse("2006-01-02", endDate); err != nil {
			log.Fatalf("invalid end date %q: %v", endDate, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if dataPath == "" {
		if symbol == "" || startDate == "" || endDate == "" {
			log.Fatal("backtest needs -data, or -symbol with -start and -end to download")
		}
		dataPath = filepath.Join("data",
			fmt.Sprintf("%s-%s-%s-%s.csv", symbol, botCfg.Timeframe, startDate, endDate))
		dl := downloader.NewKlineDownloader(log)
		if err := dl.DownloadKlines(ctx, symbol, botCfg.Timeframe, dataPath, startTime, endTime); err != nil {
			log.Fatalf("downloading candles: %v", err)
		}
		botCfg.Symbol = symbol
	}

	candles, err := backtest.LoadCandlesCSV(dataPath, startTime, endTime)
	if err != nil {
		log.Fatal(err)
	}
	log.Infow("candles loaded", "path", dataPath, "count", len(candles))

	const initialBalance = 10000
	ex := exchange.NewBacktestExchange(exchange.BacktestConfig{
		Symbol:         botCfg.Symbol,
		BaseAsset:      baseAssetOf(botCfg.Symbol),
		QuoteAsset:     "USDT",
		InitialBalance: initialBalance,
		FeeRate:        0.001,
	}, candles)

	runner, err := backtest.NewRunner(botCfg, ex, initialBalance, log)
	if err != nil {
		log.Fatalf("building backtest runner: %v", err)
	}

	metrics, err := runner.Run(ctx)
	if err != nil {
		log.Fatalf("backtest failed: %v", err)
	}
	reporter.RenderBacktestReport(os.Stdout, botCfg.Symbol, botCfg.StrategyType, metrics)
}

// gatewayOptions resolves one bot's REST options, falling back to the
// process-wide credentials and base URL.
func gatewayOptions(cfg *models.Config, botCfg models.BotConfig) exchange.Options {
	apiKey, secretKey := botCfg.APIKey, botCfg.SecretKey
	if apiKey == "" {
		apiKey, secretKey = cfg.APIKey, cfg.SecretKey
	}
	baseURL := cfg.BaseURL
	if botCfg.Testnet && cfg.TestnetAPIURL != "" {
		baseURL = cfg.TestnetAPIURL
	}
	return exchange.Options{
		APIKey:        apiKey,
		SecretKey:     secretKey,
		BaseURL:       baseURL,
		RecvWindowMs:  cfg.RecvWindowMs,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
		Timeout:       time.Duration(cfg.RequestTimeoutSec) * time.Second,
	}
}

// seedBots registers configs from the file that the store has never
// seen. Seeded bots start idle: a bot only trades after an explicit
// start, and known bots keep their persisted config and status.
func seedBots(store persistence.Store, bots []models.BotConfig) {
	for _, botCfg := range bots {
		existing, err := store.GetBot(botCfg.ID)
		if err != nil {
			logger.S().Errorw("checking seeded bot failed", "bot", botCfg.ID, "err", err)
			continue
		}
		if existing != nil {
			continue
		}
		if err := store.SaveBot(&models.BotRecord{
			Config: botCfg,
			Status: models.StatusIdle,
		}); err != nil {
			logger.S().Errorw("seeding bot failed", "bot", botCfg.ID, "err", err)
			continue
		}
		logger.S().Infow("seeded bot from config", "bot", botCfg.ID, "symbol", botCfg.Symbol)
	}
}

func fleetSymbols(store persistence.Store) []string {
	records, err := store.ListBots()
	if err != nil {
		return nil
	}
	seen := make(map[string]bool, len(records))
	var symbols []string
	for _, rec := range records {
		if s := rec.Config.Symbol; s != "" && !seen[s] {
			seen[s] = true
			symbols = append(symbols, s)
		}
	}
	return symbols
}

func pickBot(bots []models.BotConfig, id string) (models.BotConfig, error) {
	if len(bots) == 0 {
		return models.BotConfig{}, fmt.Errorf("config defines no bots to backtest")
	}
	if id == "" {
		return bots[0], nil
	}
	for _, b := range bots {
		if b.ID == id {
			return b, nil
		}
	}
	return models.BotConfig{}, fmt.Errorf("bot %q not found in config", id)
}

// baseAssetOf strips the common quote suffixes from a symbol. Good enough
// for simulated account seeding.
func baseAssetOf(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "BUSD", "BTC", "ETH"} {
		if len(symbol) > len(quote) && symbol[len(symbol)-len(quote):] == quote {
			return symbol[:len(symbol)-len(quote)]
		}
	}
	return symbol
}

// listOrEmpty tolerates a listing failure during shutdown; the final
// status table is best-effort.
func listOrEmpty(store persistence.Store) []models.BotRecord {
	records, err := store.ListBots()
	if err != nil {
		logger.S().Errorw("listing bots for the status report failed", "err", err)
		return nil
	}
	return records
}
