package backtest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"binance-signal-bot-go/internal/decision"
	"binance-signal-bot-go/internal/exchange"
	"binance-signal-bot-go/internal/models"
	"binance-signal-bot-go/internal/reporter"
	"binance-signal-bot-go/internal/strategy"

	"go.uber.org/zap"
)

// LoadCandlesCSV reads a candle file produced by the downloader and
// returns the candles whose open time falls inside [start, end). Zero
// start/end bounds are open-ended.
func LoadCandlesCSV(path string, start, end time.Time) ([]models.Candle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening candle data: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil { // header
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}

	var candles []models.Candle
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV record: %w", err)
		}
		if len(record) < 7 {
			return nil, fmt.Errorf("malformed CSV record with %d fields", len(record))
		}

		openMs, err := strconv.ParseInt(record[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing open_time %q: %w", record[0], err)
		}
		closeMs, err := strconv.ParseInt(record[6], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing close_time %q: %w", record[6], err)
		}

		openTime := time.UnixMilli(openMs)
		if !start.IsZero() && openTime.Before(start) {
			continue
		}
		if !end.IsZero() && !openTime.Before(end) {
			break
		}

		c := models.Candle{OpenTime: openTime, CloseTime: time.UnixMilli(closeMs)}
		for i, dst := range []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
			v, err := strconv.ParseFloat(record[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("parsing candle field %q: %w", record[i+1], err)
			}
			*dst = v
		}
		candles = append(candles, c)
	}

	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles in %s for the requested range", path)
	}
	return candles, nil
}

// Runner replays a candle series through the same evaluate-decide-act
// path the live loop uses, against a simulated exchange.
type Runner struct {
	cfg            models.BotConfig
	ex             *exchange.BacktestExchange
	strat          strategy.Strategy
	initialBalance float64
	entryPrice     float64
	logger         *zap.SugaredLogger
}

// NewRunner builds a runner for one bot config over a prepared exchange.
func NewRunner(cfg models.BotConfig, ex *exchange.BacktestExchange, initialBalance float64, logger *zap.SugaredLogger) (*Runner, error) {
	strat, err := strategy.New(cfg.StrategyType, cfg.StrategyParams)
	if err != nil {
		return nil, err
	}
	if cfg.PositionSizePct <= 0 || cfg.PositionSizePct > 1 {
		return nil, fmt.Errorf("position_size_pct must be in (0, 1], got %v", cfg.PositionSizePct)
	}
	return &Runner{
		cfg:            cfg,
		ex:             ex,
		strat:          strat,
		initialBalance: initialBalance,
		logger:         logger,
	}, nil
}

// Run steps the simulation through every candle and returns the
// resulting performance metrics.
func (r *Runner) Run(ctx context.Context) (*reporter.Metrics, error) {
	info, err := r.ex.GetSymbolInfo(ctx, r.cfg.Symbol)
	if err != nil {
		return nil, err
	}
	warmup := r.strat.WarmupPeriod()

	var firstOpen, lastClose time.Time
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candles, err := r.ex.GetCandles(ctx, r.cfg.Symbol, r.cfg.Timeframe, warmup+2)
		if err != nil {
			return nil, err
		}
		if firstOpen.IsZero() && len(candles) > 0 {
			firstOpen = candles[0].OpenTime
		}
		if n := len(candles); n > 0 {
			lastClose = candles[n-1].CloseTime
		}

		if len(candles) >= warmup {
			if err := r.step(ctx, info, candles); err != nil {
				return nil, err
			}
		}

		if !r.ex.Advance() {
			break
		}
	}

	m := reporter.ComputeMetrics(
		r.initialBalance,
		r.ex.Equity(),
		r.ex.TotalFees(),
		r.ex.EquityCurve(),
		r.ex.Trades(),
	)
	m.StartTime = firstOpen
	m.EndTime = lastClose
	return m, nil
}

func (r *Runner) step(ctx context.Context, info *models.SymbolInfo, candles []models.Candle) error {
	sig, err := r.strat.Evaluate(candles)
	if err != nil {
		return fmt.Errorf("evaluating strategy: %w", err)
	}

	balances, err := r.ex.GetBalances(ctx)
	if err != nil {
		return err
	}
	state := decision.DeriveState(balances[info.BaseAsset].Free, r.dustThreshold(info))
	lastPrice := candles[len(candles)-1].Close

	action := decision.Decide(state, sig.Type)
	if state == decision.StateInPosition && action != decision.ActionExecuteSell &&
		decision.RiskExit(r.entryPrice, lastPrice, r.cfg.StopLossPct, r.cfg.TakeProfitPct) {
		action = decision.ActionExecuteSell
	}

	switch action {
	case decision.ActionExecuteBuy:
		quantity := balances[info.QuoteAsset].Free * r.cfg.PositionSizePct / lastPrice
		if err := r.place(ctx, "BUY", quantity); err != nil {
			return err
		}
		r.entryPrice = lastPrice
	case decision.ActionExecuteSell:
		if err := r.place(ctx, "SELL", balances[info.BaseAsset].Free); err != nil {
			return err
		}
		r.entryPrice = 0
	}
	return nil
}

// place submits a simulated market order. Filter violations (amounts
// below the lot minimum) are skipped, as a live bot would skip them next
// tick too.
func (r *Runner) place(ctx context.Context, side string, quantity float64) error {
	_, err := r.ex.PlaceOrder(ctx, exchange.OrderRequest{
		BotID:    r.cfg.ID,
		Symbol:   r.cfg.Symbol,
		Side:     side,
		Type:     "MARKET",
		Quantity: quantity,
	})
	var apiErr *models.APIError
	if errors.As(err, &apiErr) && apiErr.IsFilterViolation() {
		r.logger.Debugw("simulated order skipped", "side", side, "qty", quantity, "err", err)
		return nil
	}
	return err
}

func (r *Runner) dustThreshold(info *models.SymbolInfo) float64 {
	if r.cfg.DustThreshold > 0 {
		return r.cfg.DustThreshold
	}
	if lot := info.LotSize(); lot != nil {
		if minQty, err := strconv.ParseFloat(lot.MinQty, 64); err == nil {
			return minQty
		}
	}
	return 0
}
