package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"binance-signal-bot-go/internal/decision"
	"binance-signal-bot-go/internal/exchange"
	"binance-signal-bot-go/internal/models"
	"binance-signal-bot-go/internal/persistence"
	"binance-signal-bot-go/internal/strategy"

	"go.uber.org/zap"
)

// errCancelled marks a tick aborted at a checkpoint because the bot was
// stopped. It is not a failure and does not count toward escalation.
var errCancelled = errors.New("tick cancelled")

// minCandleWindow pads the strategy warmup so a strategy with a tiny
// period still sees a reasonable history.
const minCandleWindow = 50

// Bot drives one evaluate-decide-act loop for one configured bot. It owns
// the bot's persisted runtime state while running; everything else reads
// it.
type Bot struct {
	cfg      models.BotConfig
	ex       exchange.Exchange
	store    persistence.Store
	strat    strategy.Strategy
	logger   *zap.SugaredLogger
	interval time.Duration

	maxConsecutiveFailures int

	// Entry bookkeeping for the open position: quote spent, for realized
	// profit on the closing sell, and fill price, for protective exits.
	// Rehydrated from the trade log on start.
	openCost   float64
	entryPrice float64
}

// New builds a bot from its persisted config. The exchange instance is
// bot-specific (per-bot credentials) but shares the process-wide clock
// and throttle.
func New(cfg models.BotConfig, ex exchange.Exchange, store persistence.Store, maxConsecutiveFailures int, logger *zap.SugaredLogger) (*Bot, error) {
	interval, err := ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return nil, err
	}
	strat, err := strategy.New(cfg.StrategyType, cfg.StrategyParams)
	if err != nil {
		return nil, err
	}
	if cfg.PositionSizePct <= 0 || cfg.PositionSizePct > 1 {
		return nil, fmt.Errorf("position_size_pct must be in (0, 1], got %v", cfg.PositionSizePct)
	}
	if maxConsecutiveFailures <= 0 {
		maxConsecutiveFailures = 3
	}

	return &Bot{
		cfg:                    cfg,
		ex:                     ex,
		store:                  store,
		strat:                  strat,
		logger:                 logger.With("bot", cfg.ID, "symbol", cfg.Symbol),
		interval:               interval,
		maxConsecutiveFailures: maxConsecutiveFailures,
	}, nil
}

// ParseTimeframe maps an exchange interval string to its duration.
func ParseTimeframe(tf string) (time.Duration, error) {
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	switch tf[len(tf)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
}

// Interval returns the tick period.
func (b *Bot) Interval() time.Duration { return b.interval }

// Run executes ticks until the context is cancelled or the bot escalates
// to the error state. One tick runs at a time; a tick still in flight
// when the next interval fires causes that interval to be skipped, not
// overlapped.
func (b *Bot) Run(ctx context.Context) {
	b.rehydratePosition()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Infow("bot loop started", "timeframe", b.cfg.Timeframe, "strategy", b.strat.Name())

	failures := 0
	for {
		err := b.tick(ctx)
		switch {
		case errors.Is(err, errCancelled):
			b.logger.Info("bot loop stopped")
			return
		case err == nil:
			failures = 0
		default:
			failures++
			b.logger.Warnw("tick failed", "err", err, "consecutive", failures)
			if isFatal(err) {
				b.escalate(fmt.Sprintf("fatal: %v", err))
				return
			}
			if failures >= b.maxConsecutiveFailures {
				b.escalate(fmt.Sprintf("%d consecutive failures, last: %v", failures, err))
				return
			}
		}

		select {
		case <-ctx.Done():
			b.logger.Info("bot loop stopped")
			return
		case <-ticker.C:
			// A tick that outlasted one or more intervals leaves stale
			// firings queued; drain so the next tick is not replayed
			// back-to-back.
			for {
				select {
				case <-ticker.C:
					continue
				default:
				}
				break
			}
		}
	}
}

// tick runs one full cycle. Cancellation is observed only at checkpoints
// between steps: an in-flight exchange call always completes, so an order
// is never abandoned half-submitted.
func (b *Bot) tick(runCtx context.Context) error {
	if runCtx.Err() != nil {
		return errCancelled
	}
	callCtx := context.WithoutCancel(runCtx)
	now := time.Now()

	// 1. Fresh candles.
	limit := b.strat.WarmupPeriod() + 2
	if limit < minCandleWindow {
		limit = minCandleWindow
	}
	candles, err := b.ex.GetCandles(callCtx, b.cfg.Symbol, b.cfg.Timeframe, limit)
	if err != nil {
		return b.failTick(fmt.Errorf("fetching candles: %w", err))
	}
	closed := closedCandles(candles, now)

	// 2. Evaluate the strategy.
	sig, err := b.strat.Evaluate(closed)
	if err != nil {
		return b.failTick(fmt.Errorf("evaluating strategy: %w", err))
	}

	if runCtx.Err() != nil {
		return errCancelled
	}

	// 3. Real holdings, fresh each tick.
	info, err := b.ex.GetSymbolInfo(callCtx, b.cfg.Symbol)
	if err != nil {
		return b.failTick(fmt.Errorf("loading symbol rules: %w", err))
	}
	balances, err := b.ex.GetBalances(callCtx)
	if err != nil {
		return b.failTick(fmt.Errorf("fetching balances: %w", err))
	}

	// 4. Decide.
	state := decision.DeriveState(balances[info.BaseAsset].Free, b.dustThreshold(info))
	action := decision.Decide(state, sig.Type)

	if state == decision.StateInPosition && action != decision.ActionExecuteSell {
		lastPrice := closed[len(closed)-1].Close
		if decision.RiskExit(b.entryPrice, lastPrice, b.cfg.StopLossPct, b.cfg.TakeProfitPct) {
			b.logger.Infow("protective exit triggered", "entry", b.entryPrice, "last", lastPrice)
			action = decision.ActionExecuteSell
		}
	}

	b.logger.Debugw("tick evaluated",
		"signal", sig.Type, "indicator", sig.Indicator, "value", sig.Value,
		"state", state.String(), "action", action.String())

	if runCtx.Err() != nil {
		return errCancelled
	}

	// 5. Act.
	var actErr error
	switch action {
	case decision.ActionExecuteBuy:
		actErr = b.executeBuy(callCtx, info, balances, closed)
	case decision.ActionExecuteSell:
		actErr = b.executeSell(callCtx, info, balances)
	}

	// 6. Observability entry, written regardless of the action's outcome.
	logErr := b.store.AppendIndicatorLog(&models.IndicatorLog{
		BotID:       b.cfg.ID,
		Symbol:      b.cfg.Symbol,
		Signal:      sig.Type,
		Indicator:   sig.Indicator,
		Value:       sig.Value,
		EvaluatedAt: sig.EvaluatedAt,
	})
	if logErr != nil {
		b.logger.Errorw("persisting indicator log failed", "err", logErr)
	}

	if actErr != nil {
		return b.failTick(actErr)
	}

	// 7. Mark the tick good.
	if err := b.store.UpdateBot(b.cfg.ID, func(rec *models.BotRecord) error {
		rec.LastRunAt = now
		rec.LastError = ""
		return nil
	}); err != nil {
		b.logger.Errorw("persisting tick state failed", "err", err)
	}
	return nil
}

// failTick records the failure on the bot record and passes the error on.
// Status stays running; escalation is the loop's call.
func (b *Bot) failTick(err error) error {
	if updateErr := b.store.UpdateBot(b.cfg.ID, func(rec *models.BotRecord) error {
		rec.LastRunAt = time.Now()
		rec.LastError = err.Error()
		return nil
	}); updateErr != nil {
		b.logger.Errorw("persisting tick failure failed", "err", updateErr)
	}
	return err
}

// escalate flips the bot to the error state. The loop exits afterwards
// and the manager drops it from the registry; an explicit restart is
// required.
func (b *Bot) escalate(reason string) {
	b.logger.Errorw("bot escalated to error state", "reason", reason)
	if err := b.store.UpdateBot(b.cfg.ID, func(rec *models.BotRecord) error {
		rec.Status = models.StatusError
		rec.LastError = reason
		return nil
	}); err != nil {
		b.logger.Errorw("persisting error state failed", "err", err)
	}
}

// executeBuy commits the configured share of the free quote balance at
// the latest close. The gateway snaps the computed quantity to the lot
// rule before submission.
func (b *Bot) executeBuy(ctx context.Context, info *models.SymbolInfo, balances map[string]models.Balance, candles []models.Candle) error {
	quoteFree := balances[info.QuoteAsset].Free
	if quoteFree <= 0 {
		return fmt.Errorf("no free %s to buy with", info.QuoteAsset)
	}
	lastClose := candles[len(candles)-1].Close
	if lastClose <= 0 {
		return fmt.Errorf("invalid last close %v", lastClose)
	}

	quantity := quoteFree * b.cfg.PositionSizePct / lastClose
	order, err := b.ex.PlaceOrder(ctx, exchange.OrderRequest{
		BotID:    b.cfg.ID,
		Symbol:   b.cfg.Symbol,
		Side:     "BUY",
		Type:     "MARKET",
		Quantity: quantity,
	})
	if err != nil {
		return fmt.Errorf("placing buy order: %w", err)
	}

	trade := tradeFromOrder(b.cfg.ID, order)
	b.openCost = trade.QuoteQuantity
	b.entryPrice = trade.Price
	b.logger.Infow("buy executed",
		"order_id", order.OrderID, "qty", trade.Quantity, "quote", trade.QuoteQuantity)

	// The order is real-world state now; a failed write is surfaced via
	// last_error for reconciliation, never rolled back.
	if err := b.store.AppendTrade(trade); err != nil {
		return fmt.Errorf("order %d placed but trade record failed: %w", order.OrderID, err)
	}
	return nil
}

// executeSell liquidates the full free base balance and realizes the
// position's profit against the recorded entry cost.
func (b *Bot) executeSell(ctx context.Context, info *models.SymbolInfo, balances map[string]models.Balance) error {
	baseFree := balances[info.BaseAsset].Free
	if baseFree <= 0 {
		return fmt.Errorf("no free %s to sell", info.BaseAsset)
	}

	order, err := b.ex.PlaceOrder(ctx, exchange.OrderRequest{
		BotID:    b.cfg.ID,
		Symbol:   b.cfg.Symbol,
		Side:     "SELL",
		Type:     "MARKET",
		Quantity: baseFree,
	})
	if err != nil {
		return fmt.Errorf("placing sell order: %w", err)
	}

	trade := tradeFromOrder(b.cfg.ID, order)
	if b.openCost > 0 {
		trade.Profit = trade.QuoteQuantity - b.openCost
	}
	b.openCost = 0
	b.entryPrice = 0
	b.logger.Infow("sell executed",
		"order_id", order.OrderID, "qty", trade.Quantity, "profit", trade.Profit)

	if err := b.store.AppendTrade(trade); err != nil {
		return fmt.Errorf("order %d placed but trade record failed: %w", order.OrderID, err)
	}

	profit := trade.Profit
	if err := b.store.UpdateBot(b.cfg.ID, func(rec *models.BotRecord) error {
		rec.TotalTrades++
		rec.TotalProfit += profit
		if profit > 0 {
			rec.WinningTrades++
		}
		return nil
	}); err != nil {
		b.logger.Errorw("persisting trade statistics failed", "err", err)
	}
	return nil
}

// dustThreshold picks the free-balance floor below which the bot counts
// as flat: the configured override, or the symbol's minimum lot.
func (b *Bot) dustThreshold(info *models.SymbolInfo) float64 {
	if b.cfg.DustThreshold > 0 {
		return b.cfg.DustThreshold
	}
	if lot := info.LotSize(); lot != nil {
		if minQty, err := strconv.ParseFloat(lot.MinQty, 64); err == nil {
			return minQty
		}
	}
	return 0
}

// rehydratePosition recovers the entry cost and price of an open
// position from the trade log, so profit accounting and protective exits
// survive a process restart.
func (b *Bot) rehydratePosition() {
	trades, err := b.store.ListTrades(b.cfg.ID, 1)
	if err != nil {
		b.logger.Warnw("rehydrating open position failed", "err", err)
		return
	}
	if len(trades) == 1 && trades[0].Side == "BUY" {
		b.openCost = trades[0].QuoteQuantity
		b.entryPrice = trades[0].Price
	}
}

// closedCandles drops a trailing still-open candle; strategies only see
// closed buckets.
func closedCandles(candles []models.Candle, now time.Time) []models.Candle {
	if n := len(candles); n > 0 && candles[n-1].CloseTime.After(now) {
		return candles[:n-1]
	}
	return candles
}

// tradeFromOrder converts an accepted order into a trade record, using
// the executed totals when the exchange reports them.
func tradeFromOrder(botID string, order *models.Order) *models.Trade {
	qty, _ := strconv.ParseFloat(order.ExecutedQty, 64)
	if qty == 0 {
		qty, _ = strconv.ParseFloat(order.OrigQty, 64)
	}
	quoteQty, _ := strconv.ParseFloat(order.CumQuoteQty, 64)

	price := 0.0
	if qty > 0 && quoteQty > 0 {
		price = quoteQty / qty
	} else if p, err := strconv.ParseFloat(order.Price, 64); err == nil {
		price = p
	}

	executedAt := time.Now()
	if order.TransactTime > 0 {
		executedAt = time.UnixMilli(order.TransactTime)
	}

	return &models.Trade{
		BotID:         botID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Quantity:      qty,
		Price:         price,
		QuoteQuantity: quoteQty,
		Status:        order.Status,
		ExecutedAt:    executedAt,
	}
}

// isFatal classifies an error as requiring operator intervention.
func isFatal(err error) bool {
	var apiErr *models.APIError
	return errors.As(err, &apiErr) && apiErr.IsAuthError()
}
