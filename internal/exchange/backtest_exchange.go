package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"binance-signal-bot-go/internal/models"
)

// BacktestExchange implements Exchange against historical candles. Market
// orders fill immediately at the current candle's close, less a taker
// fee. It drives the same strategy/decision path as live trading.
type BacktestExchange struct {
	mu sync.Mutex

	symbol     string
	baseAsset  string
	quoteAsset string
	info       *models.SymbolInfo

	candles []models.Candle
	cursor  int // index of the current candle

	balances    map[string]float64
	feeRate     float64
	totalFees   float64
	trades      []models.Trade
	equityCurve []float64
	nextOrderID int64
}

// BacktestConfig seeds a simulated account.
type BacktestConfig struct {
	Symbol         string
	BaseAsset      string
	QuoteAsset     string
	InitialBalance float64 // quote asset
	FeeRate        float64 // taker fee, e.g. 0.001
	StepSize       string  // LOT_SIZE step for the simulated symbol
	MinQty         string
	MaxQty         string
}

// NewBacktestExchange builds a simulated exchange over a candle series.
func NewBacktestExchange(cfg BacktestConfig, candles []models.Candle) *BacktestExchange {
	step := cfg.StepSize
	if step == "" {
		step = "0.00001"
	}
	minQty := cfg.MinQty
	if minQty == "" {
		minQty = step
	}
	maxQty := cfg.MaxQty
	if maxQty == "" {
		maxQty = "9000000"
	}

	return &BacktestExchange{
		symbol:     cfg.Symbol,
		baseAsset:  cfg.BaseAsset,
		quoteAsset: cfg.QuoteAsset,
		info: &models.SymbolInfo{
			Symbol:     cfg.Symbol,
			BaseAsset:  cfg.BaseAsset,
			QuoteAsset: cfg.QuoteAsset,
			Filters: []models.SymbolFilter{{
				FilterType: "LOT_SIZE",
				StepSize:   step,
				MinQty:     minQty,
				MaxQty:     maxQty,
			}},
		},
		candles: candles,
		balances: map[string]float64{
			cfg.QuoteAsset: cfg.InitialBalance,
			cfg.BaseAsset:  0,
		},
		feeRate:     cfg.FeeRate,
		nextOrderID: 1,
		equityCurve: make([]float64, 0, len(candles)),
	}
}

// Advance moves the simulation to the next candle. Returns false when the
// series is exhausted.
func (e *BacktestExchange) Advance() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cursor+1 >= len(e.candles) {
		return false
	}
	e.cursor++
	e.equityCurve = append(e.equityCurve, e.equityLocked())
	return true
}

// equityLocked values the account at the current close. Caller holds the lock.
func (e *BacktestExchange) equityLocked() float64 {
	price := e.candles[e.cursor].Close
	return e.balances[e.quoteAsset] + e.balances[e.baseAsset]*price
}

// Equity returns the current account value in quote terms.
func (e *BacktestExchange) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equityLocked()
}

// EquityCurve returns the per-candle account value series.
func (e *BacktestExchange) EquityCurve() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]float64, len(e.equityCurve))
	copy(out, e.equityCurve)
	return out
}

// Trades returns the simulated fills.
func (e *BacktestExchange) Trades() []models.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Trade, len(e.trades))
	copy(out, e.trades)
	return out
}

// TotalFees returns the accumulated simulated fees in quote terms.
func (e *BacktestExchange) TotalFees() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalFees
}

// GetCandles returns the window of candles up to and including the
// current one, mirroring what a live poll would see.
func (e *BacktestExchange) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	end := e.cursor + 1
	start := end - limit
	if start < 0 {
		start = 0
	}
	window := make([]models.Candle, end-start)
	copy(window, e.candles[start:end])
	return window, nil
}

func (e *BacktestExchange) GetBalances(ctx context.Context) (map[string]models.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]models.Balance, len(e.balances))
	for asset, free := range e.balances {
		out[asset] = models.Balance{Asset: asset, Free: free}
	}
	return out, nil
}

func (e *BacktestExchange) GetSymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error) {
	if symbol != e.symbol {
		return nil, fmt.Errorf("unknown symbol %s in backtest", symbol)
	}
	return e.info, nil
}

func (e *BacktestExchange) GetServerTime(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.candles[e.cursor].CloseTime.UnixMilli(), nil
}

// PlaceOrder fills a market order at the current close. Limit orders are
// not simulated; the engine only submits market orders.
func (e *BacktestExchange) PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	if req.Type != "MARKET" {
		return nil, fmt.Errorf("backtest exchange only supports MARKET orders, got %s", req.Type)
	}

	quantity, err := SnapQuantity(req.Quantity, e.info.LotSize())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	price := e.candles[e.cursor].Close
	notional := quantity * price
	fee := notional * e.feeRate

	switch req.Side {
	case "BUY":
		if notional+fee > e.balances[e.quoteAsset] {
			return nil, &models.APIError{Code: -2010, Message: "insufficient balance for simulated BUY"}
		}
		e.balances[e.quoteAsset] -= notional + fee
		e.balances[e.baseAsset] += quantity
	case "SELL":
		if quantity > e.balances[e.baseAsset] {
			return nil, &models.APIError{Code: -2010, Message: "insufficient balance for simulated SELL"}
		}
		e.balances[e.baseAsset] -= quantity
		e.balances[e.quoteAsset] += notional - fee
	default:
		return nil, fmt.Errorf("unknown order side %s", req.Side)
	}
	e.totalFees += fee

	orderID := e.nextOrderID
	e.nextOrderID++

	executedAt := e.candles[e.cursor].CloseTime
	e.trades = append(e.trades, models.Trade{
		BotID:         req.BotID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderID:       orderID,
		Quantity:      quantity,
		Price:         price,
		QuoteQuantity: notional,
		Status:        "FILLED",
		ExecutedAt:    executedAt,
	})

	qtyStr := FormatQuantity(quantity, e.info.LotSize())
	return &models.Order{
		Symbol:        req.Symbol,
		OrderID:       orderID,
		ClientOrderID: fmt.Sprintf("bt-%d", orderID),
		TransactTime:  executedAt.UnixMilli(),
		Price:         strconv.FormatFloat(price, 'f', -1, 64),
		OrigQty:       qtyStr,
		ExecutedQty:   qtyStr,
		CumQuoteQty:   strconv.FormatFloat(notional, 'f', -1, 64),
		Status:        "FILLED",
		Type:          req.Type,
		Side:          req.Side,
	}, nil
}
