package exchange

import (
	"context"

	"binance-signal-bot-go/internal/models"
)

// OrderRequest describes an order to submit. Quantity is the raw desired
// amount; the gateway snaps it to the symbol's step rule before
// submission.
type OrderRequest struct {
	BotID    string
	Symbol   string
	Side     string // "BUY" or "SELL"
	Type     string // "MARKET" or "LIMIT"
	Quantity float64
	Price    float64 // LIMIT only
}

// Exchange is the engine's only window to the exchange. Implementations:
// LiveExchange for real trading, BacktestExchange for simulations.
type Exchange interface {
	// GetCandles returns up to limit closed-or-closing candles for the
	// symbol and interval, oldest first, most recent last.
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)

	// GetBalances returns the account's per-asset free and locked amounts.
	GetBalances(ctx context.Context) (map[string]models.Balance, error)

	// PlaceOrder snaps the quantity to the symbol's filters and submits
	// the order.
	PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error)

	// GetSymbolInfo returns the symbol's trading rules.
	GetSymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error)

	// GetServerTime returns the exchange's clock in epoch milliseconds.
	GetServerTime(ctx context.Context) (int64, error)
}
