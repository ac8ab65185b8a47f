package models

import (
	"fmt"
	"time"
)

// Config holds the process-wide configuration loaded from the JSON config file.
// Exchange credentials are overlaid from the environment by cmd/bot.
type Config struct {
	IsTestnet     bool   `json:"is_testnet"`
	DBPath        string `json:"db_path"`
	LiveAPIURL    string `json:"live_api_url"`
	LiveWSURL     string `json:"live_ws_url"`
	TestnetAPIURL string `json:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url"`

	AdminListenAddr string `json:"admin_listen_addr"`

	// Gateway tuning.
	RecvWindowMs        int64 `json:"recv_window_ms"`
	RetryAttempts       int   `json:"retry_attempts"`
	RetryInitialDelayMs int   `json:"retry_initial_delay_ms"`
	RequestTimeoutSec   int   `json:"request_timeout_sec"`

	// Minimum interval between calls of the same category, shared by all bots.
	Throttle ThrottleConfig `json:"throttle"`

	// Clock resynchronization period.
	ClockResyncIntervalSec int `json:"clock_resync_interval_sec"`

	// Consecutive tick failures before a bot escalates to StatusError.
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`

	LogConfig LogConfig `json:"log"`

	// Bots seeded from the config file on first start. Bots already known
	// to the store keep their persisted config.
	Bots []BotConfig `json:"bots"`

	// Default credentials for bots that do not carry their own.
	APIKey    string `json:"-"`
	SecretKey string `json:"-"`

	BaseURL   string `json:"-"` // resolved from IsTestnet at startup
	WSBaseURL string `json:"-"`
}

// ThrottleConfig defines the per-category minimum call intervals in milliseconds.
type ThrottleConfig struct {
	PriceIntervalMs   int `json:"price_interval_ms"`
	AccountIntervalMs int `json:"account_interval_ms"`
	OrderIntervalMs   int `json:"order_interval_ms"`
}

// LogConfig defines logging behaviour.
type LogConfig struct {
	Level      string `json:"level"`       // "debug", "info", "warn", "error"
	Output     string `json:"output"`      // "console", "file", "both"
	File       string `json:"file"`        // log file path
	MaxSize    int    `json:"max_size"`    // MB per file before rotation
	MaxBackups int    `json:"max_backups"` // rotated files to keep
	MaxAge     int    `json:"max_age"`     // days to keep rotated files
	Compress   bool   `json:"compress"`
}

// BotConfig is the user-supplied definition of a single bot. It is only
// mutated through explicit update operations, never by the run loop.
type BotConfig struct {
	ID      string `json:"id"`
	Account string `json:"account"`

	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Testnet   bool   `json:"testnet"`

	Symbol    string `json:"symbol"`    // e.g. "BTCUSDT"
	Timeframe string `json:"timeframe"` // e.g. "1m", "15m", "1h"

	// Share of the free quote balance committed on an entry, (0, 1].
	PositionSizePct float64 `json:"position_size_pct"`

	StrategyType   string             `json:"strategy_type"`
	StrategyParams map[string]float64 `json:"strategy_params"`

	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`

	// A free base balance below this is treated as dust and the bot as
	// flat. Zero means "use the symbol's minimum lot size".
	DustThreshold float64 `json:"dust_threshold,omitempty"`
}

// BotStatus is the persisted lifecycle state of a bot.
type BotStatus string

const (
	StatusIdle    BotStatus = "idle"
	StatusRunning BotStatus = "running"
	StatusStopped BotStatus = "stopped"
	StatusError   BotStatus = "error"
)

// BotRecord is the persisted bot: its configuration plus the runtime state
// and aggregate statistics owned by the run loop.
type BotRecord struct {
	Config BotConfig `json:"config"`

	Status    BotStatus `json:"status"`
	LastRunAt time.Time `json:"last_run_at"`
	LastError string    `json:"last_error"`

	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	TotalProfit   float64 `json:"total_profit"`

	UpdatedAt time.Time `json:"updated_at"`
}

// WinRate returns the share of profitable round trips, in percent.
func (r *BotRecord) WinRate() float64 {
	if r.TotalTrades == 0 {
		return 0
	}
	return float64(r.WinningTrades) / float64(r.TotalTrades) * 100
}

// Candle is one closed timeframe bucket. Immutable once closed.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Balance is the free/locked amount of one asset in the account.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// SignalType is the raw strategy output for one data window.
type SignalType string

const (
	SignalBuy  SignalType = "buy"
	SignalSell SignalType = "sell"
	SignalNone SignalType = "none"
)

// Signal is a strategy verdict plus the diagnostic value that produced it.
type Signal struct {
	Type        SignalType `json:"type"`
	Indicator   string     `json:"indicator"`
	Value       float64    `json:"value"`
	EvaluatedAt time.Time  `json:"evaluated_at"`
}

// Trade records an order placed by the engine. Append-only.
type Trade struct {
	BotID         string    `json:"bot_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // "BUY" or "SELL"
	OrderID       int64     `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	QuoteQuantity float64   `json:"quote_quantity"`
	Status        string    `json:"status"`
	Profit        float64   `json:"profit,omitempty"` // realized on SELL, vs. the prior BUY
	ExecutedAt    time.Time `json:"executed_at"`
}

// IndicatorLog is one append-only observability entry per tick.
type IndicatorLog struct {
	BotID       string     `json:"bot_id"`
	Symbol      string     `json:"symbol"`
	Signal      SignalType `json:"signal"`
	Indicator   string     `json:"indicator"`
	Value       float64    `json:"value"`
	EvaluatedAt time.Time  `json:"evaluated_at"`
}

// Order is the subset of the exchange's order response the engine consumes.
type Order struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	TransactTime  int64  `json:"transactTime"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQuoteQty   string `json:"cummulativeQuoteQty"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	Side          string `json:"side"`
}

// SymbolInfo carries the trading rules of one symbol from exchangeInfo.
type SymbolInfo struct {
	Symbol     string         `json:"symbol"`
	BaseAsset  string         `json:"baseAsset"`
	QuoteAsset string         `json:"quoteAsset"`
	Filters    []SymbolFilter `json:"filters"`
}

// SymbolFilter is one exchange filter entry; only the fields relevant to
// the filter types the engine applies are mapped.
type SymbolFilter struct {
	FilterType  string `json:"filterType"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	MaxQty      string `json:"maxQty"`
	TickSize    string `json:"tickSize"`
	MinNotional string `json:"minNotional"`
}

// LotSize returns the LOT_SIZE filter, or nil if the symbol has none.
func (s *SymbolInfo) LotSize() *SymbolFilter {
	for i := range s.Filters {
		if s.Filters[i].FilterType == "LOT_SIZE" {
			return &s.Filters[i]
		}
	}
	return nil
}

// ExchangeInfo is the exchangeInfo response envelope.
type ExchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// APIError is an error payload returned by the exchange.
type APIError struct {
	Code    int64  `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Message)
}

// IsTimestampRejection reports whether the error is the exchange refusing
// the request timestamp. This class has a mechanical fix: resync the clock
// and retry.
func (e *APIError) IsTimestampRejection() bool {
	return e.Code == -1021
}

// IsAuthError reports whether the error is a credential or permission
// failure. Retrying cannot succeed without operator intervention.
func (e *APIError) IsAuthError() bool {
	switch e.Code {
	case -1002, -2014, -2015:
		return true
	}
	return false
}

// IsFilterViolation reports whether the exchange rejected the order for
// violating a symbol filter after rounding.
func (e *APIError) IsFilterViolation() bool {
	switch e.Code {
	case -1013, -2010:
		return true
	}
	return false
}
