package strategy

import (
	"fmt"

	"binance-signal-bot-go/internal/models"
)

// Strategy turns a window of closed candles into a trading signal. It is
// pure: no I/O, no retained state, deterministic for identical inputs.
// New strategies implement this interface; the run loop never branches on
// strategy type.
type Strategy interface {
	// Name identifies the strategy in logs and diagnostics.
	Name() string

	// WarmupPeriod is the number of closed candles Evaluate needs.
	WarmupPeriod() int

	// Evaluate returns the signal for the given window, oldest candle
	// first. The window must hold at least WarmupPeriod candles.
	Evaluate(candles []models.Candle) (models.Signal, error)
}

// New builds a strategy by type name. Parameters not present in params
// fall back to the strategy's defaults.
func New(strategyType string, params map[string]float64) (Strategy, error) {
	switch strategyType {
	case "sma_cross":
		return newSMACross(params)
	case "rsi":
		return newRSI(params)
	default:
		return nil, fmt.Errorf("unknown strategy type %q", strategyType)
	}
}

// param reads a named parameter with a default.
func param(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}

// closes extracts the close series from a candle window.
func closes(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
