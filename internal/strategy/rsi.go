package strategy

import (
	"fmt"

	"binance-signal-bot-go/internal/models"
)

// rsiStrategy signals on RSI threshold breaches: buy when the index
// drops below the oversold level, sell when it rises above the
// overbought level. Repeated signals while the index stays past a
// threshold are harmless; the decision layer deduplicates them against
// the actual position.
type rsiStrategy struct {
	period     int
	oversold   float64
	overbought float64
}

func newRSI(params map[string]float64) (*rsiStrategy, error) {
	s := &rsiStrategy{
		period:     int(param(params, "period", 14)),
		oversold:   param(params, "oversold", 30),
		overbought: param(params, "overbought", 70),
	}
	if s.period <= 0 {
		return nil, fmt.Errorf("rsi period must be positive, got %d", s.period)
	}
	if s.oversold >= s.overbought {
		return nil, fmt.Errorf("rsi oversold %.1f must be below overbought %.1f", s.oversold, s.overbought)
	}
	return s, nil
}

func (s *rsiStrategy) Name() string { return "rsi" }

func (s *rsiStrategy) WarmupPeriod() int { return s.period + 1 }

func (s *rsiStrategy) Evaluate(candles []models.Candle) (models.Signal, error) {
	if len(candles) < s.WarmupPeriod() {
		return models.Signal{}, fmt.Errorf("rsi needs %d candles, got %d", s.WarmupPeriod(), len(candles))
	}

	prices := closes(candles)
	rsi := RSI(prices, s.period)
	last := rsi[len(rsi)-1]

	sig := models.Signal{
		Type:        models.SignalNone,
		Indicator:   s.Name(),
		Value:       last,
		EvaluatedAt: candles[len(candles)-1].CloseTime,
	}

	switch {
	case last < s.oversold:
		sig.Type = models.SignalBuy
	case last > s.overbought:
		sig.Type = models.SignalSell
	}
	return sig, nil
}
