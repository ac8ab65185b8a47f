package strategy

import (
	"fmt"

	"binance-signal-bot-go/internal/models"
)

// smaCross signals on the crossover of a fast and a slow simple moving
// average: buy when the fast average crosses above the slow one, sell
// when it crosses below.
type smaCross struct {
	fastPeriod int
	slowPeriod int
}

func newSMACross(params map[string]float64) (*smaCross, error) {
	s := &smaCross{
		fastPeriod: int(param(params, "fast_period", 9)),
		slowPeriod: int(param(params, "slow_period", 21)),
	}
	if s.fastPeriod <= 0 || s.slowPeriod <= 0 {
		return nil, fmt.Errorf("sma_cross periods must be positive, got fast=%d slow=%d", s.fastPeriod, s.slowPeriod)
	}
	if s.fastPeriod >= s.slowPeriod {
		return nil, fmt.Errorf("sma_cross fast period %d must be shorter than slow period %d", s.fastPeriod, s.slowPeriod)
	}
	return s, nil
}

func (s *smaCross) Name() string { return "sma_cross" }

// One candle beyond the slow period, so a crossover on the latest closed
// candle is observable.
func (s *smaCross) WarmupPeriod() int { return s.slowPeriod + 1 }

func (s *smaCross) Evaluate(candles []models.Candle) (models.Signal, error) {
	if len(candles) < s.WarmupPeriod() {
		return models.Signal{}, fmt.Errorf("sma_cross needs %d candles, got %d", s.WarmupPeriod(), len(candles))
	}

	prices := closes(candles)
	fast := SMA(prices, s.fastPeriod)
	slow := SMA(prices, s.slowPeriod)

	last := len(prices) - 1
	prev := last - 1

	sig := models.Signal{
		Type:        models.SignalNone,
		Indicator:   s.Name(),
		Value:       fast[last] - slow[last],
		EvaluatedAt: candles[last].CloseTime,
	}

	switch {
	case fast[prev] <= slow[prev] && fast[last] > slow[last]:
		sig.Type = models.SignalBuy
	case fast[prev] >= slow[prev] && fast[last] < slow[last]:
		sig.Type = models.SignalSell
	}
	return sig, nil
}
