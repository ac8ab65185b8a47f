package exchange

import (
	"fmt"

	"binance-signal-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// SnapQuantity rounds a quantity down to the symbol's LOT_SIZE step and
// clamps it to [minQty, maxQty]. The exchange rejects unrounded
// quantities outright, so every order passes through here before
// submission. Snapping an already-valid quantity returns it unchanged.
func SnapQuantity(qty float64, lot *models.SymbolFilter) (float64, error) {
	if lot == nil {
		return 0, fmt.Errorf("symbol has no LOT_SIZE filter")
	}

	step, err := decimal.NewFromString(lot.StepSize)
	if err != nil {
		return 0, fmt.Errorf("invalid step size %q: %w", lot.StepSize, err)
	}
	minQty, err := decimal.NewFromString(lot.MinQty)
	if err != nil {
		return 0, fmt.Errorf("invalid min quantity %q: %w", lot.MinQty, err)
	}
	maxQty, err := decimal.NewFromString(lot.MaxQty)
	if err != nil {
		return 0, fmt.Errorf("invalid max quantity %q: %w", lot.MaxQty, err)
	}

	d := decimal.NewFromFloat(qty)
	if step.IsPositive() {
		d = d.Div(step).Floor().Mul(step)
	}
	if d.LessThan(minQty) {
		d = minQty
	}
	if maxQty.IsPositive() && d.GreaterThan(maxQty) {
		d = maxQty
	}

	f, _ := d.Float64()
	return f, nil
}

// FormatQuantity renders a snapped quantity with exactly the step's
// decimal places, the form the exchange's string API expects.
func FormatQuantity(qty float64, lot *models.SymbolFilter) string {
	step, err := decimal.NewFromString(lot.StepSize)
	if err != nil || !step.IsPositive() {
		return decimal.NewFromFloat(qty).String()
	}
	return decimal.NewFromFloat(qty).StringFixed(-step.Exponent())
}
