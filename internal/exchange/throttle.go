package exchange

import (
	"context"
	"time"

	"binance-signal-bot-go/internal/models"

	"golang.org/x/time/rate"
)

// Category classifies an outbound call for throttling purposes. Each
// category has its own minimum-interval gate, shared by every bot in the
// process so the aggregate call rate stays under the exchange's limits.
type Category string

const (
	CategoryPrice   Category = "price"
	CategoryAccount Category = "account"
	CategoryOrder   Category = "order"
)

// Throttle delays calls arriving before their category's minimum interval
// has elapsed. Calls are never dropped, only held.
type Throttle struct {
	gates map[Category]*rate.Limiter
}

// NewThrottle builds the per-category gates from the configured minimum
// intervals. A non-positive interval disables the gate for that category.
func NewThrottle(cfg models.ThrottleConfig) *Throttle {
	gates := make(map[Category]*rate.Limiter, 3)
	add := func(cat Category, ms int) {
		if ms > 0 {
			gates[cat] = rate.NewLimiter(rate.Every(time.Duration(ms)*time.Millisecond), 1)
		}
	}
	add(CategoryPrice, cfg.PriceIntervalMs)
	add(CategoryAccount, cfg.AccountIntervalMs)
	add(CategoryOrder, cfg.OrderIntervalMs)
	return &Throttle{gates: gates}
}

// Wait blocks until the category's interval is satisfied or the context
// is cancelled.
func (t *Throttle) Wait(ctx context.Context, cat Category) error {
	gate, ok := t.gates[cat]
	if !ok {
		return nil
	}
	return gate.Wait(ctx)
}
