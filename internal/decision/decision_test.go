package decision

import (
	"testing"

	"binance-signal-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
)

// The full transition table: every combination of state and signal has
// exactly one defined action.
func TestDecideTable(t *testing.T) {
	cases := []struct {
		name   string
		state  State
		signal models.SignalType
		want   Action
	}{
		{"flat buy executes", StateFlat, models.SignalBuy, ActionExecuteBuy},
		{"in-position sell executes", StateInPosition, models.SignalSell, ActionExecuteSell},
		{"in-position buy skips", StateInPosition, models.SignalBuy, ActionSkip},
		{"flat sell skips", StateFlat, models.SignalSell, ActionSkip},
		{"flat none waits", StateFlat, models.SignalNone, ActionWait},
		{"in-position none waits", StateInPosition, models.SignalNone, ActionWait},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(tc.state, tc.signal))
		})
	}
}

func TestDeriveState(t *testing.T) {
	assert.Equal(t, StateFlat, DeriveState(0, 0.001))
	assert.Equal(t, StateFlat, DeriveState(0.0005, 0.001), "dust below threshold stays flat")
	assert.Equal(t, StateFlat, DeriveState(0.001, 0.001), "exactly the threshold is still dust")
	assert.Equal(t, StateInPosition, DeriveState(0.002, 0.001))
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "execute_buy", ActionExecuteBuy.String())
	assert.Equal(t, "execute_sell", ActionExecuteSell.String())
	assert.Equal(t, "skip", ActionSkip.String())
	assert.Equal(t, "wait", ActionWait.String())
}

func TestRiskExit(t *testing.T) {
	// Stop loss at 10%: entry 100 exits at 90 and below.
	assert.False(t, RiskExit(100, 91, 0.1, 0))
	assert.True(t, RiskExit(100, 90, 0.1, 0))
	assert.True(t, RiskExit(100, 50, 0.1, 0))

	// Take profit at 20%: entry 100 exits at 120 and above.
	assert.False(t, RiskExit(100, 119, 0, 0.2))
	assert.True(t, RiskExit(100, 120, 0, 0.2))

	// Both disabled, or no known entry: never exits.
	assert.False(t, RiskExit(100, 1, 0, 0))
	assert.False(t, RiskExit(0, 90, 0.1, 0.2))
}
