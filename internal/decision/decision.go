package decision

import "binance-signal-bot-go/internal/models"

// State is the account's position state, derived fresh each tick from the
// real balances. It is never cached across ticks: external fills and
// manual trades must be reflected immediately, and a stored flag would
// drift from them.
type State int

const (
	StateFlat State = iota
	StateInPosition
)

func (s State) String() string {
	if s == StateInPosition {
		return "in_position"
	}
	return "flat"
}

// Action is what the run loop does with this tick.
type Action int

const (
	// ActionWait means the strategy had nothing to say.
	ActionWait Action = iota
	// ActionSkip means the signal is redundant for the current holdings.
	ActionSkip
	// ActionExecuteBuy commits the configured share of the free quote
	// balance.
	ActionExecuteBuy
	// ActionExecuteSell liquidates the full free base balance.
	ActionExecuteSell
)

func (a Action) String() string {
	switch a {
	case ActionExecuteBuy:
		return "execute_buy"
	case ActionExecuteSell:
		return "execute_sell"
	case ActionSkip:
		return "skip"
	default:
		return "wait"
	}
}

// DeriveState classifies the free base balance. Anything at or below the
// dust threshold counts as flat: residue below one lot can never be sold,
// and letting it flip the state would oscillate on fee dust.
func DeriveState(baseFree, dustThreshold float64) State {
	if baseFree > dustThreshold {
		return StateInPosition
	}
	return StateFlat
}

// Decide maps (state, signal) to an action:
//
//	flat        + buy  -> execute buy
//	in position + sell -> execute sell
//	in position + buy  -> skip (no duplicate entries)
//	flat        + sell -> skip (nothing to liquidate)
//	any         + none -> wait
func Decide(state State, signal models.SignalType) Action {
	switch signal {
	case models.SignalBuy:
		if state == StateFlat {
			return ActionExecuteBuy
		}
		return ActionSkip
	case models.SignalSell:
		if state == StateInPosition {
			return ActionExecuteSell
		}
		return ActionSkip
	default:
		return ActionWait
	}
}

// RiskExit reports whether a protective exit fires at lastPrice for a
// position entered at entryPrice. A zero percentage disables that side.
func RiskExit(entryPrice, lastPrice, stopLossPct, takeProfitPct float64) bool {
	if entryPrice <= 0 || lastPrice <= 0 {
		return false
	}
	if stopLossPct > 0 && lastPrice <= entryPrice*(1-stopLossPct) {
		return true
	}
	if takeProfitPct > 0 && lastPrice >= entryPrice*(1+takeProfitPct) {
		return true
	}
	return false
}
