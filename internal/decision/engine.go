package decision

import (
	"errors"
	"fmt"
	"math"

	"github.com/quantfold/tradeagent/internal/estimate"
	"github.com/quantfold/tradeagent/internal/market"
)

// ErrInvalidPayoff flags a configuration bug: a zero or negative payoff
// fraction would divide by zero in the Kelly formula. It is fatal for the
// instrument until the config is fixed.
var ErrInvalidPayoff = errors.New("invalid payoff assumptions")

// Action is the trade direction for one cycle.
type Action string

const (
	Buy  Action = "buy"
	Sell Action = "sell"
	Hold Action = "hold"
)

// Payoff holds the configured payoff assumptions and sizing policy.
type Payoff struct {
	ProfitFrac   float64 // take-profit as a fraction of price, e.g. 0.05
	LossFrac     float64 // stop-loss distance as a fraction of price, e.g. 0.05
	KellyDivisor float64 // 2 = Half-Kelly
	MaxFraction  float64 // hard bankroll-fraction ceiling, never computed
	SlippageBps  float64 // limit price tolerance
}

// Decision is the immutable outcome of one cycle's math.
type Decision struct {
	Instrument    string  `json:"instrument"`
	Action        Action  `json:"action"`
	EV            float64 `json:"ev"`
	KellyFraction float64 `json:"kelly_fraction"` // after divisor and clamp
	FullKelly     float64 `json:"full_kelly"`
	Size          int64   `json:"size"`
	LimitPrice    float64 `json:"limit_price"`
	Rationale     string  `json:"rationale"`
}

// ExpectedValue computes p·profit − (1−p)·loss for absolute magnitudes.
func ExpectedValue(pWin, profit, loss float64) float64 {
	return pWin*profit - (1-pWin)*loss
}

// FullKelly computes f* = p/loss_frac − (1−p)/profit_frac, the bankroll
// fraction staked per unit odds. Negative values (no edge) clamp to zero.
func FullKelly(pWin, profitFrac, lossFrac float64) (float64, error) {
	if profitFrac <= 0 || lossFrac <= 0 {
		return 0, fmt.Errorf("%w: profit_frac=%v loss_frac=%v", ErrInvalidPayoff, profitFrac, lossFrac)
	}
	f := pWin/lossFrac - (1-pWin)/profitFrac
	if f < 0 {
		return 0, nil
	}
	return f, nil
}

// Decide runs the full math pipeline for one cycle: EV gate, fractional
// Kelly sizing, share count, limit price.
//
// Sizing can legitimately round an EV-positive trade down to zero shares;
// that collapses to Hold and is a no-trade outcome, not an error.
func Decide(snap market.Snapshot, est estimate.Estimate, payoff Payoff, accountEquity float64) (Decision, error) {
	if payoff.KellyDivisor < 1 {
		return Decision{}, fmt.Errorf("%w: kelly_divisor=%v", ErrInvalidPayoff, payoff.KellyDivisor)
	}

	profit := payoff.ProfitFrac * snap.Price
	loss := payoff.LossFrac * snap.Price
	ev := ExpectedValue(est.PWin, profit, loss)

	full, err := FullKelly(est.PWin, payoff.ProfitFrac, payoff.LossFrac)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Instrument: snap.Instrument,
		Action:     Hold,
		EV:         ev,
		FullKelly:  full,
		Rationale:  est.Rationale,
	}

	if ev <= 0 {
		return d, nil
	}

	fraction := full / payoff.KellyDivisor
	if fraction > payoff.MaxFraction {
		fraction = payoff.MaxFraction
	}
	if fraction <= 0 {
		return d, nil
	}
	d.KellyFraction = fraction

	size := int64(math.Floor(accountEquity * fraction / snap.Price))
	if size <= 0 {
		// EV-positive but rounds to zero shares.
		d.KellyFraction = 0
		return d, nil
	}
	d.Size = size

	action := Buy
	if snap.SentimentScore < 0 {
		action = Sell
	}
	d.Action = action
	d.LimitPrice = limitPrice(snap.Price, action, payoff.SlippageBps)
	return d, nil
}

// limitPrice pads the current price by the slippage tolerance in the
// direction that still fills: above for buys, below for sells.
func limitPrice(price float64, action Action, slippageBps float64) float64 {
	pad := price * slippageBps / 10000
	if action == Sell {
		return price - pad
	}
	return price + pad
}
