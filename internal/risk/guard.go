package risk

import (
	"context"
	"fmt"
	"sync"

	"github.com/quantfold/tradeagent/internal/decision"
	"github.com/quantfold/tradeagent/internal/market"
	"github.com/quantfold/tradeagent/internal/observ"
	"github.com/quantfold/tradeagent/internal/portfolio"
	"github.com/quantfold/tradeagent/internal/state"
)

// GuardState is the safety guard's account-level state.
type GuardState string

const (
	StateActive       GuardState = "active"
	StateHaltedForDay GuardState = "halted_for_day"
)

// Verdict is the synchronous gate result for a proposed order.
type Verdict struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// ForcedCloser executes an enforcement close. It bypasses the decision
// engine and the gate; implementations must still audit the close.
type ForcedCloser interface {
	ForceClose(ctx context.Context, pos portfolio.Position, price float64, reason string) error
}

type Config struct {
	StopLossPct           float64 // e.g. -0.05
	DailyDrawdownLimitPct float64 // e.g. -0.02
}

// Guard is the independent safety authority. It can veto any decision and
// force-close positions regardless of what the decision engine proposed.
//
// Stop-loss and drawdown are evaluated intraday mark-to-market on every
// price observation, not close-to-close, so breach timing is decoupled from
// the scheduler cadence.
type Guard struct {
	mu sync.Mutex

	cfg    Config
	agent  *state.Store
	book   *portfolio.Book
	closer ForcedCloser

	haltedInstruments map[string]bool // HaltedPosition set, cleared at rollover
	closing           map[string]bool // enforcement close in flight
	onDayHalt         func(reason string)
}

func NewGuard(cfg Config, agent *state.Store, book *portfolio.Book, closer ForcedCloser) *Guard {
	return &Guard{
		cfg:               cfg,
		agent:             agent,
		book:              book,
		closer:            closer,
		haltedInstruments: make(map[string]bool),
		closing:           make(map[string]bool),
	}
}

// OnDayHalt registers a callback fired once per kill-switch engagement,
// letting the orchestrator cancel in-flight cycles.
func (g *Guard) OnDayHalt(fn func(reason string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onDayHalt = fn
}

// State reports the account-level guard state.
func (g *Guard) State() GuardState {
	if !g.agent.TradingEnabled() {
		return StateHaltedForDay
	}
	return StateActive
}

// InstrumentHalted reports whether instrument is in HaltedPosition state.
func (g *Guard) InstrumentHalted(instrument string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.haltedInstruments[instrument]
}

// Gate is called synchronously before every order. Hold always passes; it
// carries no exposure and still needs an audit record downstream.
func (g *Guard) Gate(d decision.Decision) Verdict {
	if d.Action == decision.Hold {
		return Verdict{Approved: true}
	}
	if !g.agent.TradingEnabled() {
		st := g.agent.Get()
		reason := st.HaltReason
		if reason == "" {
			reason = "trading_disabled"
		}
		observ.SafetyRejectionsTotal.WithLabelValues(d.Instrument, "halted_for_day").Inc()
		return Verdict{Approved: false, Reason: reason}
	}
	if g.InstrumentHalted(d.Instrument) {
		observ.SafetyRejectionsTotal.WithLabelValues(d.Instrument, "halted_position").Inc()
		return Verdict{Approved: false, Reason: fmt.Sprintf("position halt active for %s", d.Instrument)}
	}
	return Verdict{Approved: true}
}

// OnPrice ingests one price observation: marks the position, fires the
// per-position stop-loss, then re-checks the account drawdown kill-switch.
func (g *Guard) OnPrice(ctx context.Context, quote market.PriceQuote) {
	log := observ.Logger("safety_guard")

	lossPct, hasPosition := g.book.Mark(quote.Instrument, quote.Price)
	if hasPosition && lossPct <= g.cfg.StopLossPct {
		g.mu.Lock()
		// Re-check under the lock; concurrent ticks must trigger once.
		first := !g.haltedInstruments[quote.Instrument]
		if first {
			g.haltedInstruments[quote.Instrument] = true
		}
		attempt := !g.closing[quote.Instrument]
		if attempt {
			g.closing[quote.Instrument] = true
		}
		g.mu.Unlock()

		if first {
			log.Warn().
				Str("instrument", quote.Instrument).
				Float64("loss_pct", lossPct).
				Float64("price", quote.Price).
				Msg("stop-loss breach, forcing close")
			observ.StopTriggersTotal.WithLabelValues(quote.Instrument).Inc()
		}

		// The halt is permanent for the day, but the close itself retries on
		// every observation until the position is actually flat: a broker
		// failure must not strand breached exposure.
		if attempt {
			pos, _ := g.book.Get(quote.Instrument)
			reason := fmt.Sprintf("stop_loss: unrealized %.2f%% <= %.2f%%", lossPct*100, g.cfg.StopLossPct*100)
			err := g.closer.ForceClose(ctx, pos, quote.Price, reason)
			g.mu.Lock()
			delete(g.closing, quote.Instrument)
			g.mu.Unlock()
			if err != nil {
				log.Error().Err(err).Str("instrument", quote.Instrument).Msg("forced close failed, retrying on next price")
			}
		}
	}

	g.checkDrawdown()
}

// checkDrawdown engages the daily kill-switch when breached. Sticky for the
// day; repeated breaches are idempotent.
func (g *Guard) checkDrawdown() {
	day := g.book.Day()
	observ.DailyDrawdownPct.Set(day.DrawdownPct)

	if day.DrawdownPct > g.cfg.DailyDrawdownLimitPct {
		return
	}
	if !g.agent.TradingEnabled() {
		return
	}

	reason := fmt.Sprintf("daily_drawdown: %.2f%% <= %.2f%%", day.DrawdownPct*100, g.cfg.DailyDrawdownLimitPct*100)
	if err := g.agent.Halt(reason); err != nil {
		log := observ.Logger("safety_guard")
		log.Error().Err(err).Msg("failed to persist halt state")
	}
	observ.KillSwitchActive.Set(1)
	observ.Event("kill_switch_engaged", map[string]any{
		"drawdown_pct": day.DrawdownPct,
		"limit_pct":    g.cfg.DailyDrawdownLimitPct,
	})

	g.mu.Lock()
	fn := g.onDayHalt
	g.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

// Monitor consumes a price tick stream until ctx is cancelled. It runs
// out-of-band from decision cycles so breaches are caught promptly.
func (g *Guard) Monitor(ctx context.Context, ticks <-chan market.PriceQuote) {
	for {
		select {
		case <-ctx.Done():
			return
		case quote, ok := <-ticks:
			if !ok {
				return
			}
			g.OnPrice(ctx, quote)
		}
	}
}

// RolloverDay clears per-instrument halts, resets the day's P&L record, and
// clears the kill-switch gauge. Called by the scheduler at day boundary.
func (g *Guard) RolloverDay(day string, equityAtOpen float64) {
	g.mu.Lock()
	g.haltedInstruments = make(map[string]bool)
	g.closing = make(map[string]bool)
	g.mu.Unlock()

	g.book.ResetDay(equityAtOpen, day)
	observ.KillSwitchActive.Set(0)
	observ.Event("day_rollover", map[string]any{
		"day":            day,
		"equity_at_open": equityAtOpen,
	})
}

// Drawdown returns the current signed daily drawdown fraction.
func (g *Guard) Drawdown() float64 {
	return g.book.Day().DrawdownPct
}
