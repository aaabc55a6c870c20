package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/tradeagent/internal/audit"
	"github.com/quantfold/tradeagent/internal/broker"
	"github.com/quantfold/tradeagent/internal/decision"
	"github.com/quantfold/tradeagent/internal/estimate"
	"github.com/quantfold/tradeagent/internal/executor"
	"github.com/quantfold/tradeagent/internal/notify"
	"github.com/quantfold/tradeagent/internal/observ"
	"github.com/quantfold/tradeagent/internal/portfolio"
	"github.com/quantfold/tradeagent/internal/risk"
	"github.com/quantfold/tradeagent/internal/sense"
)

// Agent runs one Sense → Think → Model → Act → Report cycle per admitted
// tick per instrument. Cycles for distinct instruments may overlap; within
// one instrument, cycle N's audit record is written (or the cycle aborted)
// before cycle N+1 is admitted.
type Agent struct {
	gateway   *sense.Gateway
	estimator estimate.Estimator
	payoff    decision.Payoff
	guard     *risk.Guard
	exec      *executor.Executor
	broker    broker.Broker
	ledger    audit.Ledger
	notifier  notify.Notifier
	book      *portfolio.Book

	mu       sync.Mutex
	inFlight map[string]bool
	cancels  map[string]context.CancelFunc
	fatal    map[string]string // instrument -> reason, set by config bugs
}

func New(
	gateway *sense.Gateway,
	estimator estimate.Estimator,
	payoff decision.Payoff,
	guard *risk.Guard,
	exec *executor.Executor,
	brk broker.Broker,
	ledger audit.Ledger,
	notifier notify.Notifier,
	book *portfolio.Book,
) *Agent {
	a := &Agent{
		gateway:   gateway,
		estimator: estimator,
		payoff:    payoff,
		guard:     guard,
		exec:      exec,
		broker:    brk,
		ledger:    ledger,
		notifier:  notifier,
		book:      book,
		inFlight:  make(map[string]bool),
		cancels:   make(map[string]context.CancelFunc),
		fatal:     make(map[string]string),
	}
	guard.OnDayHalt(a.cancelInFlight)
	return a
}

// TryRunCycle admits at most one in-flight cycle per instrument. A tick
// that arrives while one is running is skipped entirely, not queued.
// Returns false if the cycle was not admitted.
func (a *Agent) TryRunCycle(ctx context.Context, instrument string) bool {
	a.mu.Lock()
	if a.inFlight[instrument] || a.fatal[instrument] != "" {
		a.mu.Unlock()
		return false
	}
	a.inFlight[instrument] = true
	cycleCtx, cancel := context.WithCancel(ctx)
	a.cancels[instrument] = cancel
	a.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			a.mu.Lock()
			delete(a.inFlight, instrument)
			delete(a.cancels, instrument)
			a.mu.Unlock()
		}()
		a.runCycle(cycleCtx, instrument)
	}()
	return true
}

// cancelInFlight aborts every running cycle; each flushes a partial audit
// record noting the halt reason.
func (a *Agent) cancelInFlight(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, cancel := range a.cancels {
		cancel()
	}
	observ.Event("cycles_cancelled", map[string]any{"reason": reason})
}

// FatalInstrument reports whether instrument processing is halted by a
// configuration bug.
func (a *Agent) FatalInstrument(instrument string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	reason, ok := a.fatal[instrument]
	return reason, ok
}

func (a *Agent) runCycle(ctx context.Context, instrument string) {
	start := time.Now()
	log := observ.Logger("agent")

	rec := audit.Record{
		CycleID:    uuid.NewString(),
		Instrument: instrument,
		Timestamp:  start.UTC(),
	}
	// A fill is reported as success only once both the broker ack and the
	// audit write have landed.
	var onAudited *notify.Message
	defer func() {
		if a.flushRecord(ctx, rec) && onAudited != nil {
			a.notifier.Send(*onAudited)
		}
		observ.CyclesTotal.WithLabelValues(instrument, rec.Outcome).Inc()
		observ.ObserveCycle(instrument, time.Since(start))
	}()

	// Sense.
	snap, err := a.gateway.Sense(ctx, instrument)
	if err != nil {
		rec.Outcome = audit.OutcomeDataError
		rec.Error = err.Error()
		if halted(ctx) {
			rec.Outcome = audit.OutcomeHalted
		}
		log.Warn().Str("instrument", instrument).Err(err).Msg("sense failed, cycle aborted")
		return
	}
	rec.Snapshot = &snap

	// Think. A missing estimate ends the cycle in Hold, never a guess.
	est, err := a.estimator.Estimate(ctx, snap)
	if err != nil {
		rec.Outcome = audit.OutcomeNoEstimate
		rec.Error = err.Error()
		if halted(ctx) {
			rec.Outcome = audit.OutcomeHalted
		}
		log.Warn().Str("instrument", instrument).Err(err).Msg("estimate unavailable, holding")
		return
	}
	rec.Estimate = &est

	// Model.
	equity, err := a.broker.AccountEquity(ctx)
	if err != nil {
		rec.Outcome = audit.OutcomeDataError
		rec.Error = fmt.Sprintf("account equity: %v", err)
		return
	}
	d, err := decision.Decide(snap, est, a.payoff, equity)
	if err != nil {
		if errors.Is(err, decision.ErrInvalidPayoff) {
			a.haltInstrument(instrument, err)
		}
		rec.Outcome = audit.OutcomeDataError
		rec.Error = err.Error()
		return
	}
	rec.Decision = &d
	observ.DecisionsTotal.WithLabelValues(instrument, string(d.Action)).Inc()

	if d.Action == decision.Hold {
		rec.Outcome = audit.OutcomeHold
		return
	}

	// Gate.
	verdict := a.guard.Gate(d)
	rec.SafetyVerdict = &verdict
	if !verdict.Approved {
		rec.Outcome = audit.OutcomeRejected
		a.notifier.Send(notify.Message{
			Title:      "order rejected by safety guard",
			Text:       verdict.Reason,
			Severity:   "warning",
			Instrument: instrument,
		})
		return
	}

	if halted(ctx) {
		rec.Outcome = audit.OutcomeHalted
		rec.Error = "halted before execution"
		return
	}

	// Act.
	result, err := a.exec.Execute(ctx, d)
	if err != nil {
		if halted(ctx) {
			// Cancelled mid-execute; the failure is the halt, not the broker.
			rec.Outcome = audit.OutcomeHalted
			rec.Error = err.Error()
			return
		}
		rec.Outcome = audit.OutcomeExecFailed
		rec.Error = err.Error()
		a.notifier.Send(notify.Message{
			Title:      "order execution failed",
			Text:       err.Error(),
			Severity:   "warning",
			Instrument: instrument,
		})
		return
	}
	rec.OrderResult = &result
	rec.Outcome = audit.OutcomeExecuted

	onAudited = &notify.Message{
		Title:      fmt.Sprintf("%s %d %s @ %.2f", d.Action, result.FilledSize, instrument, result.FilledAvgPrice),
		Text:       fmt.Sprintf("ev=%.4f kelly=%.4f status=%s", d.EV, d.KellyFraction, result.Status),
		Severity:   "info",
		Instrument: instrument,
		Fields: map[string]string{
			"order_id": result.OrderID,
			"status":   result.Status,
		},
	}
}

// flushRecord writes the cycle's audit record and reports whether it landed.
// On a cancelled cycle the flush gets its own short deadline so the halt
// reason still lands in the ledger. A write that exhausts retries halts the
// instrument: trading past a broken audit trail is not acceptable.
func (a *Agent) flushRecord(ctx context.Context, rec audit.Record) bool {
	if rec.Outcome == "" {
		rec.Outcome = audit.OutcomeHalted
	}
	writeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := a.ledger.Record(writeCtx, rec); err != nil {
		a.haltInstrument(rec.Instrument, fmt.Errorf("audit ledger unavailable: %w", err))
		return false
	}
	return true
}

func (a *Agent) haltInstrument(instrument string, cause error) {
	a.mu.Lock()
	a.fatal[instrument] = cause.Error()
	a.mu.Unlock()

	log := observ.Logger("agent")
	log.Error().
		Str("instrument", instrument).
		Err(cause).
		Msg("instrument processing halted")
	a.notifier.Send(notify.Message{
		Title:      "instrument processing halted",
		Text:       cause.Error(),
		Severity:   "critical",
		Instrument: instrument,
	})
}

func halted(ctx context.Context) bool {
	return ctx.Err() != nil
}

// ReconcilePositions seeds the position book from the broker at startup so
// stop-loss enforcement covers positions opened before a restart.
func (a *Agent) ReconcilePositions(ctx context.Context) error {
	positions, err := a.broker.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch open positions: %w", err)
	}
	for _, pos := range positions {
		if _, err := a.book.Open(pos.Instrument, pos.Size, pos.EntryPrice, pos.StopLossPrice, pos.OpenedAt); err != nil {
			return fmt.Errorf("seed position %s: %w", pos.Instrument, err)
		}
	}
	return nil
}
