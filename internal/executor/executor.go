package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/tradeagent/internal/audit"
	"github.com/quantfold/tradeagent/internal/broker"
	"github.com/quantfold/tradeagent/internal/decision"
	"github.com/quantfold/tradeagent/internal/observ"
	"github.com/quantfold/tradeagent/internal/portfolio"
)

// ErrRejected wraps broker-side failures. Execution failure is distinct
// from a losing trade: it is audited and reported but trips no kill-switch.
var ErrRejected = errors.New("order rejected")

type Config struct {
	StopLossPct float64 // e.g. -0.05, defines the stop price at entry
	SlippageBps float64 // pad for forced-close limit orders
}

// Executor translates approved decisions into bounded limit orders and owns
// position bookkeeping for fills.
type Executor struct {
	cfg    Config
	broker broker.Broker
	book   *portfolio.Book
	ledger audit.Ledger
}

func New(cfg Config, b broker.Broker, book *portfolio.Book, ledger audit.Ledger) *Executor {
	return &Executor{cfg: cfg, broker: b, book: book, ledger: ledger}
}

// Execute places the order for an approved non-Hold decision. The returned
// OrderResult carries the actual filled size; a partial fill is recorded as
// such, never assumed full.
func (e *Executor) Execute(ctx context.Context, d decision.Decision) (broker.OrderResult, error) {
	if d.Action == decision.Hold {
		return broker.OrderResult{}, fmt.Errorf("hold decisions are not executable")
	}

	req := broker.OrderRequest{
		Instrument:     d.Instrument,
		Side:           string(d.Action),
		Size:           d.Size,
		LimitPrice:     d.LimitPrice,
		IdempotencyKey: uuid.NewString(),
	}

	result, err := e.broker.PlaceLimitOrder(ctx, req)
	if err != nil {
		observ.OrdersPlacedTotal.WithLabelValues(d.Instrument, req.Side, broker.StatusFailed).Inc()
		return broker.OrderResult{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	observ.OrdersPlacedTotal.WithLabelValues(d.Instrument, req.Side, result.Status).Inc()

	if result.FilledSize > 0 {
		signed := result.FilledSize
		if d.Action == decision.Sell {
			signed = -signed
		}
		if existing, ok := e.book.Get(d.Instrument); ok && existing.Status == portfolio.StatusOpen {
			if (existing.Size > 0) != (signed > 0) {
				// Opposite direction nets against the open position so the
				// book and the broker stay in step.
				if _, err := e.book.Reduce(d.Instrument, result.FilledSize, result.FilledAvgPrice, result.Timestamp); err != nil {
					log := observ.Logger("executor")
					log.Error().Err(err).
						Str("instrument", d.Instrument).
						Msg("fill recorded at broker but position book rejected the reduction")
				}
				return result, nil
			}
			// The broker fill is real even if bookkeeping disagrees; surface loudly.
			log := observ.Logger("executor")
			log.Error().
				Str("instrument", d.Instrument).
				Int64("open_size", existing.Size).
				Msg("fill recorded at broker but a same-direction position is already open")
			return result, nil
		}
		stop := stopPrice(result.FilledAvgPrice, signed, e.cfg.StopLossPct)
		if _, err := e.book.Open(d.Instrument, signed, result.FilledAvgPrice, stop, result.Timestamp); err != nil {
			log := observ.Logger("executor")
			log.Error().Err(err).
				Str("instrument", d.Instrument).
				Msg("fill recorded at broker but position book rejected it")
		}
	}

	return result, nil
}

// ForceClose is the safety guard's enforcement action. It bypasses the
// decision engine and the gate but still writes its own audit record.
func (e *Executor) ForceClose(ctx context.Context, pos portfolio.Position, price float64, reason string) error {
	side := "sell"
	size := pos.Size
	if pos.Size < 0 {
		side = "buy"
		size = -pos.Size
	}
	pad := price * e.cfg.SlippageBps / 10000
	limit := price - pad
	if side == "buy" {
		limit = price + pad
	}

	req := broker.OrderRequest{
		Instrument:     pos.Instrument,
		Side:           side,
		Size:           size,
		LimitPrice:     limit,
		IdempotencyKey: fmt.Sprintf("stop_%s_%s", pos.Instrument, pos.OpenedAt.UTC().Format("2006-01-02")),
	}

	result, execErr := e.broker.PlaceLimitOrder(ctx, req)
	if execErr == nil && result.FilledSize > 0 {
		// Reduce rather than close outright: a partial fill leaves the
		// remainder open and still stop-eligible.
		if _, err := e.book.Reduce(pos.Instrument, result.FilledSize, result.FilledAvgPrice, result.Timestamp); err != nil {
			log := observ.Logger("executor")
			log.Error().Err(err).
				Str("instrument", pos.Instrument).
				Msg("forced close filled but position book rejected it")
		}
	}

	rec := audit.Record{
		CycleID:    uuid.NewString(),
		Instrument: pos.Instrument,
		Outcome:    audit.OutcomeForcedClose,
		Error:      reason,
		Timestamp:  time.Now().UTC(),
	}
	if execErr == nil {
		rec.OrderResult = &result
	} else {
		rec.Error = fmt.Sprintf("%s (close failed: %v)", reason, execErr)
	}
	if err := e.ledger.Record(ctx, rec); err != nil {
		return fmt.Errorf("forced close audit write: %w", err)
	}
	if execErr != nil {
		return fmt.Errorf("%w: %v", ErrRejected, execErr)
	}
	return nil
}

// stopPrice derives the per-position stop from the entry. stopLossPct is
// negative; shorts mirror it above the entry.
func stopPrice(entry float64, signedSize int64, stopLossPct float64) float64 {
	if signedSize < 0 {
		return entry * (1 - stopLossPct)
	}
	return entry * (1 + stopLossPct)
}
