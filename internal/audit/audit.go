package audit

import (
	"context"
	"time"

	"github.com/quantfold/tradeagent/internal/broker"
	"github.com/quantfold/tradeagent/internal/decision"
	"github.com/quantfold/tradeagent/internal/estimate"
	"github.com/quantfold/tradeagent/internal/market"
	"github.com/quantfold/tradeagent/internal/risk"
)

// Cycle outcomes recorded in the ledger.
const (
	OutcomeHold        = "hold"
	OutcomeExecuted    = "executed"
	OutcomeRejected    = "rejected"     // safety guard veto
	OutcomeExecFailed  = "exec_failed"  // broker rejected or errored
	OutcomeDataError   = "data_error"   // sense failed, cycle aborted
	OutcomeNoEstimate  = "no_estimate"  // estimator unavailable, held
	OutcomeForcedClose = "forced_close" // safety enforcement action
	OutcomeHalted      = "halted"       // cancelled mid-flight by a halt
)

// Record is one append-only audit entry. Every completed cycle writes
// exactly one, including Hold outcomes and safety rejections; forced closes
// write their own. Records are never updated or deleted.
type Record struct {
	CycleID       string               `json:"cycle_id"`
	Instrument    string               `json:"instrument"`
	Outcome       string               `json:"outcome"`
	Snapshot      *market.Snapshot     `json:"snapshot,omitempty"`
	Estimate      *estimate.Estimate   `json:"estimate,omitempty"`
	Decision      *decision.Decision   `json:"decision,omitempty"`
	SafetyVerdict *risk.Verdict        `json:"safety_verdict,omitempty"`
	OrderResult   *broker.OrderResult  `json:"order_result,omitempty"`
	Error         string               `json:"error,omitempty"`
	Timestamp     time.Time            `json:"timestamp"`
}

// Query filters ledger reads for P&L reconstruction and postmortems.
type Query struct {
	Date       string // YYYY-MM-DD, required
	Instrument string // optional
}

// Ledger is the append-only audit store. A write failure is worse than a
// trade failure: callers must not act on a decision that could not be
// recorded.
type Ledger interface {
	Record(ctx context.Context, rec Record) error
	Find(ctx context.Context, q Query) ([]Record, error)
	Close() error
}
