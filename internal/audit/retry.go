package audit

import (
	"context"
	"time"

	"github.com/quantfold/tradeagent/internal/observ"
)

// RetryingLedger wraps a Ledger with retry-with-backoff on writes. An
// unrecorded trade is the worst failure mode, so the write is retried until
// it succeeds or the cycle's context is cancelled; either way the caller
// must not proceed to the next action on error.
type RetryingLedger struct {
	inner       Ledger
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
}

func NewRetryingLedger(inner Ledger, maxAttempts int, backoffBase, backoffMax time.Duration) *RetryingLedger {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if backoffBase <= 0 {
		backoffBase = 100 * time.Millisecond
	}
	if backoffMax <= 0 {
		backoffMax = 5 * time.Second
	}
	return &RetryingLedger{
		inner:       inner,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
	}
}

func (l *RetryingLedger) Record(ctx context.Context, rec Record) error {
	log := observ.Logger("audit")
	backoff := l.backoffBase

	var err error
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		err = l.inner.Record(ctx, rec)
		if err == nil {
			return nil
		}
		observ.AuditWriteFailuresTotal.Inc()
		log.Error().Err(err).
			Int("attempt", attempt).
			Str("cycle_id", rec.CycleID).
			Msg("audit write failed")

		if attempt == l.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.backoffMax {
			backoff = l.backoffMax
		}
	}
	return err
}

func (l *RetryingLedger) Find(ctx context.Context, q Query) ([]Record, error) {
	return l.inner.Find(ctx, q)
}

func (l *RetryingLedger) Close() error {
	return l.inner.Close()
}
