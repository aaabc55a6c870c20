package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyLedger struct {
	failures int // fail the first N writes
	writes   int
	recorded []Record
}

func (f *flakyLedger) Record(ctx context.Context, rec Record) error {
	f.writes++
	if f.writes <= f.failures {
		return errors.New("disk full")
	}
	f.recorded = append(f.recorded, rec)
	return nil
}

func (f *flakyLedger) Find(ctx context.Context, q Query) ([]Record, error) { return f.recorded, nil }
func (f *flakyLedger) Close() error                                       { return nil }

func TestRetryingLedger_RecoversFromTransientFailure(t *testing.T) {
	inner := &flakyLedger{failures: 2}
	l := NewRetryingLedger(inner, 5, time.Millisecond, 10*time.Millisecond)

	rec := testRecord("c1", "AAPL", OutcomeExecuted, time.Now().UTC())
	if err := l.Record(context.Background(), rec); err != nil {
		t.Fatalf("write should recover: %v", err)
	}
	if inner.writes != 3 {
		t.Fatalf("writes = %d, want 3", inner.writes)
	}
	if len(inner.recorded) != 1 {
		t.Fatalf("recorded = %d, want 1", len(inner.recorded))
	}
}

func TestRetryingLedger_ExhaustsAttempts(t *testing.T) {
	inner := &flakyLedger{failures: 100}
	l := NewRetryingLedger(inner, 3, time.Millisecond, 10*time.Millisecond)

	err := l.Record(context.Background(), testRecord("c1", "AAPL", OutcomeHold, time.Now().UTC()))
	if err == nil {
		t.Fatal("exhausted retries must surface an error")
	}
	if inner.writes != 3 {
		t.Fatalf("writes = %d, want 3", inner.writes)
	}
}

func TestRetryingLedger_StopsOnCancelledContext(t *testing.T) {
	inner := &flakyLedger{failures: 100}
	l := NewRetryingLedger(inner, 10, 50*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Record(ctx, testRecord("c1", "AAPL", OutcomeHold, time.Now().UTC()))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if inner.writes != 1 {
		t.Fatalf("writes = %d, want 1 before cancellation", inner.writes)
	}
}
