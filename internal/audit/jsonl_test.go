package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testRecord(cycleID, instrument, outcome string, ts time.Time) Record {
	return Record{
		CycleID:    cycleID,
		Instrument: instrument,
		Outcome:    outcome,
		Timestamp:  ts,
	}
}

func TestJSONLLedger_RecordAndFind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewJSONLLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ctx := context.Background()
	day1 := time.Date(2026, 8, 27, 15, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC)

	records := []Record{
		testRecord("c1", "AAPL", OutcomeHold, day1),
		testRecord("c2", "AAPL", OutcomeExecuted, day2),
		testRecord("c3", "MSFT", OutcomeRejected, day2),
	}
	for _, rec := range records {
		if err := l.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := l.Find(ctx, Query{Date: "2026-08-28"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("date filter: got %d records, want 2", len(got))
	}

	got, err = l.Find(ctx, Query{Date: "2026-08-28", Instrument: "AAPL"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].CycleID != "c2" {
		t.Fatalf("instrument filter: got %+v", got)
	}

	got, err = l.Find(ctx, Query{Date: "2026-01-01"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("empty date: got %d records, want 0", len(got))
	}
}

func TestJSONLLedger_TornLineTolerated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewJSONLLedger(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ctx := context.Background()
	ts := time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC)
	if err := l.Record(ctx, testRecord("c1", "AAPL", OutcomeHold, ts)); err != nil {
		t.Fatal(err)
	}

	// Crash mid-write leaves a torn trailing line.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"cycle_id":"c2","instr`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	got, err := l.Find(ctx, Query{Date: "2026-08-28"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].CycleID != "c1" {
		t.Fatalf("torn line must be skipped, got %+v", got)
	}
}

func TestJSONLLedger_FindOnMissingFile(t *testing.T) {
	l := &JSONLLedger{path: filepath.Join(t.TempDir(), "nope.jsonl")}
	got, err := l.Find(context.Background(), Query{Date: "2026-08-28"})
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("missing file should yield no records, got %+v", got)
	}
}
