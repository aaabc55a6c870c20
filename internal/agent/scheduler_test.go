package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradeagent/internal/config"
	"github.com/quantfold/tradeagent/internal/estimate"
	"github.com/quantfold/tradeagent/internal/observ"
)

func testLogger() zerolog.Logger {
	return observ.Logger("scheduler_test")
}

func nyseHours() config.Scheduler {
	return config.Scheduler{
		TickIntervalMs: 100,
		MarketHours: config.MarketHours{
			Timezone:  "America/New_York",
			OpenHour:  9,
			OpenMin:   30,
			CloseHour: 16,
			CloseMin:  0,
		},
	}
}

func newScheduler(t *testing.T, f *fixture) *Scheduler {
	t.Helper()
	s, err := NewScheduler(nyseHours(), []string{"AAPL"}, f.agent, f.state, f.guard,
		func(ctx context.Context) (float64, error) { return f.broker.AccountEquity(ctx) })
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestInMarketHours(t *testing.T) {
	f := newFixture(t, &estimate.StubEstimator{PWin: 0.5})
	s := newScheduler(t, f)
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"mid session", time.Date(2026, 8, 28, 12, 0, 0, 0, ny), true}, // Friday
		{"open bell", time.Date(2026, 8, 28, 9, 30, 0, 0, ny), true},
		{"one minute before open", time.Date(2026, 8, 28, 9, 29, 0, 0, ny), false},
		{"close bell excluded", time.Date(2026, 8, 28, 16, 0, 0, 0, ny), false},
		{"after hours", time.Date(2026, 8, 28, 19, 0, 0, 0, ny), false},
		{"saturday", time.Date(2026, 8, 29, 12, 0, 0, 0, ny), false},
		{"sunday", time.Date(2026, 8, 30, 12, 0, 0, 0, ny), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.InMarketHours(tc.t); got != tc.want {
				t.Fatalf("InMarketHours(%v) = %v, want %v", tc.t, got, tc.want)
			}
		})
	}
}

func TestTick_SkipsOutsideMarketHours(t *testing.T) {
	f := newFixture(t, &estimate.StubEstimator{PWin: 0.5})
	s := newScheduler(t, f)
	ny, _ := time.LoadLocation("America/New_York")
	s.now = func() time.Time { return time.Date(2026, 8, 28, 7, 0, 0, 0, ny) }

	s.tick(context.Background(), testLogger())
	time.Sleep(50 * time.Millisecond)
	if f.ledger.count() != 0 {
		t.Fatalf("pre-market tick ran a cycle, records = %d", f.ledger.count())
	}
}

func TestTick_NoOpWhileKillSwitchEngaged(t *testing.T) {
	f := newFixture(t, &estimate.StubEstimator{PWin: 0.5})
	s := newScheduler(t, f)
	ny, _ := time.LoadLocation("America/New_York")
	s.now = func() time.Time { return time.Date(2026, 8, 28, 12, 0, 0, 0, ny) }

	// Pin the store's day to the tick's day so rollover does not re-enable.
	if _, err := f.state.RolloverDay("2026-08-28"); err != nil {
		t.Fatal(err)
	}
	if err := f.state.Halt("daily_drawdown breach"); err != nil {
		t.Fatal(err)
	}

	s.tick(context.Background(), testLogger())
	time.Sleep(50 * time.Millisecond)
	if f.ledger.count() != 0 {
		t.Fatalf("halted tick ran a cycle, records = %d", f.ledger.count())
	}
}

func TestTick_RunsCycleDuringSession(t *testing.T) {
	f := newFixture(t, &estimate.StubEstimator{PWin: 0.5})
	s := newScheduler(t, f)
	ny, _ := time.LoadLocation("America/New_York")
	s.now = func() time.Time { return time.Date(2026, 8, 28, 12, 0, 0, 0, ny) }

	s.tick(context.Background(), testLogger())
	rec := f.ledger.waitForRecord(t)
	if rec.Instrument != "AAPL" {
		t.Fatalf("cycle instrument = %s", rec.Instrument)
	}
}

func TestTick_RolloverResetsGuardBaseline(t *testing.T) {
	f := newFixture(t, &estimate.StubEstimator{PWin: 0.5})
	s := newScheduler(t, f)
	ny, _ := time.LoadLocation("America/New_York")
	s.now = func() time.Time { return time.Date(2026, 9, 1, 7, 0, 0, 0, ny) }

	if _, err := f.state.RolloverDay("2026-08-28"); err != nil {
		t.Fatal(err)
	}
	if err := f.state.Halt("daily_drawdown breach"); err != nil {
		t.Fatal(err)
	}

	s.tick(context.Background(), testLogger())

	if !f.state.TradingEnabled() {
		t.Fatal("rollover tick must re-enable trading")
	}
	if day := f.book.Day(); day.Date != "2026-09-01" || day.EquityAtOpen != 100_000 {
		t.Fatalf("guard baseline not reset at rollover: %+v", day)
	}
}

func TestTick_RolloverRetriesAfterEquityFetchFailure(t *testing.T) {
	f := newFixture(t, &estimate.StubEstimator{PWin: 0.5})
	ny, _ := time.LoadLocation("America/New_York")

	calls := 0
	s, err := NewScheduler(nyseHours(), []string{"AAPL"}, f.agent, f.state, f.guard,
		func(ctx context.Context) (float64, error) {
			calls++
			if calls == 1 {
				return 0, errors.New("broker unavailable")
			}
			return 90_000, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return time.Date(2026, 9, 1, 7, 0, 0, 0, ny) }

	if _, err := f.state.RolloverDay("2026-08-28"); err != nil {
		t.Fatal(err)
	}

	// First tick of the new day: the equity fetch fails, so the baseline
	// must stay on the old day rather than resetting with a bad number.
	s.tick(context.Background(), testLogger())
	if day := f.book.Day(); day.Date != "2026-08-28" {
		t.Fatalf("baseline reset without fresh equity: %+v", day)
	}

	// The reset is still owed; the next tick retries even though the
	// persisted day no longer changes.
	s.tick(context.Background(), testLogger())
	if day := f.book.Day(); day.Date != "2026-09-01" || day.EquityAtOpen != 90_000 {
		t.Fatalf("rollover reset not retried: %+v", day)
	}
	if calls != 2 {
		t.Fatalf("equity fetches = %d, want 2", calls)
	}
}
