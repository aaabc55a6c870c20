package risk

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quantfold/tradeagent/internal/decision"
	"github.com/quantfold/tradeagent/internal/market"
	"github.com/quantfold/tradeagent/internal/portfolio"
	"github.com/quantfold/tradeagent/internal/state"
)

// fakeCloser flattens the book position on success, like the real executor,
// and can be made to fail its first attempts.
type fakeCloser struct {
	mu       sync.Mutex
	book     *portfolio.Book
	closes   []string
	failures int
}

func (f *fakeCloser) ForceClose(ctx context.Context, pos portfolio.Position, price float64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, pos.Instrument)
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	_, err := f.book.Close(pos.Instrument, price, time.Now())
	return err
}

func (f *fakeCloser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closes)
}

func newGuard(t *testing.T) (*Guard, *state.Store, *portfolio.Book, *fakeCloser) {
	t.Helper()
	st := state.NewStore(filepath.Join(t.TempDir(), "state.json"))
	if err := st.Load(); err != nil {
		t.Fatal(err)
	}
	// Pin the store's day so rollover behavior does not depend on the clock.
	if _, err := st.RolloverDay("2026-08-28"); err != nil {
		t.Fatal(err)
	}
	book := portfolio.NewBook(100_000, "2026-08-28")
	closer := &fakeCloser{book: book}
	g := NewGuard(Config{StopLossPct: -0.05, DailyDrawdownLimitPct: -0.02}, st, book, closer)
	return g, st, book, closer
}

func quote(instrument string, price float64) market.PriceQuote {
	return market.PriceQuote{Instrument: instrument, Price: price, Timestamp: time.Now(), Source: "test"}
}

func TestGuard_HoldAlwaysPasses(t *testing.T) {
	g, st, _, _ := newGuard(t)
	if err := st.Halt("breach"); err != nil {
		t.Fatal(err)
	}
	v := g.Gate(decision.Decision{Instrument: "AAPL", Action: decision.Hold})
	if !v.Approved {
		t.Fatalf("hold must pass even when halted: %+v", v)
	}
}

func TestGuard_GateRejectsWhenHalted(t *testing.T) {
	g, st, _, _ := newGuard(t)
	if err := st.Halt("daily_drawdown breach"); err != nil {
		t.Fatal(err)
	}
	v := g.Gate(decision.Decision{Instrument: "AAPL", Action: decision.Buy})
	if v.Approved {
		t.Fatal("buy must be rejected while halted for the day")
	}
	if v.Reason == "" {
		t.Fatal("rejection must carry a reason")
	}
	if g.State() != StateHaltedForDay {
		t.Fatalf("state = %s, want %s", g.State(), StateHaltedForDay)
	}
}

func TestGuard_StopLossFiresExactlyOnce(t *testing.T) {
	g, _, book, closer := newGuard(t)
	if _, err := book.Open("AAPL", 100, 200, 190, time.Now()); err != nil {
		t.Fatal(err)
	}

	// -5% exactly breaches (<=), and repeated ticks below must not re-fire.
	g.OnPrice(context.Background(), quote("AAPL", 190))
	g.OnPrice(context.Background(), quote("AAPL", 188))
	g.OnPrice(context.Background(), quote("AAPL", 185))

	if got := closer.count(); got != 1 {
		t.Fatalf("forced closes = %d, want 1", got)
	}
	if !g.InstrumentHalted("AAPL") {
		t.Fatal("breached instrument must be halted")
	}
	v := g.Gate(decision.Decision{Instrument: "AAPL", Action: decision.Buy})
	if v.Approved {
		t.Fatal("halted instrument must reject new orders")
	}
	// Other instruments are unaffected.
	v = g.Gate(decision.Decision{Instrument: "MSFT", Action: decision.Buy})
	if !v.Approved {
		t.Fatalf("unrelated instrument rejected: %+v", v)
	}
}

func TestGuard_ForcedCloseRetriesUntilFlat(t *testing.T) {
	g, _, book, closer := newGuard(t)
	closer.failures = 1
	if _, err := book.Open("AAPL", 100, 200, 190, time.Now()); err != nil {
		t.Fatal(err)
	}

	// First attempt fails at the broker; the breached position must stay
	// open and halted, not be forgotten.
	g.OnPrice(context.Background(), quote("AAPL", 185))
	if closer.count() != 1 {
		t.Fatalf("forced closes = %d, want 1", closer.count())
	}
	if pos, ok := book.Get("AAPL"); !ok || pos.Status != portfolio.StatusOpen {
		t.Fatalf("failed close must leave the position open: %+v", pos)
	}
	if !g.InstrumentHalted("AAPL") {
		t.Fatal("breached instrument must be halted even when the close fails")
	}

	// Next observation retries and flattens.
	g.OnPrice(context.Background(), quote("AAPL", 184))
	if closer.count() != 2 {
		t.Fatalf("forced closes = %d, want 2", closer.count())
	}
	if pos, _ := book.Get("AAPL"); pos.Status != portfolio.StatusClosed {
		t.Fatalf("retried close must flatten the position: %+v", pos)
	}

	// Flat position: no further attempts.
	g.OnPrice(context.Background(), quote("AAPL", 180))
	if closer.count() != 2 {
		t.Fatalf("forced closes = %d after flat, want 2", closer.count())
	}
}

func TestGuard_NoStopBelowThreshold(t *testing.T) {
	g, _, book, closer := newGuard(t)
	if _, err := book.Open("AAPL", 100, 200, 190, time.Now()); err != nil {
		t.Fatal(err)
	}
	g.OnPrice(context.Background(), quote("AAPL", 192)) // -4%
	if closer.count() != 0 {
		t.Fatal("loss above threshold must not trigger stop")
	}
	if g.InstrumentHalted("AAPL") {
		t.Fatal("instrument must not be halted")
	}
}

func TestGuard_KillSwitchEngagesOnceAndSticks(t *testing.T) {
	g, st, book, _ := newGuard(t)

	var halts []string
	g.OnDayHalt(func(reason string) { halts = append(halts, reason) })

	// 100k equity at open; a -2100 unrealized move is -2.1% drawdown.
	if _, err := book.Open("AAPL", 1000, 100, 95, time.Now()); err != nil {
		t.Fatal(err)
	}
	g.OnPrice(context.Background(), quote("AAPL", 97.9))

	if st.TradingEnabled() {
		t.Fatal("kill-switch must disable trading")
	}
	if len(halts) != 1 {
		t.Fatalf("day-halt callbacks = %d, want 1", len(halts))
	}

	// Further breaches are idempotent.
	g.OnPrice(context.Background(), quote("AAPL", 97.5))
	if len(halts) != 1 {
		t.Fatalf("repeated breach re-fired callback, calls = %d", len(halts))
	}
}

func TestGuard_RolloverClearsHalts(t *testing.T) {
	g, st, book, _ := newGuard(t)
	if _, err := book.Open("AAPL", 100, 200, 190, time.Now()); err != nil {
		t.Fatal(err)
	}
	g.OnPrice(context.Background(), quote("AAPL", 150)) // -25%: stop + kill-switch

	if st.TradingEnabled() {
		t.Fatal("expected day halt")
	}
	if !g.InstrumentHalted("AAPL") {
		t.Fatal("expected instrument halt")
	}

	if _, err := st.RolloverDay("2026-08-29"); err != nil {
		t.Fatal(err)
	}
	g.RolloverDay("2026-08-29", 95_000)

	if !st.TradingEnabled() {
		t.Fatal("rollover must re-enable trading")
	}
	if g.InstrumentHalted("AAPL") {
		t.Fatal("rollover must clear instrument halts")
	}
	if d := g.Drawdown(); d != 0 {
		t.Fatalf("drawdown after rollover = %v, want 0", d)
	}
}
