package state

import (
	"path/filepath"
	"testing"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "agent_state.json"))
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	return s
}

func TestStore_HaltIsStickyAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_state.json")

	s := NewStore(path)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if !s.TradingEnabled() {
		t.Fatal("fresh store should have trading enabled")
	}
	if err := s.Halt("daily_drawdown: -2.10% <= -2.00%"); err != nil {
		t.Fatal(err)
	}

	// Simulated restart: a new store over the same file resumes the halt.
	s2 := NewStore(path)
	if err := s2.Load(); err != nil {
		t.Fatal(err)
	}
	if s2.TradingEnabled() {
		t.Fatal("halt must survive restart")
	}
	if s2.Get().HaltReason == "" {
		t.Fatal("halt reason must survive restart")
	}
}

func TestStore_HaltIdempotent(t *testing.T) {
	s := newStore(t)
	if err := s.Halt("breach"); err != nil {
		t.Fatal(err)
	}
	v1 := s.Get().Version
	if err := s.Halt("breach"); err != nil {
		t.Fatal(err)
	}
	if s.Get().Version != v1 {
		t.Fatal("repeated identical halt should not rewrite state")
	}
}

func TestStore_RolloverReenables(t *testing.T) {
	s := newStore(t)
	if err := s.Halt("breach"); err != nil {
		t.Fatal(err)
	}

	day := s.Get().CurrentDay
	changed, err := s.RolloverDay(day)
	if err != nil || changed {
		t.Fatalf("same-day rollover must be a no-op, changed=%v err=%v", changed, err)
	}
	if s.TradingEnabled() {
		t.Fatal("same-day rollover must not re-enable trading")
	}

	changed, err = s.RolloverDay("2027-01-02")
	if err != nil || !changed {
		t.Fatalf("rollover failed: changed=%v err=%v", changed, err)
	}
	if !s.TradingEnabled() {
		t.Fatal("day rollover must re-enable trading")
	}
	if s.Get().HaltReason != "" {
		t.Fatal("rollover must clear halt reason")
	}
}

func TestStore_PermanentHaltSurvivesRollover(t *testing.T) {
	s := newStore(t)
	if err := s.PermanentlyHalt("operator kill"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RolloverDay("2027-01-02"); err != nil {
		t.Fatal(err)
	}
	if s.TradingEnabled() {
		t.Fatal("permanent halt must survive day rollover")
	}
}
