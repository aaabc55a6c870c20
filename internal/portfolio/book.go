package portfolio

import (
	"fmt"
	"sync"
	"time"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// Position is one open or closed holding. Positions are owned per-instrument
// by the executor and the safety guard; all mutation goes through the Book.
type Position struct {
	Instrument    string         `json:"instrument"`
	EntryPrice    float64        `json:"entry_price"`
	Size          int64          `json:"size"` // negative for short
	StopLossPrice float64        `json:"stop_loss_price"`
	OpenedAt      time.Time      `json:"opened_at"`
	Status        PositionStatus `json:"status"`
	ExitPrice     float64        `json:"exit_price,omitempty"`
	ClosedAt      time.Time      `json:"closed_at,omitempty"`
	MarkPrice     float64        `json:"mark_price"` // last observed price
}

// UnrealizedPnL marks the position to price.
func (p *Position) UnrealizedPnL(price float64) float64 {
	if p.Status != StatusOpen {
		return 0
	}
	return float64(p.Size) * (price - p.EntryPrice)
}

// UnrealizedLossPct is the loss relative to entry notional, signed
// (negative = losing). Used for stop-loss breach detection.
func (p *Position) UnrealizedLossPct(price float64) float64 {
	if p.Status != StatusOpen || p.EntryPrice <= 0 || p.Size == 0 {
		return 0
	}
	notional := absFloat(float64(p.Size)) * p.EntryPrice
	return p.UnrealizedPnL(price) / notional
}

// DailyPnL is the one live P&L record per trading day. It is reset at
// session start and never mutated retroactively.
type DailyPnL struct {
	Date         string  `json:"date"`
	EquityAtOpen float64 `json:"equity_at_open"`
	Realized     float64 `json:"realized"`
	Unrealized   float64 `json:"unrealized"`
	DrawdownPct  float64 `json:"drawdown_pct"` // signed fraction, negative = loss
}

// Book tracks positions and the day's P&L. It is the single serialization
// point for the drawdown value shared across instrument cycles.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*Position
	day       DailyPnL
}

func NewBook(equityAtOpen float64, day string) *Book {
	return &Book{
		positions: make(map[string]*Position),
		day: DailyPnL{
			Date:         day,
			EquityAtOpen: equityAtOpen,
		},
	}
}

// Open records a new position. One live position per instrument.
func (b *Book) Open(instrument string, size int64, entryPrice, stopLossPrice float64, at time.Time) (*Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pos, ok := b.positions[instrument]; ok && pos.Status == StatusOpen {
		return nil, fmt.Errorf("position already open for %s", instrument)
	}
	pos := &Position{
		Instrument:    instrument,
		EntryPrice:    entryPrice,
		Size:          size,
		StopLossPrice: stopLossPrice,
		OpenedAt:      at,
		Status:        StatusOpen,
		MarkPrice:     entryPrice,
	}
	b.positions[instrument] = pos
	cp := *pos
	return &cp, nil
}

// Close realizes P&L at exitPrice and marks the position closed.
func (b *Book) Close(instrument string, exitPrice float64, at time.Time) (*Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[instrument]
	if !ok || pos.Status != StatusOpen {
		return nil, fmt.Errorf("no open position for %s", instrument)
	}
	realized := float64(pos.Size) * (exitPrice - pos.EntryPrice)
	pos.Status = StatusClosed
	pos.ExitPrice = exitPrice
	pos.ClosedAt = at
	pos.MarkPrice = exitPrice

	b.day.Realized += realized
	b.recomputeUnsafe()
	cp := *pos
	return &cp, nil
}

// Reduce realizes P&L on qty shares of an open position at exitPrice and
// keeps the remainder open. qty is unsigned; the position closes when it
// reaches zero. Partial fills on closing orders come through here so the
// residual exposure is never dropped.
func (b *Book) Reduce(instrument string, qty int64, exitPrice float64, at time.Time) (*Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[instrument]
	if !ok || pos.Status != StatusOpen {
		return nil, fmt.Errorf("no open position for %s", instrument)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("invalid reduce quantity %d for %s", qty, instrument)
	}
	abs := pos.Size
	if abs < 0 {
		abs = -abs
	}
	if qty > abs {
		qty = abs
	}
	signed := qty
	if pos.Size < 0 {
		signed = -qty
	}

	b.day.Realized += float64(signed) * (exitPrice - pos.EntryPrice)
	pos.Size -= signed
	pos.MarkPrice = exitPrice
	if pos.Size == 0 {
		pos.Status = StatusClosed
		pos.ExitPrice = exitPrice
		pos.ClosedAt = at
	}
	b.recomputeUnsafe()
	cp := *pos
	return &cp, nil
}

// Mark updates an open position's mark price and the day's unrealized P&L.
// Returns the position's current unrealized loss fraction.
func (b *Book) Mark(instrument string, price float64) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[instrument]
	if !ok || pos.Status != StatusOpen {
		return 0, false
	}
	pos.MarkPrice = price
	b.recomputeUnsafe()
	return pos.UnrealizedLossPct(price), true
}

// Get returns a copy of the position for instrument, open or closed.
func (b *Book) Get(instrument string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pos, ok := b.positions[instrument]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// OpenPositions returns copies of all open positions.
func (b *Book) OpenPositions() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Position
	for _, pos := range b.positions {
		if pos.Status == StatusOpen {
			out = append(out, *pos)
		}
	}
	return out
}

// Day returns a copy of the current day's P&L record.
func (b *Book) Day() DailyPnL {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.day
}

// ResetDay starts a fresh DailyPnL record at session start.
func (b *Book) ResetDay(equityAtOpen float64, day string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.day = DailyPnL{Date: day, EquityAtOpen: equityAtOpen}
	b.recomputeUnsafe()
}

// recomputeUnsafe refreshes unrealized P&L and drawdown. Callers hold the lock.
func (b *Book) recomputeUnsafe() {
	unrealized := 0.0
	for _, pos := range b.positions {
		if pos.Status == StatusOpen {
			unrealized += pos.UnrealizedPnL(pos.MarkPrice)
		}
	}
	b.day.Unrealized = unrealized
	if b.day.EquityAtOpen > 0 {
		b.day.DrawdownPct = (b.day.Realized + b.day.Unrealized) / b.day.EquityAtOpen
	}
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
