package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/tradeagent/internal/portfolio"
)

// PaperBroker simulates a broker for paper trading: orders fill at the limit
// price after a small latency, occasionally partially. Equity moves with
// realized fills only; unrealized marking is the portfolio book's job.
type PaperBroker struct {
	mu        sync.Mutex
	equity    float64
	positions map[string]*portfolio.Position
	random    *rand.Rand

	latencyMinMs   int
	latencyMaxMs   int
	partialFillPct float64 // probability of a partial fill
}

func NewPaperBroker(startingEquity float64) *PaperBroker {
	return &PaperBroker{
		equity:         startingEquity,
		positions:      make(map[string]*portfolio.Position),
		random:         rand.New(rand.NewSource(time.Now().UnixNano())),
		latencyMinMs:   10,
		latencyMaxMs:   50,
		partialFillPct: 0.05,
	}
}

func (b *PaperBroker) PlaceLimitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	latency := time.Duration(b.latencyMinMs+b.random.Intn(b.latencyMaxMs-b.latencyMinMs+1)) * time.Millisecond
	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return OrderResult{}, ctx.Err()
	}

	if req.Size <= 0 {
		return OrderResult{}, fmt.Errorf("invalid order size %d", req.Size)
	}
	if req.LimitPrice <= 0 {
		return OrderResult{}, fmt.Errorf("invalid limit price %v", req.LimitPrice)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	filled := req.Size
	status := StatusFilled
	if b.random.Float64() < b.partialFillPct && req.Size > 1 {
		filled = 1 + b.random.Int63n(req.Size-1)
		status = StatusPartial
	}

	signed := filled
	if req.Side == "sell" {
		signed = -filled
	}

	pos, ok := b.positions[req.Instrument]
	if ok && pos.Status == portfolio.StatusOpen {
		if (pos.Size > 0) == (signed > 0) {
			return OrderResult{}, fmt.Errorf("position already open for %s", req.Instrument)
		}
		// Closing trade: realize P&L into equity.
		b.equity += float64(pos.Size) * (req.LimitPrice - pos.EntryPrice)
		pos.Status = portfolio.StatusClosed
		pos.ExitPrice = req.LimitPrice
		pos.ClosedAt = time.Now().UTC()
	} else {
		b.positions[req.Instrument] = &portfolio.Position{
			Instrument: req.Instrument,
			EntryPrice: req.LimitPrice,
			Size:       signed,
			OpenedAt:   time.Now().UTC(),
			Status:     portfolio.StatusOpen,
			MarkPrice:  req.LimitPrice,
		}
	}

	return OrderResult{
		OrderID:        uuid.NewString(),
		Instrument:     req.Instrument,
		Side:           req.Side,
		RequestedSize:  req.Size,
		FilledSize:     filled,
		LimitPrice:     req.LimitPrice,
		FilledAvgPrice: req.LimitPrice,
		Status:         status,
		Timestamp:      time.Now().UTC(),
	}, nil
}

func (b *PaperBroker) AccountEquity(ctx context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.equity, nil
}

func (b *PaperBroker) OpenPositions(ctx context.Context) ([]portfolio.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []portfolio.Position
	for _, pos := range b.positions {
		if pos.Status == portfolio.StatusOpen {
			out = append(out, *pos)
		}
	}
	return out, nil
}

// SetPartialFillPct tunes partial-fill behavior, used by tests.
func (b *PaperBroker) SetPartialFillPct(p float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partialFillPct = p
}
