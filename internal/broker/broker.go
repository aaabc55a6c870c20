package broker

import (
	"context"
	"time"

	"github.com/quantfold/tradeagent/internal/portfolio"
)

// Order statuses as reported by the broker.
const (
	StatusPending   = "pending"
	StatusFilled    = "filled"
	StatusPartial   = "partial"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// OrderRequest is a bounded limit order.
type OrderRequest struct {
	Instrument     string  `json:"instrument"`
	Side           string  `json:"side"` // "buy" | "sell"
	Size           int64   `json:"size"`
	LimitPrice     float64 `json:"limit_price"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// OrderResult reports what actually happened at the broker. FilledSize is
// authoritative; a partial fill is a success with FilledSize < Size.
type OrderResult struct {
	OrderID        string    `json:"order_id"`
	Instrument     string    `json:"instrument"`
	Side           string    `json:"side"`
	RequestedSize  int64     `json:"requested_size"`
	FilledSize     int64     `json:"filled_size"`
	LimitPrice     float64   `json:"limit_price"`
	FilledAvgPrice float64   `json:"filled_avg_price"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
}

// Broker is the single-account broker capability.
type Broker interface {
	PlaceLimitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	AccountEquity(ctx context.Context) (float64, error)
	OpenPositions(ctx context.Context) ([]portfolio.Position, error)
}
