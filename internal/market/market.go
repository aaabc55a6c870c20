package market

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// PriceProvider is the market-data capability. Implementations may fail or
// time out; callers treat any error as the price being unavailable.
type PriceProvider interface {
	GetPrice(ctx context.Context, instrument string) (PriceQuote, error)
}

// ContextProvider is the news/sentiment capability.
type ContextProvider interface {
	GetContext(ctx context.Context, instrument string) (ContextRead, error)
}

// PriceQuote is a normalized price observation from any provider.
type PriceQuote struct {
	Instrument string    `json:"instrument"`
	Price      float64   `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
}

// ContextRead is a sentiment/news observation for one instrument.
type ContextRead struct {
	Instrument string    `json:"instrument"`
	Score      float64   `json:"score"` // [-1, 1]
	Summary    string    `json:"summary"`
	Timestamp  time.Time `json:"timestamp"`
}

// Snapshot is the immutable input to one decision cycle.
type Snapshot struct {
	Instrument         string    `json:"instrument"`
	Price              float64   `json:"price"`
	Timestamp          time.Time `json:"timestamp"`
	SentimentScore     float64   `json:"sentiment_score"`
	NewsSummary        string    `json:"news_summary"`
	SentimentDegraded  bool      `json:"sentiment_degraded"` // context read failed, neutral substituted
}

// Validate rejects quotes the decision engine cannot price risk with.
func (q *PriceQuote) Validate() error {
	q.Instrument = strings.ToUpper(strings.TrimSpace(q.Instrument))
	if q.Instrument == "" {
		return fmt.Errorf("empty instrument")
	}
	if q.Price <= 0 {
		return fmt.Errorf("invalid price %.4f for %s", q.Price, q.Instrument)
	}
	if q.Timestamp.After(time.Now().Add(5 * time.Minute)) {
		return fmt.Errorf("quote timestamp in the future: %v", q.Timestamp)
	}
	return nil
}

// IsStale reports whether the quote is older than maxAge at time now.
func (q *PriceQuote) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(q.Timestamp) > maxAge
}

// IsStale reports whether the context read is older than maxAge at time now.
func (c *ContextRead) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(c.Timestamp) > maxAge
}

// DataError classifies market-data failures.
type DataError struct {
	Kind       string // "price_unavailable" | "context_unavailable" | "stale"
	Instrument string
	Message    string
	Cause      error
}

func (e *DataError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s for %s: %s (%v)", e.Kind, e.Instrument, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s for %s: %s", e.Kind, e.Instrument, e.Message)
}

func (e *DataError) Unwrap() error { return e.Cause }

func NewPriceUnavailable(instrument, message string, cause error) *DataError {
	return &DataError{Kind: "price_unavailable", Instrument: instrument, Message: message, Cause: cause}
}

func NewContextUnavailable(instrument, message string, cause error) *DataError {
	return &DataError{Kind: "context_unavailable", Instrument: instrument, Message: message, Cause: cause}
}

func NewStale(instrument string, age time.Duration) *DataError {
	return &DataError{Kind: "stale", Instrument: instrument, Message: fmt.Sprintf("data too stale: %v", age)}
}
