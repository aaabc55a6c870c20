package sense

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quantfold/tradeagent/internal/market"
)

type fakePrices struct {
	quote market.PriceQuote
	err   error
}

func (f *fakePrices) GetPrice(ctx context.Context, instrument string) (market.PriceQuote, error) {
	return f.quote, f.err
}

type fakeContexts struct {
	read market.ContextRead
	err  error
}

func (f *fakeContexts) GetContext(ctx context.Context, instrument string) (market.ContextRead, error) {
	return f.read, f.err
}

var testNow = time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC)

func newTestGateway(prices *fakePrices, contexts *fakeContexts) *Gateway {
	g := NewGateway(prices, contexts, 30*time.Second)
	g.now = func() time.Time { return testNow }
	return g
}

func TestSense_HappyPath(t *testing.T) {
	g := newTestGateway(
		&fakePrices{quote: market.PriceQuote{Instrument: "AAPL", Price: 212.5, Timestamp: testNow}},
		&fakeContexts{read: market.ContextRead{Instrument: "AAPL", Score: 0.4, Summary: "earnings beat", Timestamp: testNow}},
	)
	snap, err := g.Sense(context.Background(), "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Price != 212.5 || snap.SentimentScore != 0.4 || snap.SentimentDegraded {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.NewsSummary != "earnings beat" {
		t.Fatalf("news summary = %q", snap.NewsSummary)
	}
}

func TestSense_PriceFailureAborts(t *testing.T) {
	g := newTestGateway(
		&fakePrices{err: errors.New("connection refused")},
		&fakeContexts{read: market.ContextRead{Score: 0.4, Timestamp: testNow}},
	)
	_, err := g.Sense(context.Background(), "AAPL")
	if err == nil {
		t.Fatal("price failure must abort the sense")
	}
	var de *market.DataError
	if !errors.As(err, &de) || de.Kind != "price_unavailable" {
		t.Fatalf("want price_unavailable DataError, got %v", err)
	}
}

func TestSense_StalePriceAborts(t *testing.T) {
	g := newTestGateway(
		&fakePrices{quote: market.PriceQuote{Instrument: "AAPL", Price: 212.5, Timestamp: testNow.Add(-2 * time.Minute)}},
		&fakeContexts{read: market.ContextRead{Score: 0.4, Timestamp: testNow}},
	)
	_, err := g.Sense(context.Background(), "AAPL")
	var de *market.DataError
	if !errors.As(err, &de) || de.Kind != "stale" {
		t.Fatalf("want stale DataError, got %v", err)
	}
}

func TestSense_ContextFailureDegradesToNeutral(t *testing.T) {
	g := newTestGateway(
		&fakePrices{quote: market.PriceQuote{Instrument: "AAPL", Price: 212.5, Timestamp: testNow}},
		&fakeContexts{err: errors.New("circuit open")},
	)
	snap, err := g.Sense(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("context failure must not abort: %v", err)
	}
	if snap.SentimentScore != 0 || !snap.SentimentDegraded {
		t.Fatalf("want neutral degraded snapshot, got %+v", snap)
	}
}

func TestSense_StaleContextDegradesToNeutral(t *testing.T) {
	g := newTestGateway(
		&fakePrices{quote: market.PriceQuote{Instrument: "AAPL", Price: 212.5, Timestamp: testNow}},
		&fakeContexts{read: market.ContextRead{Score: 0.9, Timestamp: testNow.Add(-5 * time.Minute)}},
	)
	snap, err := g.Sense(context.Background(), "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if snap.SentimentScore != 0 || !snap.SentimentDegraded {
		t.Fatalf("stale context must degrade to neutral, got %+v", snap)
	}
}
