package sense

import (
	"context"
	"time"

	"github.com/quantfold/tradeagent/internal/market"
	"github.com/quantfold/tradeagent/internal/observ"
)

// Gateway aggregates a price read and a context read into one Snapshot.
//
// Price is the primary signal: any price failure (error, stale quote) aborts
// the cycle. Sentiment is a directional aid only, so a context failure
// degrades to a neutral score with the snapshot flagged, never an abort.
type Gateway struct {
	prices    market.PriceProvider
	contexts  market.ContextProvider
	freshness time.Duration
	now       func() time.Time
}

func NewGateway(prices market.PriceProvider, contexts market.ContextProvider, freshness time.Duration) *Gateway {
	return &Gateway{
		prices:    prices,
		contexts:  contexts,
		freshness: freshness,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Sense captures one immutable snapshot for instrument.
func (g *Gateway) Sense(ctx context.Context, instrument string) (market.Snapshot, error) {
	log := observ.Logger("sense")

	quote, err := g.prices.GetPrice(ctx, instrument)
	if err != nil {
		return market.Snapshot{}, market.NewPriceUnavailable(instrument, "price read failed", err)
	}
	now := g.now()
	if quote.IsStale(now, g.freshness) {
		return market.Snapshot{}, market.NewStale(instrument, now.Sub(quote.Timestamp))
	}

	snap := market.Snapshot{
		Instrument: quote.Instrument,
		Price:      quote.Price,
		Timestamp:  quote.Timestamp,
	}

	read, err := g.contexts.GetContext(ctx, instrument)
	switch {
	case err != nil:
		log.Warn().Str("instrument", instrument).Err(err).Msg("context read failed, degrading to neutral")
		snap.SentimentScore = 0
		snap.SentimentDegraded = true
	case read.IsStale(now, g.freshness):
		log.Warn().Str("instrument", instrument).
			Dur("age", now.Sub(read.Timestamp)).
			Msg("context read stale, degrading to neutral")
		snap.SentimentScore = 0
		snap.SentimentDegraded = true
	default:
		snap.SentimentScore = read.Score
		snap.NewsSummary = read.Summary
	}

	return snap, nil
}
