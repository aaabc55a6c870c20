package market

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimPriceProvider generates random-walk prices around a base, for paper
// trading and tests.
type SimPriceProvider struct {
	mu     sync.Mutex
	bases  map[string]float64
	last   map[string]float64
	vol    float64
	random *rand.Rand
}

func NewSimPriceProvider(bases map[string]float64) *SimPriceProvider {
	if bases == nil {
		bases = map[string]float64{
			"AAPL": 206.80,
			"NVDA": 450.00,
			"MSFT": 415.75,
		}
	}
	return &SimPriceProvider{
		bases:  bases,
		last:   make(map[string]float64),
		vol:    0.002,
		random: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SimPriceProvider) GetPrice(ctx context.Context, instrument string) (PriceQuote, error) {
	select {
	case <-ctx.Done():
		return PriceQuote{}, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.bases[instrument]
	if !ok {
		return PriceQuote{}, NewPriceUnavailable(instrument, "unknown instrument", nil)
	}
	prev, ok := s.last[instrument]
	if !ok {
		prev = base
	}
	// Mean-reverting walk so sim prices stay near base.
	drift := (base - prev) * 0.05
	shock := s.random.NormFloat64() * s.vol * base
	price := math.Max(0.01, prev+drift+shock)
	s.last[instrument] = price

	return PriceQuote{
		Instrument: instrument,
		Price:      price,
		Timestamp:  time.Now().UTC(),
		Source:     "sim",
	}, nil
}

// SetPrice pins the next simulated price, used by tests to force breaches.
func (s *SimPriceProvider) SetPrice(instrument string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[instrument] = price
	if _, ok := s.bases[instrument]; !ok {
		s.bases[instrument] = price
	}
}

// SimContextProvider returns a fixed sentiment read per instrument.
type SimContextProvider struct {
	mu     sync.Mutex
	scores map[string]float64
	fail   bool
}

func NewSimContextProvider(scores map[string]float64) *SimContextProvider {
	if scores == nil {
		scores = map[string]float64{}
	}
	return &SimContextProvider{scores: scores}
}

// SetFailing makes subsequent calls error, for degradation tests.
func (s *SimContextProvider) SetFailing(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *SimContextProvider) GetContext(ctx context.Context, instrument string) (ContextRead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return ContextRead{}, NewContextUnavailable(instrument, "sim failure", nil)
	}
	return ContextRead{
		Instrument: instrument,
		Score:      s.scores[instrument],
		Summary:    "sim sentiment",
		Timestamp:  time.Now().UTC(),
	}, nil
}
