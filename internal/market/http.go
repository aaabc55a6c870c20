package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// HTTPPriceProvider fetches prices from a quote service. Requests are
// rate-limited so a tight scheduler cadence cannot exhaust a provider quota.
type HTTPPriceProvider struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

type HTTPPriceConfig struct {
	BaseURL            string
	APIKey             string
	TimeoutMs          int
	RateLimitPerMinute int
}

func NewHTTPPriceProvider(cfg HTTPPriceConfig) (*HTTPPriceProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("price provider base URL is required")
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 5000
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 60
	}
	return &HTTPPriceProvider{
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		httpClient:  &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60.0), 1),
	}, nil
}

func (p *HTTPPriceProvider) GetPrice(ctx context.Context, instrument string) (PriceQuote, error) {
	if err := p.rateLimiter.Wait(ctx); err != nil {
		return PriceQuote{}, NewPriceUnavailable(instrument, "rate limiter", err)
	}

	u, err := url.Parse(p.baseURL + "/v1/quote")
	if err != nil {
		return PriceQuote{}, NewPriceUnavailable(instrument, "bad base URL", err)
	}
	q := u.Query()
	q.Set("symbol", instrument)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return PriceQuote{}, NewPriceUnavailable(instrument, "build request", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return PriceQuote{}, NewPriceUnavailable(instrument, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return PriceQuote{}, NewPriceUnavailable(instrument, "provider rate limited", nil)
	}
	if resp.StatusCode != http.StatusOK {
		return PriceQuote{}, NewPriceUnavailable(instrument, fmt.Sprintf("status %d", resp.StatusCode), nil)
	}

	var body struct {
		Symbol    string  `json:"symbol"`
		Price     float64 `json:"price"`
		Timestamp string  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return PriceQuote{}, NewPriceUnavailable(instrument, "decode response", err)
	}

	ts, err := time.Parse(time.RFC3339, body.Timestamp)
	if err != nil {
		return PriceQuote{}, NewPriceUnavailable(instrument, "bad timestamp", err)
	}

	quote := PriceQuote{Instrument: body.Symbol, Price: body.Price, Timestamp: ts, Source: "http"}
	if err := quote.Validate(); err != nil {
		return PriceQuote{}, NewPriceUnavailable(instrument, "invalid quote", err)
	}
	return quote, nil
}

// HTTPContextProvider fetches sentiment reads. Calls run behind a circuit
// breaker: sentiment is a directional aid, so a flapping provider is cut off
// rather than slowing every cycle.
type HTTPContextProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

type HTTPContextConfig struct {
	BaseURL   string
	APIKey    string
	TimeoutMs int
}

func NewHTTPContextProvider(cfg HTTPContextConfig) (*HTTPContextProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("context provider base URL is required")
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 5000
	}
	st := gobreaker.Settings{Name: "context_provider"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	return &HTTPContextProvider{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		breaker:    gobreaker.NewCircuitBreaker(st),
	}, nil
}

func (p *HTTPContextProvider) GetContext(ctx context.Context, instrument string) (ContextRead, error) {
	out, err := p.breaker.Execute(func() (any, error) {
		return p.fetch(ctx, instrument)
	})
	if err != nil {
		return ContextRead{}, NewContextUnavailable(instrument, "fetch failed", err)
	}
	return out.(ContextRead), nil
}

func (p *HTTPContextProvider) fetch(ctx context.Context, instrument string) (ContextRead, error) {
	u, err := url.Parse(p.baseURL + "/v1/context")
	if err != nil {
		return ContextRead{}, err
	}
	q := u.Query()
	q.Set("symbol", instrument)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return ContextRead{}, err
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ContextRead{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ContextRead{}, fmt.Errorf("context provider returned %d", resp.StatusCode)
	}

	var body struct {
		Symbol    string  `json:"symbol"`
		Score     float64 `json:"score"`
		Summary   string  `json:"summary"`
		Timestamp string  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ContextRead{}, err
	}
	ts, err := time.Parse(time.RFC3339, body.Timestamp)
	if err != nil {
		return ContextRead{}, err
	}
	if body.Score < -1 || body.Score > 1 {
		return ContextRead{}, fmt.Errorf("sentiment score out of range: %v", body.Score)
	}
	return ContextRead{Instrument: body.Symbol, Score: body.Score, Summary: body.Summary, Timestamp: ts}, nil
}
