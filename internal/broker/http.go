package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantfold/tradeagent/internal/portfolio"
)

// HTTPBroker talks to a live broker REST API. All calls carry the client
// timeout; order placement is additionally rate-limited.
type HTTPBroker struct {
	baseURL     string
	apiKey      string
	apiSecret   string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

type HTTPBrokerConfig struct {
	BaseURL         string
	APIKey          string
	APISecret       string
	TimeoutMs       int
	OrdersPerMinute int
}

func NewHTTPBroker(cfg HTTPBrokerConfig) (*HTTPBroker, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("broker base URL is required")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("broker credentials are required")
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 10000
	}
	if cfg.OrdersPerMinute <= 0 {
		cfg.OrdersPerMinute = 30
	}
	return &HTTPBroker{
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		apiSecret:   cfg.APISecret,
		httpClient:  &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(cfg.OrdersPerMinute)/60.0), 1),
	}, nil
}

func (b *HTTPBroker) PlaceLimitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := b.rateLimiter.Wait(ctx); err != nil {
		return OrderResult{}, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return OrderResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v2/orders", bytes.NewReader(payload))
	if err != nil {
		return OrderResult{}, err
	}
	b.auth(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return OrderResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return OrderResult{}, fmt.Errorf("broker returned %d: %s", resp.StatusCode, apiErr.Message)
	}

	var result OrderResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return OrderResult{}, err
	}
	return result, nil
}

func (b *HTTPBroker) AccountEquity(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v2/account", nil)
	if err != nil {
		return 0, err
	}
	b.auth(req)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("broker account returned %d", resp.StatusCode)
	}

	var body struct {
		Equity float64 `json:"equity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}
	if body.Equity <= 0 {
		return 0, fmt.Errorf("broker reported non-positive equity %v", body.Equity)
	}
	return body.Equity, nil
}

func (b *HTTPBroker) OpenPositions(ctx context.Context) ([]portfolio.Position, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v2/positions", nil)
	if err != nil {
		return nil, err
	}
	b.auth(req)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker positions returned %d", resp.StatusCode)
	}

	var positions []portfolio.Position
	if err := json.NewDecoder(resp.Body).Decode(&positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func (b *HTTPBroker) auth(req *http.Request) {
	req.Header.Set("APCA-API-KEY-ID", b.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", b.apiSecret)
}
