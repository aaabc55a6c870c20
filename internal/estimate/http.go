package estimate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/quantfold/tradeagent/internal/market"
)

// HTTPEstimator calls a model service that turns a snapshot into a win
// probability. The call is bounded by a timeout and a circuit breaker; any
// failure surfaces as ErrUnavailable.
type HTTPEstimator struct {
	baseURL    string
	epsilon    float64
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

type HTTPConfig struct {
	BaseURL   string
	TimeoutMs int
	Epsilon   float64
}

func NewHTTPEstimator(cfg HTTPConfig) (*HTTPEstimator, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("estimator base URL is required")
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 20000
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = 0.01
	}
	st := gobreaker.Settings{Name: "estimator"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	return &HTTPEstimator{
		baseURL:    cfg.BaseURL,
		epsilon:    cfg.Epsilon,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond},
		breaker:    gobreaker.NewCircuitBreaker(st),
	}, nil
}

func (e *HTTPEstimator) Estimate(ctx context.Context, snap market.Snapshot) (Estimate, error) {
	out, err := e.breaker.Execute(func() (any, error) {
		return e.call(ctx, snap)
	})
	if err != nil {
		return Estimate{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out.(Estimate), nil
}

func (e *HTTPEstimator) call(ctx context.Context, snap market.Snapshot) (Estimate, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return Estimate{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/estimate", bytes.NewReader(payload))
	if err != nil {
		return Estimate{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Estimate{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Estimate{}, fmt.Errorf("estimator returned %d", resp.StatusCode)
	}

	var body struct {
		PWin      float64 `json:"p_win"`
		Rationale string  `json:"rationale"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Estimate{}, err
	}
	if err := Validate(body.PWin); err != nil {
		return Estimate{}, err
	}

	p, clamped := Clamp(body.PWin, e.epsilon)
	return Estimate{PWin: p, Rationale: body.Rationale, Clamped: clamped}, nil
}

// StubEstimator returns a fixed estimate, for tests and dry runs.
type StubEstimator struct {
	PWin      float64
	Rationale string
	Err       error
	Epsilon   float64
}

func (s *StubEstimator) Estimate(ctx context.Context, snap market.Snapshot) (Estimate, error) {
	if s.Err != nil {
		return Estimate{}, s.Err
	}
	eps := s.Epsilon
	if eps <= 0 {
		eps = 0.01
	}
	p, clamped := Clamp(s.PWin, eps)
	return Estimate{PWin: p, Rationale: s.Rationale, Clamped: clamped}, nil
}
