package estimate

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantfold/tradeagent/internal/market"
)

// ErrUnavailable means no estimate could be produced this cycle. The caller
// must end the cycle in Hold; a missing estimate never defaults to a guess.
var ErrUnavailable = errors.New("estimate unavailable")

// Estimate is a win-probability estimate for one snapshot.
type Estimate struct {
	PWin      float64 `json:"p_win"`
	Rationale string  `json:"rationale"`
	Clamped   bool    `json:"clamped"` // raw model output was degenerate
}

// Estimator is the probability capability (LLM or model call).
type Estimator interface {
	Estimate(ctx context.Context, snap market.Snapshot) (Estimate, error)
}

// Clamp forces p into [eps, 1-eps]. Raw 0 and 1 are modeling artifacts, not
// true certainties; unclamped they make Kelly sizing degenerate.
func Clamp(p, eps float64) (float64, bool) {
	if p < eps {
		return eps, true
	}
	if p > 1-eps {
		return 1 - eps, true
	}
	return p, false
}

// Validate rejects raw probabilities outside [0,1].
func Validate(p float64) error {
	if p < 0 || p > 1 {
		return fmt.Errorf("%w: p_win out of range: %v", ErrUnavailable, p)
	}
	return nil
}
