package estimate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradeagent/internal/market"
)

func TestClamp(t *testing.T) {
	cases := []struct {
		name    string
		p       float64
		want    float64
		clamped bool
	}{
		{"certain loss", 0.0, 0.01, true},
		{"certain win", 1.0, 0.99, true},
		{"low edge", 0.005, 0.01, true},
		{"interior untouched", 0.6, 0.6, false},
		{"boundary exact", 0.01, 0.01, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, clamped := Clamp(tc.p, 0.01)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.clamped, clamped)
		})
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(0.5))
	require.NoError(t, Validate(0))
	require.NoError(t, Validate(1))

	err := Validate(1.2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, Validate(-0.1), ErrUnavailable)
}

func TestStubEstimator(t *testing.T) {
	stub := &StubEstimator{PWin: 1.0, Rationale: "fixture", Epsilon: 0.01}
	est, err := stub.Estimate(context.Background(), market.Snapshot{Instrument: "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, 0.99, est.PWin)
	assert.True(t, est.Clamped)

	stub.Err = errors.New("model down")
	_, err = stub.Estimate(context.Background(), market.Snapshot{Instrument: "AAPL"})
	require.Error(t, err)
}
