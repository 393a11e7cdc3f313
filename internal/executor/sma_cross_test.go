package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/backtest-engine/pkg/types"
)

func trendingCloses() []float64 {
	closes := make([]float64, 0, 60)
	for i := 0; i < 20; i++ {
		closes = append(closes, 100)
	}
	for i := 0; i < 20; i++ {
		closes = append(closes, 100+float64(i+1))
	}
	for i := 0; i < 20; i++ {
		closes = append(closes, 120-float64(i+1))
	}
	return closes
}

func TestSMACrossParamsDefaults(t *testing.T) {
	p := SMACrossParams(types.Parameters{})
	assert.Equal(t, 20, p.Fast)
	assert.Equal(t, 50, p.Slow)
	assert.InDelta(t, 0.001, p.Threshold, 1e-12)

	p = SMACrossParams(types.Parameters{"window": 30.0, "fast": 5.0})
	assert.Equal(t, 30, p.Slow, "window is an alias of slow")
	assert.Equal(t, 5, p.Fast)

	p = SMACrossParams(types.Parameters{"window": 30.0, "slow": 40.0})
	assert.Equal(t, 40, p.Slow)
}

func TestSMACrossMetricsTrend(t *testing.T) {
	p := SMAParams{Fast: 2, Slow: 5, Threshold: 0, Commission: 0, InitialCapital: 10000}
	m, err := SMACrossMetrics(trendingCloses(), p, 252)
	require.NoError(t, err)
	require.NoError(t, CheckMetrics(m))

	assert.Greater(t, m[types.MetricTradeCount], 0.0)
	assert.LessOrEqual(t, m[types.MetricMaxDrawdown], 0.0)
	assert.GreaterOrEqual(t, m[types.MetricWinRate], 0.0)
	assert.LessOrEqual(t, m[types.MetricWinRate], 1.0)
	assert.InDelta(t, m[types.MetricTotalReturn]*10000, m[types.MetricPnL], 1e-6)
	assert.Greater(t, m[types.MetricPnL], 0.0, "long in the rally, short in the decline")
}

func TestSMACrossCommissionReducesReturn(t *testing.T) {
	free := SMAParams{Fast: 2, Slow: 5, InitialCapital: 10000}
	costly := free
	costly.Commission = 0.01

	a, err := SMACrossMetrics(trendingCloses(), free, 252)
	require.NoError(t, err)
	b, err := SMACrossMetrics(trendingCloses(), costly, 252)
	require.NoError(t, err)

	assert.Equal(t, a[types.MetricTradeCount], b[types.MetricTradeCount])
	assert.Less(t, b[types.MetricPnL], a[types.MetricPnL])
}

func TestSMACrossFlatMarket(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 1.1
	}
	m, err := SMACrossMetrics(closes, SMAParams{Fast: 3, Slow: 10, Threshold: 0.001, InitialCapital: 10000}, 252)
	require.NoError(t, err)
	assert.Equal(t, 0.0, m[types.MetricTradeCount])
	assert.Equal(t, 0.0, m[types.MetricPnL])
	assert.Equal(t, 0.0, m[types.MetricWinRate])
}

func TestSMACrossInvalidInput(t *testing.T) {
	_, err := SMACrossMetrics([]float64{1, 2, 3}, SMAParams{Fast: 0, Slow: 5}, 252)
	assert.ErrorIs(t, err, types.ErrTaskExecution)

	_, err = SMACrossMetrics([]float64{1}, SMAParams{Fast: 1, Slow: 2}, 252)
	assert.ErrorIs(t, err, types.ErrTaskExecution)
}

func TestSMACrossRun(t *testing.T) {
	exe := NewSMACross(&staticBars{closes: trendingCloses()})
	m, err := exe.Run(context.Background(), Input{
		StrategyID: "sma",
		Parameters: types.Parameters{"fast": 2.0, "slow": 5.0, "threshold": 0.0},
		Timeframe:  "1h",
		DataRef:    "EURUSD",
	})
	require.NoError(t, err)
	assert.NoError(t, CheckMetrics(m))

	failing := NewSMACross(&staticBars{err: errors.New("missing file")})
	_, err = failing.Run(context.Background(), Input{Timeframe: "1h"})
	assert.ErrorIs(t, err, types.ErrTaskExecution)
	assert.Contains(t, err.Error(), "missing file")

	_, err = NewSMACross(nil).Run(context.Background(), Input{Timeframe: "1h"})
	assert.ErrorIs(t, err, types.ErrTaskExecution)
}

func TestRollingMean(t *testing.T) {
	out := rollingMean([]float64{1, 2, 3, 4}, 2)
	assert.Nil(t, out[0])
	require.NotNil(t, out[1])
	assert.InDelta(t, 1.5, *out[1], 1e-12)
	assert.InDelta(t, 3.5, *out[3], 1e-12)
}
