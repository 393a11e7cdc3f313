package executor

import (
	"math"
	"time"

	"yqhp/backtest-engine/pkg/types"
)

const tradingDaysPerYear = 252

// PeriodsPerYear returns how many bars of the timeframe make up a trading year.
func PeriodsPerYear(timeframe string) float64 {
	d, err := types.ParseTimeframe(timeframe)
	if err != nil || d <= 0 {
		return tradingDaysPerYear
	}
	return tradingDaysPerYear * float64(24*time.Hour) / float64(d)
}

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(a []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range a {
		s += x
	}
	return s / float64(len(a))
}

// StdDev returns the sample standard deviation.
func StdDev(a []float64) float64 {
	if len(a) <= 1 {
		return 0
	}
	m := Mean(a)
	s := 0.0
	for _, x := range a {
		d := x - m
		s += d * d
	}
	return math.Sqrt(s / float64(len(a)-1))
}

// Sharpe returns the annualized Sharpe ratio of per-period returns.
// riskFree is the annual rate; it is spread evenly over the periods.
func Sharpe(returns []float64, periodsPerYear, riskFree float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	sd := StdDev(returns)
	if sd <= 0 {
		return 0
	}
	excess := Mean(returns) - riskFree/periodsPerYear
	return math.Sqrt(periodsPerYear) * excess / sd
}

// MaxDrawdown returns the deepest peak-to-trough decline of an equity curve
// as a non-positive fraction, e.g. -0.25 for a 25% drawdown.
func MaxDrawdown(equity []float64) float64 {
	peak := math.Inf(-1)
	worst := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (v - peak) / peak; dd < worst {
				worst = dd
			}
		}
	}
	return worst
}
