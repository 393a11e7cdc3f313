package executor

import (
	"context"
	"fmt"

	"yqhp/backtest-engine/pkg/types"
)

// SMACrossName is the builtin name of the moving-average crossover strategy.
const SMACrossName = "sma_cross"

// SMA cross defaults.
const (
	defaultFastWindow     = 20
	defaultSlowWindow     = 50
	defaultThreshold      = 0.001
	defaultCommission     = 0.001
	defaultInitialCapital = 10000.0
	defaultRiskFreeRate   = 0.02
)

// SMACross 是均线交叉策略：快线上穿慢线超过阈值做多，下穿超过阈值做空，
// 信号在下一根 K 线生效，仓位变化按手续费率扣减。
type SMACross struct {
	bars BarSource
}

// NewSMACross creates the builtin SMA crossover executable.
func NewSMACross(bars BarSource) *SMACross {
	return &SMACross{bars: bars}
}

// Run implements Executable.
// Parameters: fast, slow (alias window), threshold, commission, initial_capital.
func (s *SMACross) Run(ctx context.Context, in Input) (types.Metrics, error) {
	if s.bars == nil {
		return nil, NewExecutionError(types.ExecutableBuiltin, "sma_cross has no bar source", nil)
	}
	bars, err := s.bars.LoadBars(ctx, in.DataRef, in.Timeframe)
	if err != nil {
		return nil, NewExecutionError(types.ExecutableBuiltin, "load bars", err)
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return SMACrossMetrics(closes, SMACrossParams(in.Parameters), PeriodsPerYear(in.Timeframe))
}

// SMAParams are the resolved SMA cross parameters.
type SMAParams struct {
	Fast           int
	Slow           int
	Threshold      float64
	Commission     float64
	InitialCapital float64
}

// SMACrossParams resolves parameters with defaults.
func SMACrossParams(p types.Parameters) SMAParams {
	slow := p.Float("slow", p.Float("window", defaultSlowWindow))
	return SMAParams{
		Fast:           int(p.Float("fast", defaultFastWindow)),
		Slow:           int(slow),
		Threshold:      p.Float("threshold", defaultThreshold),
		Commission:     p.Float("commission", defaultCommission),
		InitialCapital: p.Float("initial_capital", defaultInitialCapital),
	}
}

// SMACrossMetrics runs the crossover over a close series.
func SMACrossMetrics(closes []float64, p SMAParams, periodsPerYear float64) (types.Metrics, error) {
	if p.Fast <= 0 || p.Slow <= 0 {
		return nil, NewExecutionError(types.ExecutableBuiltin, fmt.Sprintf("invalid windows fast=%d slow=%d", p.Fast, p.Slow), nil)
	}
	if len(closes) < 2 {
		return nil, NewExecutionError(types.ExecutableBuiltin, fmt.Sprintf("need at least 2 bars, got %d", len(closes)), nil)
	}

	fast := rollingMean(closes, p.Fast)
	slow := rollingMean(closes, p.Slow)

	// signal[i] is the desired position after observing bar i.
	signal := make([]float64, len(closes))
	prevDiff, havePrev := 0.0, false
	for i := range closes {
		if i > 0 {
			signal[i] = signal[i-1]
		}
		if fast[i] == nil || slow[i] == nil {
			continue
		}
		diff := *fast[i] - *slow[i]
		if havePrev {
			switch {
			case diff > p.Threshold && prevDiff <= p.Threshold:
				signal[i] = 1
			case diff < -p.Threshold && prevDiff >= -p.Threshold:
				signal[i] = -1
			}
		}
		prevDiff, havePrev = diff, true
	}

	netReturns := make([]float64, 0, len(closes)-1)
	equity := make([]float64, 0, len(closes)-1)
	curve := 1.0
	trades, wins := 0, 0
	prevPos := 0.0
	for i := 1; i < len(closes); i++ {
		pos := signal[i-1]
		ret := 0.0
		if closes[i-1] != 0 {
			ret = closes[i]/closes[i-1] - 1
		}
		gross := pos * ret
		change := pos - prevPos
		if change < 0 {
			change = -change
		}
		net := gross - change*p.Commission
		if change != 0 {
			trades++
			if gross > 0 {
				wins++
			}
		}
		netReturns = append(netReturns, net)
		curve *= 1 + net
		equity = append(equity, curve)
		prevPos = pos
	}

	totalReturn := curve - 1
	winRate := 0.0
	if trades > 0 {
		winRate = float64(wins) / float64(trades)
	}
	return types.Metrics{
		types.MetricPnL:         p.InitialCapital * totalReturn,
		types.MetricTotalReturn: totalReturn,
		types.MetricSharpe:      Sharpe(netReturns, periodsPerYear, defaultRiskFreeRate),
		types.MetricMaxDrawdown: MaxDrawdown(equity),
		types.MetricTradeCount:  float64(trades),
		types.MetricWinRate:     winRate,
	}, nil
}

// rollingMean returns the trailing mean of each window, nil until the window fills.
func rollingMean(a []float64, window int) []*float64 {
	out := make([]*float64, len(a))
	sum := 0.0
	for i, v := range a {
		sum += v
		if i >= window {
			sum -= a[i-window]
		}
		if i >= window-1 {
			m := sum / float64(window)
			out[i] = &m
		}
	}
	return out
}
