package executor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/backtest-engine/pkg/types"
)

type staticBars struct {
	closes []float64
	err    error
}

func (s *staticBars) LoadBars(ctx context.Context, dataRef, timeframe string) ([]types.Bar, error) {
	if s.err != nil {
		return nil, s.err
	}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, len(s.closes))
	for i, c := range s.closes {
		bars[i] = types.Bar{Time: start.Add(time.Duration(i) * time.Hour), Open: c, High: c, Low: c, Close: c}
	}
	return bars, nil
}

func fullMetrics() types.Metrics {
	return types.Metrics{"pnl": 1, "sharpe": 0.5, "max_drawdown": -0.1, "trade_count": 3, "win_rate": 0.66}
}

func TestCheckMetrics(t *testing.T) {
	assert.NoError(t, CheckMetrics(fullMetrics()))

	err := CheckMetrics(nil)
	assert.ErrorIs(t, err, types.ErrTaskExecution)

	m := fullMetrics()
	delete(m, "sharpe")
	err = CheckMetrics(m)
	assert.ErrorIs(t, err, types.ErrTaskExecution)
	assert.Contains(t, err.Error(), "sharpe")

	m = fullMetrics()
	m["pnl"] = math.NaN()
	assert.ErrorIs(t, CheckMetrics(m), types.ErrTaskExecution)
}

func TestExecutableFunc(t *testing.T) {
	var got Input
	exe := ExecutableFunc(func(ctx context.Context, in Input) (types.Metrics, error) {
		got = in
		return fullMetrics(), nil
	})

	task := types.Task{ID: "t1", StrategyID: "s", Parameters: types.Parameters{"window": 10.0}, Timeframe: "1h", DataRef: "EURUSD"}
	m, err := exe.Run(context.Background(), InputFromTask(task))
	require.NoError(t, err)
	assert.Equal(t, 1.0, m["pnl"])
	assert.Equal(t, "EURUSD", got.DataRef)

	got.Parameters["window"] = 99.0
	assert.Equal(t, 10.0, task.Parameters["window"], "input parameters are a copy")
}

func TestExecutionErrorIsTaskExecution(t *testing.T) {
	err := NewExecutionError(types.ExecutableCommand, "boom", errors.New("exit 1"))
	assert.ErrorIs(t, err, types.ErrTaskExecution)
	assert.Contains(t, err.Error(), "[command] boom: exit 1")
}

func TestToMetrics(t *testing.T) {
	m, err := toMetrics(types.ExecutableScript, map[string]any{"pnl": int64(5), "sharpe": 1.5, "symbol": "EURUSD"})
	require.NoError(t, err)
	assert.Equal(t, types.Metrics{"pnl": 5, "sharpe": 1.5}, m)

	m, err = toMetrics(types.ExecutableScript, map[string]any{"status": "ok", "metrics": map[string]any{"pnl": 2.0}})
	require.NoError(t, err)
	assert.Equal(t, types.Metrics{"pnl": 2}, m)

	_, err = toMetrics(types.ExecutableScript, map[string]any{"status": "failed", "error": "no data"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no data")

	_, err = toMetrics(types.ExecutableScript, []any{1})
	assert.Error(t, err)
}
