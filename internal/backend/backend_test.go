package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"yqhp/backtest-engine/pkg/types"
)

func fullMetrics() types.Metrics {
	return types.Metrics{
		types.MetricPnL:         10,
		types.MetricSharpe:      1.1,
		types.MetricMaxDrawdown: -0.2,
		types.MetricTradeCount:  3,
		types.MetricWinRate:     0.6,
	}
}

func testTask(id string) types.Task {
	return types.Task{
		ID:         id,
		RunID:      "run",
		StrategyID: "sma_cross",
		Parameters: types.Parameters{"window": 10.0},
		Timeframe:  "1h",
		Attempt:    1,
	}
}

// runnerFunc adapts a function to executor.TaskRunner.
type runnerFunc func(ctx context.Context, task types.Task) (types.Metrics, error)

func (f runnerFunc) Execute(ctx context.Context, task types.Task) (types.Metrics, error) {
	return f(ctx, task)
}

func okRunner() runnerFunc {
	return func(ctx context.Context, task types.Task) (types.Metrics, error) {
		return fullMetrics(), nil
	}
}

// blockingRunner blocks every task until release is closed or the task is cancelled.
type blockingRunner struct {
	release chan struct{}
	started chan string
	mu      sync.Mutex
	errs    []error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{}), started: make(chan string, 16)}
}

func (r *blockingRunner) Execute(ctx context.Context, task types.Task) (types.Metrics, error) {
	r.started <- task.ID
	select {
	case <-r.release:
		return fullMetrics(), nil
	case <-ctx.Done():
		err := errors.Join(types.ErrTaskExecution, ctx.Err())
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
		return nil, err
	}
}

// pollUntilDone polls h until it leaves the pending state.
func pollUntilDone(t *testing.T, b Backend, h *Handle) Outcome {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		out, err := b.Poll(context.Background(), h)
		require.NoError(t, err)
		if out.State != StatePending {
			return out
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("handle %s still pending", h.ID)
	return Outcome{}
}
