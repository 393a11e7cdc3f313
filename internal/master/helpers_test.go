package master

import (
	"context"
	"fmt"
	"sync"

	"yqhp/backtest-engine/internal/backend"
	"yqhp/backtest-engine/internal/executor"
	"yqhp/backtest-engine/pkg/types"
)

func fullMetrics(sharpe float64) types.Metrics {
	return types.Metrics{
		types.MetricPnL:         sharpe * 100,
		types.MetricSharpe:      sharpe,
		types.MetricMaxDrawdown: -0.1,
		types.MetricTradeCount:  4,
		types.MetricWinRate:     0.5,
	}
}

func floatPtr(v float64) *float64 { return &v }

func int64Ptr(v int64) *int64 { return &v }

// stubBuilder builds every spec into the same executable.
type stubBuilder struct {
	exe executor.Executable
}

func (b stubBuilder) Build(spec types.ExecutableSpec) (executor.Executable, error) {
	if b.exe == nil {
		return nil, fmt.Errorf("no executable for %s", spec.Builtin)
	}
	return b.exe, nil
}

func okExecutable() executor.Executable {
	return executor.ExecutableFunc(func(ctx context.Context, in executor.Input) (types.Metrics, error) {
		return fullMetrics(in.Parameters.Float("window", 1) / 10), nil
	})
}

func smaSpec() types.StrategySpec {
	return types.StrategySpec{
		ID: "sma_cross",
		Parameters: []types.ParameterDomain{
			{Name: "window", Min: floatPtr(5), Max: floatPtr(50), Step: 5, Default: 20},
		},
		Timeframes: []string{"1h", "4h", "1d"},
		Executable: types.ExecutableSpec{Kind: types.ExecutableBuiltin, Builtin: "sma_cross"},
	}
}

func breakoutSpec() types.StrategySpec {
	return types.StrategySpec{
		ID: "breakout",
		Parameters: []types.ParameterDomain{
			{Name: "lookback", Values: []any{10, 20, 30}},
			{Name: "side", Values: []any{"long", "short"}},
			{Name: "threshold", Min: floatPtr(0), Max: floatPtr(1)},
		},
		Timeframes: []string{"1h", "1d"},
		Executable: types.ExecutableSpec{Kind: types.ExecutableBuiltin, Builtin: "breakout"},
	}
}

func newTestRegistry(specs ...types.StrategySpec) *StrategyRegistry {
	r := NewStrategyRegistry(stubBuilder{exe: okExecutable()})
	for _, s := range specs {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// outcome is the scripted result of one attempt on the fake backend.
type outcome struct {
	metrics types.Metrics
	err     error
	hang    bool
	// ignoreCancel keeps a hanging job pending even after Cancel.
	ignoreCancel bool
}

type fakeJob struct {
	task      types.Task
	out       outcome
	cancelled bool
	released  bool
}

// fakeBackend completes tasks synchronously according to script and tracks capacity.
type fakeBackend struct {
	max    int
	script func(task types.Task) outcome

	mu        sync.Mutex
	inUse     int
	peak      int
	seq       int
	jobs      map[string]*fakeJob
	submitted []types.Task
	closed    bool
	saturated int
}

func newFakeBackend(capacity int, script func(task types.Task) outcome) *fakeBackend {
	return &fakeBackend{max: capacity, script: script, jobs: make(map[string]*fakeJob)}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) MaxConcurrency() int { return f.max }

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) Submit(ctx context.Context, task types.Task) (*backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, types.ErrBackendClosed
	}
	if f.inUse >= f.max {
		f.saturated++
		return nil, types.ErrBackendSaturated
	}
	f.inUse++
	if f.inUse > f.peak {
		f.peak = f.inUse
	}
	f.seq++
	id := fmt.Sprintf("h-%d", f.seq)
	f.jobs[id] = &fakeJob{task: task, out: f.script(task)}
	f.submitted = append(f.submitted, task)
	return &backend.Handle{ID: id, TaskID: task.ID, WorkerID: "fake-worker"}, nil
}

func (f *fakeBackend) Poll(ctx context.Context, h *backend.Handle) (backend.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return backend.Outcome{}, types.ErrBackendClosed
	}
	j, ok := f.jobs[h.ID]
	if !ok {
		return backend.Outcome{}, types.ErrUnknownHandle
	}
	if j.out.hang && (!j.cancelled || j.out.ignoreCancel) {
		return backend.Outcome{State: backend.StatePending}, nil
	}
	f.release(j)
	if j.cancelled {
		rec := types.NewFailureRecord(j.task, types.TaskStatusFailed, types.ErrTaskCancelled, "fake-worker", 0)
		return backend.Outcome{State: backend.StateFailed, Record: &rec, Err: types.ErrTaskCancelled}, nil
	}
	if j.out.err != nil {
		rec := types.NewFailureRecord(j.task, types.TaskStatusFailed, j.out.err, "fake-worker", 0)
		return backend.Outcome{State: backend.StateFailed, Record: &rec, Err: j.out.err}, nil
	}
	rec := types.NewSuccessRecord(j.task, j.out.metrics, "fake-worker", 0)
	return backend.Outcome{State: backend.StateSucceeded, Record: &rec}, nil
}

func (f *fakeBackend) Cancel(ctx context.Context, h *backend.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	j, ok := f.jobs[h.ID]
	if !ok {
		return types.ErrUnknownHandle
	}
	j.cancelled = true
	f.release(j)
	return nil
}

func (f *fakeBackend) release(j *fakeJob) {
	if j.released {
		return
	}
	j.released = true
	f.inUse--
}

func (f *fakeBackend) stats() (inUse, peak int, submitted []types.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inUse, f.peak, append([]types.Task(nil), f.submitted...)
}

// alwaysOK scores each task by its window parameter.
func alwaysOK(task types.Task) outcome {
	return outcome{metrics: fullMetrics(task.Parameters.Float("window", 1) / 10)}
}

// recordingSink collects records in arrival order.
type recordingSink struct {
	mu      sync.Mutex
	records []types.ResultRecord
}

func (s *recordingSink) Record(rec types.ResultRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return true
}

func makeTasks(runID string, n int) []types.Task {
	tasks := make([]types.Task, n)
	for i := range tasks {
		tasks[i] = types.Task{
			ID:         types.NewTaskID(runID, i+1),
			RunID:      runID,
			StrategyID: "sma_cross",
			Parameters: types.Parameters{"window": float64(10 * (i + 1))},
			Timeframe:  "1h",
			Attempt:    1,
		}
	}
	return tasks
}
