package master

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/backtest-engine/internal/backend"
	"yqhp/backtest-engine/pkg/logger"
	"yqhp/backtest-engine/pkg/types"
)

// maxBackoff caps the exponential retry delay.
const maxBackoff = time.Minute

// taskState is the lifecycle state of one task inside a run.
type taskState int

const (
	statePending taskState = iota
	stateAssigned
	stateSucceeded
	stateFailedRetryable
	stateFailedTerminal
)

var stateNames = map[taskState]string{
	statePending:         "pending",
	stateAssigned:        "assigned",
	stateSucceeded:       "succeeded",
	stateFailedRetryable: "failed_retryable",
	stateFailedTerminal:  "failed_terminal",
}

func (s taskState) String() string {
	return stateNames[s]
}

// taskEvent drives a task between states.
type taskEvent int

const (
	eventSubmit taskEvent = iota
	eventSucceed
	eventFail
	eventExhaust
	eventRequeue
	eventCancel
)

// transitions 任务状态转换表，未列出的转换均为非法。
var transitions = map[taskState]map[taskEvent]taskState{
	statePending: {
		eventSubmit:  stateAssigned,
		eventExhaust: stateFailedTerminal,
		eventCancel:  stateFailedTerminal,
	},
	stateAssigned: {
		eventSucceed: stateSucceeded,
		eventFail:    stateFailedRetryable,
		eventExhaust: stateFailedTerminal,
		eventCancel:  stateFailedTerminal,
	},
	stateFailedRetryable: {
		eventRequeue: statePending,
		eventCancel:  stateFailedTerminal,
	},
}

// transition returns the state reached from s on ev.
func transition(s taskState, ev taskEvent) (taskState, error) {
	next, ok := transitions[s][ev]
	if !ok {
		return s, fmt.Errorf("illegal task transition from %s on event %d", s, ev)
	}
	return next, nil
}

// retryable reports whether a failed attempt may be retried.
// Attempts are 1-based, so max_retries retries allow max_retries+1 attempts.
func retryable(attempt, maxRetries int) bool {
	return attempt <= maxRetries
}

// backoffFor returns the delay before attempt next is re-enqueued.
func backoffFor(base time.Duration, next int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 2; i < next; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// DistributorConfig holds the per-run scheduling policy.
type DistributorConfig struct {
	MaxRetries     int
	PerTaskTimeout time.Duration
	MaxConcurrency int
	RetryBackoff   time.Duration
	CancelGrace    time.Duration
	PollInterval   time.Duration
}

// DistributorConfigFromRun derives the scheduling policy of a run.
func DistributorConfigFromRun(rc *types.RunConfig, pollInterval time.Duration) DistributorConfig {
	return DistributorConfig{
		MaxRetries:     rc.MaxRetries,
		PerTaskTimeout: rc.PerTaskTimeout.Std(),
		MaxConcurrency: rc.MaxConcurrency,
		RetryBackoff:   rc.RetryBackoff.Std(),
		CancelGrace:    rc.CancelGrace.Std(),
		PollInterval:   pollInterval,
	}
}

// assignment is one in-flight task.
type assignment struct {
	task     types.Task
	handle   *backend.Handle
	deadline time.Time
}

// delayedTask is a retry waiting for its backoff to elapse.
type delayedTask struct {
	task    types.Task
	readyAt time.Time
}

// runView is the published, lock-protected copy of the loop state.
type runView struct {
	mu        sync.RWMutex
	pending   []string
	inFlight  []types.InFlightEntry
	completed []types.ResultRecord
}

// Distributor 是单次运行的调度循环：唯一修改 pending / in_flight / completed 的协程。
// 进度和快照在每个轮询周期结束时发布，读者看到的状态最多落后一个周期。
type Distributor struct {
	runID   string
	cfg     DistributorConfig
	backend backend.Backend
	sink    ResultSink
	logger  *zap.Logger
	now     func() time.Time

	// 以下字段仅由 Run 所在协程访问
	states     map[string]taskState
	pending    []types.Task
	delayed    []delayedTask
	inFlight   []*assignment
	completed  []types.ResultRecord
	counts     types.Progress
	cancelling bool

	progress atomic.Pointer[types.Progress]
	view     runView

	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
	status     atomic.Value // types.RunStatus
	failure    atomic.Value // string
	startedAt  time.Time
}

// NewDistributor creates the distributor of one run over tasks.
func NewDistributor(runID string, tasks []types.Task, cfg DistributorConfig, b backend.Backend, sink ResultSink, log *zap.Logger) *Distributor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	d := &Distributor{
		runID:    runID,
		cfg:      cfg,
		backend:  b,
		sink:     sink,
		logger:   logger.OrDefault(log).Named("distributor").With(zap.String("run_id", runID)),
		now:      time.Now,
		states:   make(map[string]taskState, len(tasks)),
		pending:  make([]types.Task, 0, len(tasks)),
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, t := range tasks {
		if t.Timeout <= 0 {
			t.Timeout = types.Duration(cfg.PerTaskTimeout)
		}
		d.states[t.ID] = statePending
		d.pending = append(d.pending, t)
	}
	d.startedAt = d.now()
	d.counts = types.Progress{
		RunID:     runID,
		Status:    types.RunStatusRunning,
		Total:     len(tasks),
		StartedAt: d.startedAt,
	}
	d.status.Store(types.RunStatusRunning)
	d.failure.Store("")
	d.publish()
	return d
}

// Run drives the run to a terminal status. It must be called exactly once.
// Cancelling ctx behaves like Cancel.
func (d *Distributor) Run(ctx context.Context) types.RunStatus {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if d.cancelRequested(ctx) {
			return d.finish(d.drain(ctx), nil)
		}
		if err := d.cycle(ctx); err != nil {
			return d.finish(types.RunStatusFailed, err)
		}
		d.publish()
		if len(d.pending) == 0 && len(d.delayed) == 0 && len(d.inFlight) == 0 {
			return d.finish(types.RunStatusCompleted, nil)
		}

		select {
		case <-ctx.Done():
		case <-d.cancelCh:
		case <-ticker.C:
		}
	}
}

// Cancel requests cooperative cancellation; safe to call repeatedly.
func (d *Distributor) Cancel() {
	d.cancelOnce.Do(func() { close(d.cancelCh) })
}

// Done is closed when Run returns.
func (d *Distributor) Done() <-chan struct{} {
	return d.done
}

// Status returns the current run status.
func (d *Distributor) Status() types.RunStatus {
	return d.status.Load().(types.RunStatus)
}

// Err returns the reason of a Failed run.
func (d *Distributor) Err() string {
	return d.failure.Load().(string)
}

// Progress returns the counts published at the end of the last cycle.
func (d *Distributor) Progress() types.Progress {
	return *d.progress.Load()
}

// Snapshot copies the published run state; Config and Tasks are left to the caller.
func (d *Distributor) Snapshot() *types.RunSnapshot {
	p := d.Progress()
	d.view.mu.RLock()
	defer d.view.mu.RUnlock()

	snap := &types.RunSnapshot{
		RunID:     d.runID,
		Status:    p.Status,
		Pending:   append([]string(nil), d.view.pending...),
		InFlight:  append([]types.InFlightEntry(nil), d.view.inFlight...),
		Completed: make([]types.ResultRecord, len(d.view.completed)),
		StartedAt: d.startedAt,
		Error:     d.Err(),
	}
	for i, rec := range d.view.completed {
		snap.Completed[i] = rec.Clone()
	}
	if p.Status.IsTerminal() {
		snap.FinishedAt = p.UpdatedAt
	}
	return snap
}

func (d *Distributor) cancelRequested(ctx context.Context) bool {
	select {
	case <-d.cancelCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// cycle runs one fill-then-poll pass. Only ErrBackendClosed aborts the run.
func (d *Distributor) cycle(ctx context.Context) error {
	d.promoteDelayed()
	if err := d.fill(ctx); err != nil {
		return err
	}
	return d.pollAll(ctx)
}

func (d *Distributor) promoteDelayed() {
	if len(d.delayed) == 0 {
		return
	}
	now := d.now()
	kept := d.delayed[:0]
	for _, dt := range d.delayed {
		if !now.Before(dt.readyAt) {
			d.pending = append(d.pending, dt.task)
			continue
		}
		kept = append(kept, dt)
	}
	d.delayed = kept
}

// fill submits pending tasks in FIFO order until the run or the backend is full.
func (d *Distributor) fill(ctx context.Context) error {
	for len(d.pending) > 0 && len(d.inFlight) < d.cfg.MaxConcurrency {
		// Submit 可能较慢，每次提交前重新检查取消
		if d.cancelRequested(ctx) {
			return nil
		}
		task := d.pending[0]
		h, err := d.backend.Submit(ctx, task)
		if errors.Is(err, types.ErrBackendSaturated) {
			return nil
		}
		if errors.Is(err, types.ErrBackendClosed) {
			return err
		}
		d.pending = d.pending[1:]
		d.move(task.ID, eventSubmit)

		if err != nil {
			d.logger.Warn("submit failed", zap.String("task_id", task.ID), zap.Error(err))
			d.handleFailure(task, types.TaskStatusFailed, fmt.Errorf("submit: %w", err), nil)
			continue
		}
		d.inFlight = append(d.inFlight, &assignment{
			task:     task,
			handle:   h,
			deadline: d.now().Add(d.cfg.PerTaskTimeout),
		})
	}
	return nil
}

// pollAll polls every in-flight handle once, in assignment order.
func (d *Distributor) pollAll(ctx context.Context) error {
	kept := d.inFlight[:0]
	var closedErr error
	for i, a := range d.inFlight {
		if closedErr != nil {
			kept = append(kept, d.inFlight[i:]...)
			break
		}
		out, err := d.backend.Poll(ctx, a.handle)
		if errors.Is(err, types.ErrBackendClosed) {
			closedErr = err
			kept = append(kept, a)
			continue
		}
		if err != nil {
			_ = d.backend.Cancel(ctx, a.handle)
			d.handleFailure(a.task, types.TaskStatusFailed, fmt.Errorf("poll: %w", err), nil)
			continue
		}

		switch out.State {
		case backend.StateSucceeded:
			d.move(a.task.ID, eventSucceed)
			d.complete(d.successRecord(a, out.Record))
		case backend.StateFailed:
			status := types.TaskStatusFailed
			if errors.Is(out.Err, types.ErrTaskTimeout) {
				status = types.TaskStatusTimedOut
			}
			d.handleFailure(a.task, status, out.Err, out.Record)
		default:
			if d.now().After(a.deadline) {
				_ = d.backend.Cancel(ctx, a.handle)
				d.handleFailure(a.task, types.TaskStatusTimedOut,
					fmt.Errorf("%w after %s", types.ErrTaskTimeout, d.cfg.PerTaskTimeout), nil)
				continue
			}
			kept = append(kept, a)
		}
	}
	d.inFlight = kept
	return closedErr
}

func (d *Distributor) successRecord(a *assignment, rec *types.ResultRecord) types.ResultRecord {
	var out types.ResultRecord
	if rec != nil {
		out = rec.Clone()
	}
	out.TaskID = a.task.ID
	out.Status = types.TaskStatusSuccess
	out.Attempt = a.task.Attempt
	out.Task = a.task
	if out.WorkerID == "" && a.handle != nil {
		out.WorkerID = a.handle.WorkerID
	}
	if out.CompletedAt.IsZero() {
		out.CompletedAt = d.now()
	}
	return out
}

// handleFailure classifies a failed attempt of an assigned task.
func (d *Distributor) handleFailure(task types.Task, status types.TaskStatus, cause error, rec *types.ResultRecord) {
	if !d.cancelling && retryable(task.Attempt, d.cfg.MaxRetries) {
		d.move(task.ID, eventFail)
		d.counts.Retries++
		next := task.NextAttempt()
		d.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", next.Attempt),
			zap.NamedError("cause", cause))
		d.move(task.ID, eventRequeue)
		if wait := backoffFor(d.cfg.RetryBackoff, next.Attempt); wait > 0 {
			d.delayed = append(d.delayed, delayedTask{task: next, readyAt: d.now().Add(wait)})
		} else {
			d.pending = append(d.pending, next)
		}
		return
	}

	d.move(task.ID, eventExhaust)
	final := types.NewFailureRecord(task, status, cause, "", 0)
	if rec != nil {
		final.WorkerID = rec.WorkerID
		final.Duration = rec.Duration
		if final.Error == "" {
			final.Error = rec.Error
		}
	}
	d.logger.Info("task failed",
		zap.String("task_id", task.ID),
		zap.String("status", string(status)),
		zap.Int("attempt", task.Attempt),
		zap.String("error", final.Error))
	d.complete(final)
}

// complete appends a terminal record and forwards it to the sink.
func (d *Distributor) complete(rec types.ResultRecord) {
	d.completed = append(d.completed, rec)
	switch rec.Status {
	case types.TaskStatusSuccess:
		d.counts.Succeeded++
	case types.TaskStatusTimedOut:
		d.counts.TimedOut++
	default:
		d.counts.Failed++
	}
	if d.sink != nil {
		d.sink.Record(rec)
	}
	d.view.mu.Lock()
	d.view.completed = append(d.view.completed, rec)
	d.view.mu.Unlock()
}

func (d *Distributor) move(taskID string, ev taskEvent) {
	next, err := transition(d.states[taskID], ev)
	if err != nil {
		d.logger.Error("task state", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	d.states[taskID] = next
}

// drain stops submission, cancels in-flight work and waits for the grace period.
func (d *Distributor) drain(ctx context.Context) types.RunStatus {
	d.cancelling = true
	bg := context.WithoutCancel(ctx)
	cancelled := fmt.Errorf("%w: run cancelled", types.ErrTaskCancelled)

	for _, dt := range d.delayed {
		d.pending = append(d.pending, dt.task)
	}
	d.delayed = nil
	for _, t := range d.pending {
		d.move(t.ID, eventCancel)
		d.complete(types.NewFailureRecord(t, types.TaskStatusFailed, cancelled, "", 0))
	}
	d.pending = nil

	for _, a := range d.inFlight {
		if err := d.backend.Cancel(bg, a.handle); err != nil {
			d.logger.Debug("cancel failed", zap.String("task_id", a.task.ID), zap.Error(err))
		}
	}
	d.publish()

	graceEnd := d.now().Add(d.cfg.CancelGrace)
	for len(d.inFlight) > 0 && d.now().Before(graceEnd) {
		if err := d.pollAll(bg); err != nil {
			break
		}
		d.publish()
		if len(d.inFlight) == 0 {
			break
		}
		time.Sleep(d.cfg.PollInterval)
	}

	for _, a := range d.inFlight {
		d.move(a.task.ID, eventCancel)
		d.complete(types.NewFailureRecord(a.task, types.TaskStatusFailed, cancelled, a.handle.WorkerID, 0))
	}
	d.inFlight = nil
	d.logger.Info("run cancelled", zap.Int("completed", len(d.completed)))
	return types.RunStatusCancelled
}

// finish records terminal state. On failure every unresolved task gets a terminal record.
func (d *Distributor) finish(status types.RunStatus, cause error) types.RunStatus {
	if cause != nil {
		d.failure.Store(cause.Error())
		d.logger.Error("run failed", zap.Error(cause))
		for _, dt := range d.delayed {
			d.pending = append(d.pending, dt.task)
		}
		d.delayed = nil
		for _, t := range d.pending {
			d.move(t.ID, eventExhaust)
			d.complete(types.NewFailureRecord(t, types.TaskStatusFailed, cause, "", 0))
		}
		d.pending = nil
		for _, a := range d.inFlight {
			d.move(a.task.ID, eventExhaust)
			d.complete(types.NewFailureRecord(a.task, types.TaskStatusFailed, cause, a.handle.WorkerID, 0))
		}
		d.inFlight = nil
	}
	d.status.Store(status)
	d.counts.Status = status
	d.publish()
	return status
}

// publish copies loop state into the read side.
func (d *Distributor) publish() {
	p := d.counts
	p.Pending = len(d.pending) + len(d.delayed)
	p.InFlight = len(d.inFlight)
	p.UpdatedAt = d.now()
	d.progress.Store(&p)

	pending := make([]string, 0, p.Pending)
	for _, t := range d.pending {
		pending = append(pending, t.ID)
	}
	for _, dt := range d.delayed {
		pending = append(pending, dt.task.ID)
	}
	inFlight := make([]types.InFlightEntry, 0, len(d.inFlight))
	for _, a := range d.inFlight {
		inFlight = append(inFlight, types.InFlightEntry{
			TaskID:   a.task.ID,
			WorkerID: a.handle.WorkerID,
			Attempt:  a.task.Attempt,
			Deadline: a.deadline,
		})
	}

	d.view.mu.Lock()
	d.view.pending = pending
	d.view.inFlight = inFlight
	d.view.mu.Unlock()
}
