package backend

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yqhp/backtest-engine/internal/executor"
	"yqhp/backtest-engine/pkg/logger"
	"yqhp/backtest-engine/pkg/types"
)

// LocalBackendName is the name of the in-process backend.
const LocalBackendName = "local"

// job is one submission to the local pool.
type job struct {
	task   types.Task
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	record types.ResultRecord
	err    error
}

// LocalBackend 是进程内有界工作池，工作者数量等于容量。
// 句柄直接持有 job 指针，后端不保存任何跨调用的任务状态。
type LocalBackend struct {
	runner   executor.TaskRunner
	capacity *Capacity
	logger   *zap.Logger

	jobs   chan *job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewLocalBackend starts capacity.Max() workers that execute tasks with runner.
func NewLocalBackend(runner executor.TaskRunner, capacity *Capacity, log *zap.Logger) *LocalBackend {
	ctx, cancel := context.WithCancel(context.Background())
	b := &LocalBackend{
		runner:   runner,
		capacity: capacity,
		logger:   logger.OrDefault(log).Named("local-backend"),
		jobs:     make(chan *job, capacity.Max()),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < capacity.Max(); i++ {
		b.wg.Add(1)
		go b.worker(fmt.Sprintf("local-%d", i))
	}
	return b
}

// Name implements Backend.
func (b *LocalBackend) Name() string {
	return LocalBackendName
}

// MaxConcurrency implements Backend.
func (b *LocalBackend) MaxConcurrency() int {
	return b.capacity.Max()
}

// Submit implements Backend.
func (b *LocalBackend) Submit(ctx context.Context, task types.Task) (*Handle, error) {
	if b.closed.Load() {
		return nil, types.ErrBackendClosed
	}
	if !b.capacity.TryAcquire() {
		return nil, types.ErrBackendSaturated
	}
	l := b.capacity.lease()

	jobCtx, cancel := context.WithCancel(b.ctx)
	j := &job{task: task, ctx: jobCtx, cancel: cancel, done: make(chan struct{})}

	select {
	case b.jobs <- j:
	default:
		cancel()
		l.release()
		return nil, types.ErrBackendSaturated
	}

	return &Handle{
		ID:       uuid.NewString(),
		TaskID:   task.ID,
		WorkerID: LocalBackendName,
		lease:    l,
		job:      j,
	}, nil
}

// Poll implements Backend.
func (b *LocalBackend) Poll(ctx context.Context, h *Handle) (Outcome, error) {
	if h == nil || h.job == nil {
		return Outcome{}, types.ErrUnknownHandle
	}
	select {
	case <-h.job.done:
		h.lease.release()
		rec := h.job.record
		if h.job.err != nil {
			return Outcome{State: StateFailed, Record: &rec, Err: h.job.err}, nil
		}
		return Outcome{State: StateSucceeded, Record: &rec}, nil
	default:
	}
	if b.closed.Load() {
		return Outcome{}, types.ErrBackendClosed
	}
	return Outcome{State: StatePending}, nil
}

// Cancel implements Backend.
func (b *LocalBackend) Cancel(ctx context.Context, h *Handle) error {
	if h == nil || h.job == nil {
		return types.ErrUnknownHandle
	}
	h.job.cancel()
	h.lease.release()
	return nil
}

// Close cancels running jobs and stops the workers.
func (b *LocalBackend) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.cancel()
		b.wg.Wait()
	})
	return nil
}

func (b *LocalBackend) worker(workerID string) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case j := <-b.jobs:
			b.execute(workerID, j)
		}
	}
}

func (b *LocalBackend) execute(workerID string, j *job) {
	start := time.Now()
	defer close(j.done)
	defer j.cancel()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("task panicked",
				zap.String("task_id", j.task.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			j.err = fmt.Errorf("%w: panic: %v", types.ErrTaskExecution, r)
			j.record = types.NewFailureRecord(j.task, types.TaskStatusFailed, j.err, workerID, time.Since(start))
		}
	}()

	if err := j.ctx.Err(); err != nil {
		j.err = fmt.Errorf("%w: %v", types.ErrTaskCancelled, err)
		j.record = types.NewFailureRecord(j.task, types.TaskStatusFailed, j.err, workerID, 0)
		return
	}

	metrics, err := b.runner.Execute(j.ctx, j.task)
	if err != nil {
		j.err = err
		j.record = types.NewFailureRecord(j.task, types.TaskStatusFailed, err, workerID, time.Since(start))
		return
	}
	j.record = types.NewSuccessRecord(j.task, metrics, workerID, time.Since(start))
}
