package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/backtest-engine/pkg/types"
)

func TestLocalBackend_SubmitAndPoll(t *testing.T) {
	c := NewCapacity(2)
	b := NewLocalBackend(okRunner(), c, zap.NewNop())
	defer b.Close()

	assert.Equal(t, LocalBackendName, b.Name())
	assert.Equal(t, 2, b.MaxConcurrency())

	h, err := b.Submit(context.Background(), testTask("t1"))
	require.NoError(t, err)
	assert.Equal(t, "t1", h.TaskID)
	assert.NotEmpty(t, h.ID)

	out := pollUntilDone(t, b, h)
	assert.Equal(t, StateSucceeded, out.State)
	require.NotNil(t, out.Record)
	assert.Equal(t, types.TaskStatusSuccess, out.Record.Status)
	assert.Equal(t, "t1", out.Record.TaskID)
	assert.Contains(t, out.Record.WorkerID, "local-")
	assert.Equal(t, 1.1, out.Record.Metrics[types.MetricSharpe])
	assert.Equal(t, 0, c.InUse())

	// 重复轮询返回相同结果，且不会重复释放容量
	again, err := b.Poll(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, again.State)
	assert.Equal(t, 0, c.InUse())
}

func TestLocalBackend_Saturation(t *testing.T) {
	runner := newBlockingRunner()
	c := NewCapacity(2)
	b := NewLocalBackend(runner, c, zap.NewNop())
	defer b.Close()

	h1, err := b.Submit(context.Background(), testTask("t1"))
	require.NoError(t, err)
	h2, err := b.Submit(context.Background(), testTask("t2"))
	require.NoError(t, err)

	_, err = b.Submit(context.Background(), testTask("t3"))
	assert.ErrorIs(t, err, types.ErrBackendSaturated)
	assert.Equal(t, 2, c.InUse())

	close(runner.release)
	assert.Equal(t, StateSucceeded, pollUntilDone(t, b, h1).State)
	assert.Equal(t, StateSucceeded, pollUntilDone(t, b, h2).State)
	assert.Equal(t, 0, c.InUse())
	assert.Equal(t, 2, c.Peak())

	h3, err := b.Submit(context.Background(), testTask("t3"))
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, pollUntilDone(t, b, h3).State)
}

func TestLocalBackend_RunnerError(t *testing.T) {
	b := NewLocalBackend(runnerFunc(func(ctx context.Context, task types.Task) (types.Metrics, error) {
		return nil, types.ErrTaskExecution
	}), NewCapacity(1), zap.NewNop())
	defer b.Close()

	h, err := b.Submit(context.Background(), testTask("t1"))
	require.NoError(t, err)
	out := pollUntilDone(t, b, h)
	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, out.Err, types.ErrTaskExecution)
	require.NotNil(t, out.Record)
	assert.Equal(t, types.TaskStatusFailed, out.Record.Status)
	assert.NotEmpty(t, out.Record.Error)
}

func TestLocalBackend_PanicRecovered(t *testing.T) {
	b := NewLocalBackend(runnerFunc(func(ctx context.Context, task types.Task) (types.Metrics, error) {
		panic("index out of range")
	}), NewCapacity(1), zap.NewNop())
	defer b.Close()

	h, err := b.Submit(context.Background(), testTask("t1"))
	require.NoError(t, err)
	out := pollUntilDone(t, b, h)
	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, out.Err, types.ErrTaskExecution)
	assert.Contains(t, out.Err.Error(), "index out of range")

	// 工作协程在 panic 后仍然可用
	h2, err := b.Submit(context.Background(), testTask("t2"))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, pollUntilDone(t, b, h2).State)
}

func TestLocalBackend_Cancel(t *testing.T) {
	runner := newBlockingRunner()
	c := NewCapacity(1)
	b := NewLocalBackend(runner, c, zap.NewNop())
	defer b.Close()

	h, err := b.Submit(context.Background(), testTask("t1"))
	require.NoError(t, err)
	<-runner.started

	require.NoError(t, b.Cancel(context.Background(), h))
	assert.Equal(t, 0, c.InUse(), "cancel frees the slot immediately")

	out := pollUntilDone(t, b, h)
	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 0, c.InUse())

	assert.ErrorIs(t, b.Cancel(context.Background(), nil), types.ErrUnknownHandle)
	_, err = b.Poll(context.Background(), &Handle{ID: "x"})
	assert.ErrorIs(t, err, types.ErrUnknownHandle)
}

func TestLocalBackend_Close(t *testing.T) {
	runner := newBlockingRunner()
	b := NewLocalBackend(runner, NewCapacity(1), zap.NewNop())

	h, err := b.Submit(context.Background(), testTask("t1"))
	require.NoError(t, err)
	<-runner.started

	done := make(chan struct{})
	go func() {
		_ = b.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return")
	}
	require.NoError(t, b.Close())

	_, err = b.Submit(context.Background(), testTask("t2"))
	assert.ErrorIs(t, err, types.ErrBackendClosed)

	// 关闭前已结束的任务仍可取回结果
	out, err := b.Poll(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
}

func TestLocalBackend_SharedCapacity(t *testing.T) {
	runner := newBlockingRunner()
	c := NewCapacity(2)
	a := NewLocalBackend(runner, c, zap.NewNop())
	defer a.Close()
	b := NewLocalBackend(runner, c, zap.NewNop())
	defer b.Close()

	_, err := a.Submit(context.Background(), testTask("t1"))
	require.NoError(t, err)
	_, err = b.Submit(context.Background(), testTask("t2"))
	require.NoError(t, err)
	_, err = a.Submit(context.Background(), testTask("t3"))
	assert.ErrorIs(t, err, types.ErrBackendSaturated)
	_, err = b.Submit(context.Background(), testTask("t3"))
	assert.ErrorIs(t, err, types.ErrBackendSaturated)

	close(runner.release)
}
