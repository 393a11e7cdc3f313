package slave

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/backtest-engine/internal/backend"
	"yqhp/backtest-engine/pkg/types"
)

type runnerFunc func(ctx context.Context, task types.Task) (types.Metrics, error)

func (f runnerFunc) Execute(ctx context.Context, task types.Task) (types.Metrics, error) {
	return f(ctx, task)
}

func fullMetrics() types.Metrics {
	return types.Metrics{
		types.MetricPnL:         5,
		types.MetricSharpe:      0.7,
		types.MetricMaxDrawdown: -0.05,
		types.MetricTradeCount:  2,
		types.MetricWinRate:     0.5,
	}
}

func testTask(id string) types.Task {
	return types.Task{ID: id, RunID: "run", StrategyID: "sma_cross", Parameters: types.Parameters{"window": 10.0}, Timeframe: "1h", Attempt: 1}
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.ID = "worker-test"
	cfg.KeyPrefix = "bt"
	cfg.Concurrency = 2
	cfg.PollTimeout = 100 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.CancelCheckInterval = 5 * time.Millisecond
	return cfg
}

type fixture struct {
	mr      *miniredis.Miniredis
	backend *backend.RedisBackend
	slave   *WorkerSlave
}

func setup(t *testing.T, runner runnerFunc, taskTimeout time.Duration) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)

	masterClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := backend.NewRedisBackend(masterClient, backend.NewCapacity(4), backend.RedisOptions{
		KeyPrefix:   "bt",
		TaskTimeout: taskTimeout,
	}, zap.NewNop())

	workerClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewWorkerSlave(testConfig(), workerClient, runner, zap.NewNop())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		_ = workerClient.Close()
		_ = b.Close()
	})
	return &fixture{mr: mr, backend: b, slave: s}
}

func (f *fixture) pollUntilDone(t *testing.T, h *backend.Handle) backend.Outcome {
	t.Helper()
	var out backend.Outcome
	require.Eventually(t, func() bool {
		var err error
		out, err = f.backend.Poll(context.Background(), h)
		require.NoError(t, err)
		return out.State != backend.StatePending
	}, 5*time.Second, 5*time.Millisecond)
	return out
}

func TestWorkerSlave_ExecutesQueuedTasks(t *testing.T) {
	f := setup(t, func(ctx context.Context, task types.Task) (types.Metrics, error) {
		return fullMetrics(), nil
	}, time.Minute)
	require.NoError(t, f.slave.Start(context.Background()))
	assert.Equal(t, StateOnline, f.slave.Stats().State)

	h, err := f.backend.Submit(context.Background(), testTask("t1"))
	require.NoError(t, err)

	out := f.pollUntilDone(t, h)
	assert.Equal(t, backend.StateSucceeded, out.State)
	require.NotNil(t, out.Record)
	assert.Equal(t, "worker-test", out.Record.WorkerID)
	assert.Equal(t, "t1", out.Record.TaskID)
	assert.Equal(t, 0.7, out.Record.Metrics[types.MetricSharpe])

	require.Eventually(t, func() bool {
		return f.slave.Stats().Processed == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, int64(0), f.slave.Stats().Failed)
}

func TestWorkerSlave_Heartbeat(t *testing.T) {
	f := setup(t, func(ctx context.Context, task types.Task) (types.Metrics, error) {
		return fullMetrics(), nil
	}, time.Minute)
	require.NoError(t, f.slave.Start(context.Background()))

	workers, err := f.backend.Workers(context.Background())
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "worker-test", workers[0].ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.slave.Stop(ctx))
	assert.Equal(t, StateOffline, f.slave.Stats().State)

	workers, err = f.backend.Workers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestWorkerSlave_ExecutionError(t *testing.T) {
	f := setup(t, func(ctx context.Context, task types.Task) (types.Metrics, error) {
		return nil, errors.New("no bars for BTCUSDT")
	}, time.Minute)
	require.NoError(t, f.slave.Start(context.Background()))

	h, err := f.backend.Submit(context.Background(), testTask("t1"))
	require.NoError(t, err)

	out := f.pollUntilDone(t, h)
	assert.Equal(t, backend.StateFailed, out.State)
	assert.ErrorIs(t, out.Err, types.ErrTaskExecution)
	assert.Contains(t, out.Err.Error(), "no bars for BTCUSDT")
	require.Eventually(t, func() bool {
		return f.slave.Stats().Failed == 1
	}, time.Second, time.Millisecond)
}

func TestWorkerSlave_TaskTimeout(t *testing.T) {
	f := setup(t, func(ctx context.Context, task types.Task) (types.Metrics, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 30*time.Millisecond)
	require.NoError(t, f.slave.Start(context.Background()))

	h, err := f.backend.Submit(context.Background(), testTask("t1"))
	require.NoError(t, err)

	out := f.pollUntilDone(t, h)
	assert.Equal(t, backend.StateFailed, out.State)
	assert.ErrorIs(t, out.Err, types.ErrTaskTimeout)
	assert.Equal(t, types.TaskStatusTimedOut, out.Record.Status)
}

func TestWorkerSlave_PerTaskTimeout(t *testing.T) {
	// backend 默认一分钟，任务自带 30ms，worker 按任务的超时中止
	f := setup(t, func(ctx context.Context, task types.Task) (types.Metrics, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, time.Minute)
	require.NoError(t, f.slave.Start(context.Background()))

	task := testTask("t1")
	task.Timeout = types.Duration(30 * time.Millisecond)
	h, err := f.backend.Submit(context.Background(), task)
	require.NoError(t, err)

	out := f.pollUntilDone(t, h)
	assert.Equal(t, backend.StateFailed, out.State)
	assert.ErrorIs(t, out.Err, types.ErrTaskTimeout)
	assert.Equal(t, types.TaskStatusTimedOut, out.Record.Status)
}

func TestWorkerSlave_CancelRunningTask(t *testing.T) {
	started := make(chan struct{})
	f := setup(t, func(ctx context.Context, task types.Task) (types.Metrics, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, time.Minute)
	require.NoError(t, f.slave.Start(context.Background()))

	h, err := f.backend.Submit(context.Background(), testTask("t1"))
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}
	require.NoError(t, f.backend.Cancel(context.Background(), h))

	out := f.pollUntilDone(t, h)
	assert.Equal(t, backend.StateFailed, out.State)
	assert.ErrorIs(t, out.Err, types.ErrTaskCancelled)
}

func TestWorkerSlave_SkipsCancelledEnvelope(t *testing.T) {
	called := false
	f := setup(t, func(ctx context.Context, task types.Task) (types.Metrics, error) {
		called = true
		return fullMetrics(), nil
	}, time.Minute)
	keys := backend.Keys{Prefix: "bt"}

	env := &backend.Envelope{HandleID: "h1", Task: testTask("t1"), EnqueuedAt: time.Now()}
	payload, err := backend.EncodeEnvelope(env)
	require.NoError(t, err)
	f.mr.Set(keys.Cancel("h1"), "1")

	f.slave.process(context.Background(), payload)
	assert.False(t, called)

	data, err := f.mr.Get(keys.Result("h1"))
	require.NoError(t, err)
	res, err := backend.DecodeResult([]byte(data))
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, types.TaskStatusFailed, res.Record.Status)

	// 无法解析的信封被丢弃
	f.slave.process(context.Background(), []byte("not json"))
	assert.Equal(t, int64(1), f.slave.Stats().Processed)
}

func TestWorkerSlave_StartFailsWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	s := NewWorkerSlave(nil, client, runnerFunc(func(ctx context.Context, task types.Task) (types.Metrics, error) {
		return nil, nil
	}), zap.NewNop())

	assert.Error(t, s.Start(context.Background()))
	assert.Equal(t, StateOffline, s.Stats().State)
	assert.NotEmpty(t, s.ID())
}
