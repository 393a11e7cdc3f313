package slave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yqhp/backtest-engine/internal/backend"
	"yqhp/backtest-engine/internal/executor"
	"yqhp/backtest-engine/pkg/logger"
	"yqhp/backtest-engine/pkg/types"
)

// State 是工作节点的运行状态。
type State string

const (
	StateOffline  State = "offline"
	StateOnline   State = "online"
	StateStopping State = "stopping"
)

// Config 保存工作节点的配置信息。
type Config struct {
	// ID 是此工作节点的唯一标识符，为空时自动生成。
	ID string

	// KeyPrefix 必须与 Master 的 Redis 前缀一致。
	KeyPrefix string

	// Concurrency 是同时执行的任务数。
	Concurrency int

	// PollTimeout 是 BRPOP 的阻塞时长。
	PollTimeout time.Duration

	// HeartbeatInterval 是心跳写入间隔。
	HeartbeatInterval time.Duration

	// CancelCheckInterval 是检查取消标记的间隔。
	CancelCheckInterval time.Duration

	// ResultTTL 是结果键的存活时间。
	ResultTTL time.Duration
}

// DefaultConfig 返回默认的工作节点配置。
func DefaultConfig() *Config {
	return &Config{
		KeyPrefix:           "backtest",
		Concurrency:         4,
		PollTimeout:         2 * time.Second,
		HeartbeatInterval:   5 * time.Second,
		CancelCheckInterval: 500 * time.Millisecond,
		ResultTTL:           time.Hour,
	}
}

// Stats is a point-in-time view of a worker.
type Stats struct {
	ID        string `json:"id"`
	State     State  `json:"state"`
	Active    int32  `json:"active"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
}

// WorkerSlave 从 Redis 队列消费任务并执行。
type WorkerSlave struct {
	config *Config
	client *redis.Client
	keys   backend.Keys
	runner executor.TaskRunner
	logger *zap.Logger

	state     atomic.Value // State
	active    atomic.Int32
	processed atomic.Int64
	failed    atomic.Int64

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWorkerSlave creates a worker. The client is owned by the caller.
func NewWorkerSlave(config *Config, client *redis.Client, runner executor.TaskRunner, log *zap.Logger) *WorkerSlave {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ID == "" {
		config.ID = "worker-" + uuid.NewString()[:8]
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	s := &WorkerSlave{
		config: config,
		client: client,
		keys:   backend.Keys{Prefix: config.KeyPrefix},
		runner: runner,
		logger: logger.OrDefault(log).Named("slave").With(zap.String("worker_id", config.ID)),
	}
	s.state.Store(StateOffline)
	return s
}

// ID returns the worker id.
func (s *WorkerSlave) ID() string {
	return s.config.ID
}

// Start 检查 Redis 连接并启动消费循环和心跳。
func (s *WorkerSlave) Start(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("连接 Redis 失败: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := s.heartbeat(ctx); err != nil {
		cancel()
		return err
	}

	s.wg.Add(1)
	go s.heartbeatLoop(runCtx)
	for i := 0; i < s.config.Concurrency; i++ {
		s.wg.Add(1)
		go s.consumeLoop(runCtx)
	}

	s.state.Store(StateOnline)
	s.logger.Info("worker started", zap.Int("concurrency", s.config.Concurrency))
	return nil
}

// Stop 停止消费，等待执行中的任务写回结果。
func (s *WorkerSlave) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.state.Store(StateStopping)
		if s.cancel != nil {
			s.cancel()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}

		if zerr := s.client.ZRem(context.Background(), s.keys.Workers(), s.config.ID).Err(); zerr != nil {
			s.logger.Warn("remove heartbeat failed", zap.Error(zerr))
		}
		s.state.Store(StateOffline)
		s.logger.Info("worker stopped", zap.Int64("processed", s.processed.Load()))
	})
	return err
}

// Stats returns the worker counters.
func (s *WorkerSlave) Stats() Stats {
	return Stats{
		ID:        s.config.ID,
		State:     s.state.Load().(State),
		Active:    s.active.Load(),
		Processed: s.processed.Load(),
		Failed:    s.failed.Load(),
	}
}

func (s *WorkerSlave) heartbeat(ctx context.Context) error {
	return s.client.ZAdd(ctx, s.keys.Workers(), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: s.config.ID,
	}).Err()
}

func (s *WorkerSlave) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.heartbeat(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (s *WorkerSlave) consumeLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		res, err := s.client.BRPop(ctx, s.config.PollTimeout, s.keys.Queue()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// res = [queue, payload]
		s.process(ctx, []byte(res[1]))
	}
}

// process runs one envelope and writes its result.
func (s *WorkerSlave) process(ctx context.Context, payload []byte) {
	env, err := backend.DecodeEnvelope(payload)
	if err != nil {
		s.logger.Error("drop malformed envelope", zap.Error(err))
		return
	}

	s.active.Add(1)
	defer s.active.Add(-1)

	log := s.logger.With(zap.String("task_id", env.Task.ID), zap.String("handle_id", env.HandleID))
	result := s.execute(ctx, env)
	if result.Error != "" {
		s.failed.Add(1)
		log.Debug("task failed", zap.String("error", result.Error))
	}
	s.processed.Add(1)

	data, err := backend.EncodeResult(result)
	if err != nil {
		log.Error("encode result failed", zap.Error(err))
		return
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Set(writeCtx, s.keys.Result(env.HandleID), data, s.config.ResultTTL).Err(); err != nil {
		log.Error("write result failed", zap.Error(err))
	}
}

func (s *WorkerSlave) execute(ctx context.Context, env *backend.Envelope) *backend.ResultEnvelope {
	res := &backend.ResultEnvelope{HandleID: env.HandleID}
	start := time.Now()

	if s.isCancelled(ctx, env.HandleID) {
		err := fmt.Errorf("%w: cancelled before start", types.ErrTaskCancelled)
		res.Record = types.NewFailureRecord(env.Task, types.TaskStatusFailed, err, s.config.ID, 0)
		res.Error = err.Error()
		res.Cancelled = true
		return res
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if env.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, env.Timeout)
		defer cancelTimeout()
	}

	var cancelled atomic.Bool
	go s.watchCancel(runCtx, env.HandleID, func() {
		cancelled.Store(true)
		cancelRun()
	})

	metrics, err := s.runner.Execute(runCtx, env.Task)
	elapsed := time.Since(start)
	if err == nil {
		res.Record = types.NewSuccessRecord(env.Task, metrics, s.config.ID, elapsed)
		return res
	}

	status := types.TaskStatusFailed
	switch {
	case cancelled.Load():
		res.Cancelled = true
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		status = types.TaskStatusTimedOut
	}
	res.Record = types.NewFailureRecord(env.Task, status, err, s.config.ID, elapsed)
	res.Error = err.Error()
	return res
}

func (s *WorkerSlave) isCancelled(ctx context.Context, handleID string) bool {
	n, err := s.client.Exists(ctx, s.keys.Cancel(handleID)).Result()
	return err == nil && n > 0
}

func (s *WorkerSlave) watchCancel(ctx context.Context, handleID string, onCancel func()) {
	ticker := time.NewTicker(s.config.CancelCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.isCancelled(ctx, handleID) {
				onCancel()
				return
			}
		}
	}
}
