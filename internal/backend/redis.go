package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yqhp/backtest-engine/pkg/logger"
	"yqhp/backtest-engine/pkg/types"
)

// RedisBackendName is the name of the Redis-queue backend.
const RedisBackendName = "redis"

// RedisOptions configures a RedisBackend.
type RedisOptions struct {
	KeyPrefix string
	// ResultTTL bounds how long results and cancel flags live in Redis.
	ResultTTL time.Duration
	// TaskTimeout is forwarded to workers for tasks without their own timeout.
	TaskTimeout time.Duration
	// WorkerStaleAfter hides workers whose last heartbeat is older.
	WorkerStaleAfter time.Duration
}

func (o *RedisOptions) applyDefaults() {
	if o.KeyPrefix == "" {
		o.KeyPrefix = "backtest"
	}
	if o.ResultTTL <= 0 {
		o.ResultTTL = time.Hour
	}
	if o.WorkerStaleAfter <= 0 {
		o.WorkerStaleAfter = 15 * time.Second
	}
}

// WorkerInfo describes a live remote worker.
type WorkerInfo struct {
	ID       string    `json:"id"`
	LastSeen time.Time `json:"last_seen"`
}

// RedisBackend 把任务推入 Redis 列表，由远程工作节点 BRPOP 消费，
// 每个信封只会被一个工作节点取走。结果写回 result:<handle> 键。
type RedisBackend struct {
	client   *redis.Client
	keys     Keys
	opts     RedisOptions
	capacity *Capacity
	logger   *zap.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewRedisBackend creates a backend on an existing client. Close closes the client.
func NewRedisBackend(client *redis.Client, capacity *Capacity, opts RedisOptions, log *zap.Logger) *RedisBackend {
	opts.applyDefaults()
	return &RedisBackend{
		client:   client,
		keys:     Keys{Prefix: opts.KeyPrefix},
		opts:     opts,
		capacity: capacity,
		logger:   logger.OrDefault(log).Named("redis-backend"),
	}
}

// Name implements Backend.
func (b *RedisBackend) Name() string {
	return RedisBackendName
}

// MaxConcurrency implements Backend.
func (b *RedisBackend) MaxConcurrency() int {
	return b.capacity.Max()
}

// Submit implements Backend.
func (b *RedisBackend) Submit(ctx context.Context, task types.Task) (*Handle, error) {
	if b.closed.Load() {
		return nil, types.ErrBackendClosed
	}
	if !b.capacity.TryAcquire() {
		return nil, types.ErrBackendSaturated
	}
	l := b.capacity.lease()

	timeout := task.Timeout.Std()
	if timeout <= 0 {
		timeout = b.opts.TaskTimeout
	}
	env := &Envelope{
		HandleID:   uuid.NewString(),
		Task:       task,
		Timeout:    timeout,
		EnqueuedAt: time.Now(),
	}
	payload, err := EncodeEnvelope(env)
	if err != nil {
		l.release()
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.LPush(ctx, b.keys.Queue(), payload).Err(); err != nil {
		l.release()
		return nil, fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}

	return &Handle{
		ID:       env.HandleID,
		TaskID:   task.ID,
		WorkerID: RedisBackendName,
		lease:    l,
		wire:     payload,
	}, nil
}

// Poll implements Backend.
func (b *RedisBackend) Poll(ctx context.Context, h *Handle) (Outcome, error) {
	if h == nil || h.wire == nil {
		return Outcome{}, types.ErrUnknownHandle
	}
	if b.closed.Load() {
		return Outcome{}, types.ErrBackendClosed
	}

	key := b.keys.Result(h.ID)
	data, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Outcome{State: StatePending}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("poll %s: %w", h.ID, err)
	}

	res, err := DecodeResult(data)
	if err != nil {
		return Outcome{}, fmt.Errorf("decode result %s: %w", h.ID, err)
	}
	h.lease.release()
	if err := b.client.Del(ctx, key).Err(); err != nil {
		b.logger.Warn("delete result key failed", zap.String("key", key), zap.Error(err))
	}
	if res.Record.WorkerID != "" {
		h.WorkerID = res.Record.WorkerID
	}

	rec := res.Record
	if res.Error == "" {
		return Outcome{State: StateSucceeded, Record: &rec}, nil
	}
	var cause error
	switch {
	case res.Cancelled:
		cause = fmt.Errorf("%w: %s", types.ErrTaskCancelled, res.Error)
	case res.TimedOut:
		cause = fmt.Errorf("%w: %s", types.ErrTaskTimeout, res.Error)
	default:
		cause = fmt.Errorf("%w: %s", types.ErrTaskExecution, res.Error)
	}
	return Outcome{State: StateFailed, Record: &rec, Err: cause}, nil
}

// Cancel implements Backend. A queued envelope is removed; a running one is
// flagged so the worker interrupts it.
func (b *RedisBackend) Cancel(ctx context.Context, h *Handle) error {
	if h == nil || h.wire == nil {
		return types.ErrUnknownHandle
	}
	h.lease.release()

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.keys.Cancel(h.ID), "1", b.opts.ResultTTL)
	pipe.LRem(ctx, b.keys.Queue(), 1, h.wire)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel %s: %w", h.ID, err)
	}
	return nil
}

// QueueLength returns the number of envelopes waiting for a worker.
func (b *RedisBackend) QueueLength(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, b.keys.Queue()).Result()
}

// Workers lists workers with a recent heartbeat.
func (b *RedisBackend) Workers(ctx context.Context) ([]WorkerInfo, error) {
	since := time.Now().Add(-b.opts.WorkerStaleAfter).UnixMilli()
	zs, err := b.client.ZRangeByScoreWithScores(ctx, b.keys.Workers(), &redis.ZRangeBy{
		Min: strconv.FormatInt(since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	out := make([]WorkerInfo, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, WorkerInfo{ID: id, LastSeen: time.UnixMilli(int64(z.Score))})
	}
	return out, nil
}

// Close implements Backend.
func (b *RedisBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		err = b.client.Close()
	})
	return err
}
