// Package backend 提供任务执行后端：进程内有界工作池（LocalBackend）和
// 基于 Redis 队列的远程工作节点集群（RedisBackend）。
//
// 所有后端共享同一语义：每次 Submit 恰好投递给一个工作者（至少一次），
// 容量由显式传入的 Capacity 控制，超出容量时返回 types.ErrBackendSaturated，
// 调用方应稍后重试，不应计为任务失败。
package backend

import (
	"context"
	"sync"

	"yqhp/backtest-engine/pkg/types"
)

// State is the polled state of a submission.
type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Outcome is the result of polling a handle.
// Record is set for Succeeded and Failed; Err is set for Failed.
type Outcome struct {
	State  State
	Record *types.ResultRecord
	Err    error
}

// Handle identifies one submission. Handles stay pollable after Cancel.
type Handle struct {
	ID       string
	TaskID   string
	WorkerID string

	lease *lease
	job   *job
	wire  []byte
}

// Backend executes tasks.
type Backend interface {
	// Name identifies the backend in logs and snapshots.
	Name() string
	// Submit hands the task to exactly one worker. It fails with
	// types.ErrBackendSaturated when every slot is taken.
	Submit(ctx context.Context, task types.Task) (*Handle, error)
	// Poll never blocks on task execution.
	Poll(ctx context.Context, h *Handle) (Outcome, error)
	// Cancel is best-effort; the slot is released immediately.
	Cancel(ctx context.Context, h *Handle) error
	// MaxConcurrency is the fixed capacity of the backend.
	MaxConcurrency() int
	Close() error
}

// lease is one acquired capacity slot, released at most once.
type lease struct {
	once     sync.Once
	capacity *Capacity
}

func (c *Capacity) lease() *lease {
	return &lease{capacity: c}
}

func (l *lease) release() {
	if l == nil {
		return
	}
	l.once.Do(l.capacity.Release)
}
