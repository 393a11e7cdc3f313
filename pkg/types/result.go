package types

import "time"

// TaskStatus is the terminal status of one task attempt.
type TaskStatus string

const (
	// TaskStatusSuccess indicates the executable returned metrics.
	TaskStatusSuccess TaskStatus = "success"
	// TaskStatusFailed indicates the executable or the backend failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusTimedOut indicates the attempt exceeded its deadline.
	TaskStatusTimedOut TaskStatus = "timed_out"
)

// Well-known metric names every executable reports.
const (
	MetricPnL         = "pnl"
	MetricSharpe      = "sharpe"
	MetricMaxDrawdown = "max_drawdown"
	MetricTradeCount  = "trade_count"
	MetricWinRate     = "win_rate"
	MetricTotalReturn = "total_return"
)

// RequiredMetrics must be present in every successful result.
var RequiredMetrics = []string{MetricPnL, MetricSharpe, MetricMaxDrawdown, MetricTradeCount, MetricWinRate}

// Metrics maps metric names to values.
type Metrics map[string]float64

// Clone returns a copy of the metrics.
func (m Metrics) Clone() Metrics {
	if m == nil {
		return nil
	}
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ResultRecord 是一次任务尝试的终态结果。Metrics 仅在 Success 时存在。
type ResultRecord struct {
	TaskID      string        `json:"task_id"`
	Status      TaskStatus    `json:"status"`
	Metrics     Metrics       `json:"metrics,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	WorkerID    string        `json:"worker_id,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
	Attempt     int           `json:"attempt"`
	Task        Task          `json:"task"`
}

// IsSuccess reports whether the record is a successful result.
func (r *ResultRecord) IsSuccess() bool {
	return r.Status == TaskStatusSuccess
}

// Metric returns the named metric of a successful record.
func (r *ResultRecord) Metric(name string) (float64, bool) {
	if !r.IsSuccess() || r.Metrics == nil {
		return 0, false
	}
	v, ok := r.Metrics[name]
	return v, ok
}

// Clone returns a deep copy of the record.
func (r ResultRecord) Clone() ResultRecord {
	out := r
	out.Metrics = r.Metrics.Clone()
	out.Task.Parameters = r.Task.Parameters.Clone()
	return out
}

// NewSuccessRecord builds a success record for the task.
func NewSuccessRecord(task Task, metrics Metrics, workerID string, duration time.Duration) ResultRecord {
	return ResultRecord{
		TaskID:      task.ID,
		Status:      TaskStatusSuccess,
		Metrics:     metrics,
		Duration:    duration,
		WorkerID:    workerID,
		CompletedAt: time.Now(),
		Attempt:     task.Attempt,
		Task:        task,
	}
}

// NewFailureRecord builds a failed or timed_out record for the task.
func NewFailureRecord(task Task, status TaskStatus, err error, workerID string, duration time.Duration) ResultRecord {
	rec := ResultRecord{
		TaskID:      task.ID,
		Status:      status,
		Duration:    duration,
		WorkerID:    workerID,
		CompletedAt: time.Now(),
		Attempt:     task.Attempt,
		Task:        task,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}
