package types

import "time"

// SamplingMode selects how parameter assignments are produced.
type SamplingMode string

const (
	// SamplingGrid produces the full Cartesian product of the domains.
	SamplingGrid SamplingMode = "grid"
	// SamplingRandom draws Count assignments from a seeded generator.
	SamplingRandom SamplingMode = "random"
	// SamplingExplicit uses the assignments listed in the run config.
	SamplingExplicit SamplingMode = "explicit"
)

// Sampling is the sampling directive of a run.
type Sampling struct {
	Mode  SamplingMode `yaml:"mode" json:"mode"`
	Seed  *int64       `yaml:"seed,omitempty" json:"seed,omitempty"`
	Count int          `yaml:"count,omitempty" json:"count,omitempty"`
}

// SortOrder is the ranking direction.
type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// Valid reports whether the order is known.
func (o SortOrder) Valid() bool {
	return o == OrderAsc || o == OrderDesc
}

// RunConfig 是一次回测运行的完整配置。
type RunConfig struct {
	Name       string           `yaml:"name,omitempty" json:"name,omitempty"`
	Strategies []string         `yaml:"strategies" json:"strategies"`
	Sampling   Sampling         `yaml:"sampling" json:"sampling"`
	Parameters map[string][]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	// Assignments is used when Sampling.Mode is explicit.
	Assignments    []Parameters `yaml:"assignments,omitempty" json:"assignments,omitempty"`
	Timeframes     []string     `yaml:"timeframes,omitempty" json:"timeframes,omitempty"`
	DataRef        string       `yaml:"data_reference,omitempty" json:"data_reference,omitempty"`
	MaxRetries     int          `yaml:"max_retries" json:"max_retries"`
	PerTaskTimeout Duration     `yaml:"per_task_timeout" json:"per_task_timeout"`
	MaxConcurrency int          `yaml:"max_concurrency" json:"max_concurrency"`
	RetryBackoff   Duration     `yaml:"retry_backoff,omitempty" json:"retry_backoff,omitempty"`
	CancelGrace    Duration     `yaml:"cancel_grace,omitempty" json:"cancel_grace,omitempty"`
	RankBy         string       `yaml:"rank_by,omitempty" json:"rank_by,omitempty"`
	RankOrder      SortOrder    `yaml:"rank_order,omitempty" json:"rank_order,omitempty"`
	// WalkForward expands every assignment over rolling train/test windows of DataRef.
	WalkForward *WalkForward `yaml:"walk_forward,omitempty" json:"walk_forward,omitempty"`
}

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether the run has stopped.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusCancelled || s == RunStatusFailed
}

// Progress is a point-in-time count of a run's tasks. It may lag the
// coordinating loop by at most one poll cycle.
type Progress struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	Total     int       `json:"total"`
	Pending   int       `json:"pending"`
	InFlight  int       `json:"in_flight"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	TimedOut  int       `json:"timed_out"`
	Retries   int       `json:"retries"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Completed returns the number of tasks with a terminal record.
func (p Progress) Completed() int {
	return p.Succeeded + p.Failed + p.TimedOut
}

// InFlightEntry describes one assigned task.
type InFlightEntry struct {
	TaskID   string    `json:"task_id"`
	WorkerID string    `json:"worker_id"`
	Attempt  int       `json:"attempt"`
	Deadline time.Time `json:"deadline"`
}

// RunSnapshot is a serializable copy of a run's state.
type RunSnapshot struct {
	RunID      string          `json:"run_id"`
	Status     RunStatus       `json:"status"`
	Config     RunConfig       `json:"config"`
	Tasks      []Task          `json:"tasks"`
	Pending    []string        `json:"pending"`
	InFlight   []InFlightEntry `json:"in_flight"`
	Completed  []ResultRecord  `json:"completed"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Summary counts terminal records of a run.
type Summary struct {
	Total       int                `json:"total"`
	Succeeded   int                `json:"succeeded"`
	Failed      int                `json:"failed"`
	TimedOut    int                `json:"timed_out"`
	DurationP50 time.Duration      `json:"duration_p50"`
	DurationP95 time.Duration      `json:"duration_p95"`
	DurationMax time.Duration      `json:"duration_max"`
	MetricMeans map[string]float64 `json:"metric_means,omitempty"`
}

// RankedResult is one row of a ranking.
type RankedResult struct {
	Rank       int        `json:"rank"`
	TaskID     string     `json:"task_id"`
	StrategyID string     `json:"strategy_id"`
	Parameters Parameters `json:"parameters"`
	Timeframe  string     `json:"timeframe"`
	Window     int        `json:"window,omitempty"`
	Segment    Segment    `json:"segment,omitempty"`
	Metric     string     `json:"metric"`
	Value      float64    `json:"value"`
	Metrics    Metrics    `json:"metrics"`
}

// Report is the result view of a run.
type Report struct {
	RunID    string         `json:"run_id"`
	Status   RunStatus      `json:"status"`
	Partial  bool           `json:"partial"`
	Summary  Summary        `json:"summary"`
	RankBy   string         `json:"rank_by,omitempty"`
	Order    SortOrder      `json:"order,omitempty"`
	Rankings []RankedResult `json:"rankings"`
	Failures []ResultRecord `json:"failures,omitempty"`
	// WalkForward is set for walk-forward runs, most robust first.
	WalkForward []WalkForwardResult `json:"walk_forward,omitempty"`
}
