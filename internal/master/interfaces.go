package master

import (
	"context"

	"yqhp/backtest-engine/internal/backend"
	"yqhp/backtest-engine/internal/executor"
	"yqhp/backtest-engine/pkg/types"
)

// Catalog is the read side of the strategy registry plus run expansion.
type Catalog interface {
	// Get returns a registered strategy.
	Get(strategyID string) (types.StrategySpec, error)

	// List returns all strategies sorted by id.
	List() []types.StrategySpec

	// Expand turns a run configuration into tasks, all-or-nothing.
	Expand(runID string, rc *types.RunConfig) ([]types.Task, error)
}

// ExecutableBuilder builds the executable variant of a strategy.
type ExecutableBuilder interface {
	Build(spec types.ExecutableSpec) (executor.Executable, error)
}

// ResultSink receives terminal records in completion order.
type ResultSink interface {
	// Record returns false when a record for the task already exists.
	Record(rec types.ResultRecord) bool
}

// Archiver persists terminal runs.
type Archiver interface {
	SaveRun(ctx context.Context, snapshot *types.RunSnapshot, report *types.Report) error
}

// WorkerLister is implemented by backends that front a remote fleet.
type WorkerLister interface {
	Workers(ctx context.Context) ([]backend.WorkerInfo, error)
}

// Master is the run controller API consumed by the REST layer and the CLI.
type Master interface {
	// Start expands the run configuration and starts distributing it.
	Start(ctx context.Context, rc types.RunConfig) (string, error)

	// Progress returns counts for a run.
	Progress(runID string) (types.Progress, error)

	// Cancel stops a run; in-flight tasks get a grace period.
	Cancel(runID string) error

	// Report returns the result view; ErrRunNotComplete unless partial or terminal.
	Report(runID string, partial bool) (*types.Report, error)

	// Rank ranks the successful results of a run at any time.
	Rank(runID, metric string, order types.SortOrder, limit int) ([]types.RankedResult, error)

	// Snapshot returns a serializable copy of the run state.
	Snapshot(runID string) (*types.RunSnapshot, error)

	// Wait blocks until the run is terminal or ctx is done.
	Wait(ctx context.Context, runID string) (types.RunStatus, error)

	// ListRuns returns the progress of every known run, newest last.
	ListRuns() []types.Progress

	// Strategies lists registered strategies.
	Strategies() []types.StrategySpec

	// Workers lists live remote workers; empty for in-process backends.
	Workers(ctx context.Context) ([]backend.WorkerInfo, error)
}
