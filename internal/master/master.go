package master

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yqhp/backtest-engine/internal/backend"
	"yqhp/backtest-engine/internal/config"
	"yqhp/backtest-engine/pkg/logger"
	"yqhp/backtest-engine/pkg/types"
)

// Compile-time interface check.
var _ Master = (*Engine)(nil)

// archiveTimeout bounds one archive write after a run turns terminal.
const archiveTimeout = 30 * time.Second

// Config holds the configuration of the engine controller.
type Config struct {
	// ID is the unique identifier of this engine instance.
	ID string

	// PollInterval is the distributor poll cycle.
	PollInterval time.Duration

	// MaxConcurrentRuns limits runs that are not yet terminal.
	MaxConcurrentRuns int

	// DefaultTaskTimeout applies when a run sets no per_task_timeout.
	DefaultTaskTimeout time.Duration

	// DefaultMaxConcurrency applies when a run sets no max_concurrency.
	DefaultMaxConcurrency int

	// CancelGrace applies when a run sets no cancel_grace.
	CancelGrace time.Duration

	// DefaultRankBy is the report metric when a run sets no rank_by.
	DefaultRankBy string
}

// DefaultConfig returns a default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		ID:                    uuid.New().String(),
		PollInterval:          50 * time.Millisecond,
		MaxConcurrentRuns:     8,
		DefaultTaskTimeout:    5 * time.Minute,
		DefaultMaxConcurrency: 4,
		CancelGrace:           10 * time.Second,
		DefaultRankBy:         types.MetricSharpe,
	}
}

// ConfigFromEngine builds the controller configuration from the engine config section.
func ConfigFromEngine(ec config.EngineConfig) *Config {
	cfg := DefaultConfig()
	if ec.PollInterval > 0 {
		cfg.PollInterval = ec.PollInterval
	}
	if ec.MaxConcurrentRuns > 0 {
		cfg.MaxConcurrentRuns = ec.MaxConcurrentRuns
	}
	if ec.DefaultTaskTimeout > 0 {
		cfg.DefaultTaskTimeout = ec.DefaultTaskTimeout
	}
	if ec.DefaultMaxConcurrency > 0 {
		cfg.DefaultMaxConcurrency = ec.DefaultMaxConcurrency
	}
	if ec.CancelGrace > 0 {
		cfg.CancelGrace = ec.CancelGrace
	}
	return cfg
}

func (c *Config) engineDefaults() config.EngineConfig {
	return config.EngineConfig{
		PollInterval:          c.PollInterval,
		MaxConcurrentRuns:     c.MaxConcurrentRuns,
		DefaultTaskTimeout:    c.DefaultTaskTimeout,
		DefaultMaxConcurrency: c.DefaultMaxConcurrency,
		CancelGrace:           c.CancelGrace,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithArchiver persists every run once it is terminal.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) {
		e.archiver = a
	}
}

// runInfo holds one run: its expanded tasks plus the distributor and aggregator pair.
type runInfo struct {
	id        string
	config    types.RunConfig
	tasks     []types.Task
	dist      *Distributor
	agg       *Aggregator
	createdAt time.Time
}

// Engine 是回测运行控制器：校验配置、展开任务、驱动调度循环并提供只读报告。
// 并发运行彼此独立，只共享后端容量。
type Engine struct {
	config   *Config
	catalog  Catalog
	backend  backend.Backend
	archiver Archiver
	logger   *zap.Logger

	runs   map[string]*runInfo
	order  []string
	active atomic.Int32
	mu     sync.RWMutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopped  atomic.Bool
	stopOnce sync.Once
}

// NewEngine creates a controller over a strategy catalog and a shared backend.
func NewEngine(cfg *Config, catalog Catalog, b backend.Backend, opts ...Option) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.DefaultRankBy == "" {
		cfg.DefaultRankBy = types.MetricSharpe
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:  cfg,
		catalog: catalog,
		backend: b,
		runs:    make(map[string]*runInfo),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logger.OrDefault(e.logger).Named("engine")
	return e
}

// Start validates rc, expands it and starts distributing the tasks.
// Configuration errors are returned before any task is submitted.
func (e *Engine) Start(ctx context.Context, rc types.RunConfig) (string, error) {
	if e.stopped.Load() {
		return "", types.ErrEngineStopped
	}

	config.ApplyRunDefaults(&rc, e.config.engineDefaults())
	if err := config.ValidateRunConfig(&rc); err != nil {
		return "", err
	}

	runID := uuid.NewString()
	tasks, err := e.catalog.Expand(runID, &rc)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	// Stop 可能在展开期间发生，持锁后再确认一次
	if e.stopped.Load() {
		e.mu.Unlock()
		return "", types.ErrEngineStopped
	}
	if e.config.MaxConcurrentRuns > 0 && int(e.active.Load()) >= e.config.MaxConcurrentRuns {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: limit %d", types.ErrTooManyRuns, e.config.MaxConcurrentRuns)
	}
	agg := NewAggregator(len(tasks))
	dist := NewDistributor(runID, tasks, DistributorConfigFromRun(&rc, e.config.PollInterval), e.backend, agg, e.logger)
	run := &runInfo{
		id:        runID,
		config:    rc,
		tasks:     tasks,
		dist:      dist,
		agg:       agg,
		createdAt: time.Now(),
	}
	e.runs[runID] = run
	e.order = append(e.order, runID)
	e.active.Add(1)
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Info("run started",
		zap.String("run_id", runID),
		zap.String("name", rc.Name),
		zap.Strings("strategies", rc.Strategies),
		zap.String("sampling", string(rc.Sampling.Mode)),
		zap.Int("tasks", len(tasks)))

	go e.execute(run)
	return runID, nil
}

func (e *Engine) execute(run *runInfo) {
	defer e.wg.Done()
	defer e.active.Add(-1)

	status := run.dist.Run(e.ctx)
	summary := run.agg.Summary()
	e.logger.Info("run finished",
		zap.String("run_id", run.id),
		zap.String("status", string(status)),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("timed_out", summary.TimedOut))

	if e.archiver == nil {
		return
	}
	snap := e.snapshotOf(run)
	report, err := e.reportOf(run, true)
	if err != nil {
		e.logger.Warn("build report for archive", zap.String("run_id", run.id), zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := e.archiver.SaveRun(ctx, snap, report); err != nil {
		e.logger.Error("archive run", zap.String("run_id", run.id), zap.Error(err))
	}
}

func (e *Engine) getRun(runID string) (*runInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	run, ok := e.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrRunNotFound, runID)
	}
	return run, nil
}

// Progress returns the last published progress of a run.
func (e *Engine) Progress(runID string) (types.Progress, error) {
	run, err := e.getRun(runID)
	if err != nil {
		return types.Progress{}, err
	}
	return run.dist.Progress(), nil
}

// Cancel requests cancellation of a run. Cancelling a terminal run is a no-op.
func (e *Engine) Cancel(runID string) error {
	run, err := e.getRun(runID)
	if err != nil {
		return err
	}
	if run.dist.Status().IsTerminal() {
		return nil
	}
	e.logger.Info("cancelling run", zap.String("run_id", runID))
	run.dist.Cancel()
	return nil
}

// Report returns the ranked comparison of a run.
func (e *Engine) Report(runID string, partial bool) (*types.Report, error) {
	run, err := e.getRun(runID)
	if err != nil {
		return nil, err
	}
	return e.reportOf(run, partial)
}

func (e *Engine) reportOf(run *runInfo, partial bool) (*types.Report, error) {
	status := run.dist.Status()
	if !status.IsTerminal() && !partial {
		return nil, fmt.Errorf("%w: %s is %s", types.ErrRunNotComplete, run.id, status)
	}

	rankBy, order := run.config.RankBy, run.config.RankOrder
	if rankBy == "" {
		rankBy = e.config.DefaultRankBy
	}
	if order == "" {
		order = types.OrderDesc
	}
	rankings, err := run.agg.Rank(rankBy, order)
	if err != nil {
		return nil, err
	}
	report := &types.Report{
		RunID:    run.id,
		Status:   status,
		Partial:  !status.IsTerminal(),
		Summary:  run.agg.Summary(),
		RankBy:   rankBy,
		Order:    order,
		Rankings: rankings,
		Failures: run.agg.Failures(),
	}
	if wf := run.config.WalkForward; wf != nil {
		report.WalkForward = run.agg.WalkForward(wf.Metric)
	}
	return report, nil
}

// Rank ranks the successful results of a run; limit <= 0 returns all.
func (e *Engine) Rank(runID, metric string, order types.SortOrder, limit int) ([]types.RankedResult, error) {
	run, err := e.getRun(runID)
	if err != nil {
		return nil, err
	}
	if order == "" {
		order = types.OrderDesc
	}
	return run.agg.Leaderboard(metric, order, limit)
}

// Snapshot returns a serializable copy of the run state without pausing the run.
func (e *Engine) Snapshot(runID string) (*types.RunSnapshot, error) {
	run, err := e.getRun(runID)
	if err != nil {
		return nil, err
	}
	return e.snapshotOf(run), nil
}

func (e *Engine) snapshotOf(run *runInfo) *types.RunSnapshot {
	snap := run.dist.Snapshot()
	snap.Config = run.config
	snap.Tasks = make([]types.Task, len(run.tasks))
	for i, t := range run.tasks {
		t.Parameters = t.Parameters.Clone()
		snap.Tasks[i] = t
	}
	return snap
}

// Wait blocks until the run is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, runID string) (types.RunStatus, error) {
	run, err := e.getRun(runID)
	if err != nil {
		return "", err
	}
	select {
	case <-run.dist.Done():
		return run.dist.Status(), nil
	case <-ctx.Done():
		return run.dist.Status(), ctx.Err()
	}
}

// ListRuns returns the progress of every run in start order.
func (e *Engine) ListRuns() []types.Progress {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]types.Progress, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.runs[id].dist.Progress())
	}
	return out
}

// Strategies lists the registered strategies.
func (e *Engine) Strategies() []types.StrategySpec {
	return e.catalog.List()
}

// Workers lists remote workers when the backend fronts a fleet.
func (e *Engine) Workers(ctx context.Context) ([]backend.WorkerInfo, error) {
	lister, ok := e.backend.(WorkerLister)
	if !ok {
		return []backend.WorkerInfo{}, nil
	}
	return lister.Workers(ctx)
}

// ActiveRuns returns the number of runs that are not yet terminal.
func (e *Engine) ActiveRuns() int {
	return int(e.active.Load())
}

// BackendName returns the name of the shared backend.
func (e *Engine) BackendName() string {
	return e.backend.Name()
}

// Stop cancels every active run and waits for them to drain or ctx to expire.
// The backend is owned by the caller and is not closed.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		e.mu.RLock()
		for _, run := range e.runs {
			run.dist.Cancel()
		}
		e.mu.RUnlock()
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		return ctx.Err()
	}
}
