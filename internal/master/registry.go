package master

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"yqhp/backtest-engine/internal/executor"
	"yqhp/backtest-engine/pkg/types"
)

// Compile-time interface checks.
var _ Catalog = (*StrategyRegistry)(nil)
var _ executor.TaskRunner = (*StrategyRegistry)(nil)

// DefaultMaxTasksPerRun bounds the expansion of one run.
const DefaultMaxTasksPerRun = 1_000_000

type registeredStrategy struct {
	spec types.StrategySpec
	exe  executor.Executable
}

// StrategyRegistry maps strategy ids to their specs and executables.
// Entries are registered once and read-only afterwards.
type StrategyRegistry struct {
	builder    ExecutableBuilder
	strategies map[string]*registeredStrategy
	now        func() time.Time
	maxTasks   int

	mu sync.RWMutex
}

// NewStrategyRegistry creates a registry that builds executables with builder.
func NewStrategyRegistry(builder ExecutableBuilder) *StrategyRegistry {
	return &StrategyRegistry{
		builder:    builder,
		strategies: make(map[string]*registeredStrategy),
		now:        time.Now,
		maxTasks:   DefaultMaxTasksPerRun,
	}
}

// SetMaxTasks sets the largest task set Expand builds; n <= 0 restores the default.
// Call it before the registry is shared.
func (r *StrategyRegistry) SetMaxTasks(n int) {
	if n <= 0 {
		n = DefaultMaxTasksPerRun
	}
	r.maxTasks = n
}

// Register validates spec, builds its executable and stores it.
func (r *StrategyRegistry) Register(spec types.StrategySpec) error {
	spec = cloneSpec(spec)
	if err := spec.Validate(); err != nil {
		return err
	}
	if r.builder == nil {
		return fmt.Errorf("no executable builder configured for %s", spec.ID)
	}
	if r.exists(spec.ID) {
		return types.NewConfigError(types.ErrDuplicateStrategy, spec.ID, "strategy already registered")
	}
	exe, err := r.builder.Build(spec.Executable)
	if err != nil {
		return fmt.Errorf("build executable for %s: %w", spec.ID, err)
	}
	return r.store(spec, exe)
}

// RegisterExecutable stores spec with an in-process executable, ignoring spec.Executable.
func (r *StrategyRegistry) RegisterExecutable(spec types.StrategySpec, exe executor.Executable) error {
	if exe == nil {
		return fmt.Errorf("executable cannot be nil")
	}
	spec = cloneSpec(spec)
	if spec.Executable.Kind == "" {
		spec.Executable = types.ExecutableSpec{Kind: types.ExecutableBuiltin, Builtin: spec.ID}
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	return r.store(spec, exe)
}

func (r *StrategyRegistry) exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.strategies[id]
	return ok
}

func (r *StrategyRegistry) store(spec types.StrategySpec, exe executor.Executable) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[spec.ID]; exists {
		return types.NewConfigError(types.ErrDuplicateStrategy, spec.ID, "strategy already registered")
	}
	r.strategies[spec.ID] = &registeredStrategy{spec: spec, exe: exe}
	return nil
}

// Get returns a copy of the registered spec.
func (r *StrategyRegistry) Get(strategyID string) (types.StrategySpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[strategyID]
	if !ok {
		return types.StrategySpec{}, types.NewConfigError(types.ErrUnknownStrategy, strategyID, "strategy not registered")
	}
	return cloneSpec(s.spec), nil
}

// List returns all specs sorted by id.
func (r *StrategyRegistry) List() []types.StrategySpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.StrategySpec, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, cloneSpec(s.spec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve returns the executable of a strategy.
func (r *StrategyRegistry) Resolve(strategyID string) (executor.Executable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[strategyID]
	if !ok {
		return nil, types.NewConfigError(types.ErrUnknownStrategy, strategyID, "strategy not registered")
	}
	return s.exe, nil
}

// Execute runs a task and checks the metrics contract. Every returned error
// matches types.ErrTaskExecution.
func (r *StrategyRegistry) Execute(ctx context.Context, task types.Task) (types.Metrics, error) {
	exe, err := r.Resolve(task.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrTaskExecution, err)
	}
	metrics, err := exe.Run(ctx, executor.InputFromTask(task))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", types.ErrTaskExecution, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", types.ErrTaskExecution, err)
	}
	if err := executor.CheckMetrics(metrics); err != nil {
		return nil, err
	}
	return metrics, nil
}

func cloneSpec(s types.StrategySpec) types.StrategySpec {
	out := s
	out.Timeframes = append([]string(nil), s.Timeframes...)
	out.Parameters = make([]types.ParameterDomain, len(s.Parameters))
	for i, d := range s.Parameters {
		d.Values = append([]any(nil), d.Values...)
		out.Parameters[i] = d
	}
	out.Executable.Command = append([]string(nil), s.Executable.Command...)
	return out
}
