// Package executor 提供回测可执行体：一次 (参数, 周期, 数据) → 指标 的不透明调用。
//
// 三种变体按 types.ExecutableKind 区分：
//   - builtin: 以名称注册的 Go 实现，例如 sma_cross
//   - script:  在 goja 中运行的 JavaScript backtest(input) 函数
//   - command: 外部进程，从 stdin 读取 JSON 输入，向 stdout 输出 JSON 指标
package executor

import (
	"context"
	"fmt"
	"math"
	"sort"

	"yqhp/backtest-engine/pkg/types"
)

// Input is what an executable receives for one task.
type Input struct {
	StrategyID string           `json:"strategy_id"`
	Parameters types.Parameters `json:"parameters"`
	Timeframe  string           `json:"timeframe"`
	DataRef    string           `json:"data_reference,omitempty"`
}

// InputFromTask builds the executable input for a task.
func InputFromTask(task types.Task) Input {
	return Input{
		StrategyID: task.StrategyID,
		Parameters: task.Parameters.Clone(),
		Timeframe:  task.Timeframe,
		DataRef:    task.DataRef,
	}
}

// Executable runs one backtest. Implementations must be safe for concurrent use.
type Executable interface {
	Run(ctx context.Context, in Input) (types.Metrics, error)
}

// ExecutableFunc adapts a function to Executable.
type ExecutableFunc func(ctx context.Context, in Input) (types.Metrics, error)

// Run implements Executable.
func (f ExecutableFunc) Run(ctx context.Context, in Input) (types.Metrics, error) {
	return f(ctx, in)
}

// TaskRunner executes a task against the strategy catalog.
type TaskRunner interface {
	Execute(ctx context.Context, task types.Task) (types.Metrics, error)
}

// BarSource loads bar data referenced by a task.
type BarSource interface {
	LoadBars(ctx context.Context, dataRef, timeframe string) ([]types.Bar, error)
}

// CheckMetrics verifies that metrics carry every required, finite value.
func CheckMetrics(m types.Metrics) error {
	if m == nil {
		return fmt.Errorf("%w: executable returned no metrics", types.ErrTaskExecution)
	}
	var missing []string
	for _, name := range types.RequiredMetrics {
		if _, ok := m[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing metrics %v", types.ErrTaskExecution, missing)
	}
	for name, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: metric %s is not finite", types.ErrTaskExecution, name)
		}
	}
	return nil
}
