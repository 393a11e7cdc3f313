package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"yqhp/backtest-engine/pkg/types"
)

// scriptEntryPoint is the function a strategy script must define.
const scriptEntryPoint = "backtest"

// ScriptExecutable 在 goja 中运行 JavaScript 策略。
// 脚本需定义 function backtest(input)，返回指标对象；可调用 loadBars() 读取行情。
// 编译后的 Program 在各次运行间共享，每次运行使用独立的 Runtime。
type ScriptExecutable struct {
	name    string
	program *goja.Program
	bars    BarSource
}

// NewScriptExecutable compiles a strategy script.
func NewScriptExecutable(name, source string, bars BarSource) (*ScriptExecutable, error) {
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, types.NewConfigError(types.ErrInvalidConfig, name, "compile script: %v", err)
	}
	return &ScriptExecutable{name: name, program: program, bars: bars}, nil
}

// Run implements Executable.
func (e *ScriptExecutable) Run(ctx context.Context, in Input) (types.Metrics, error) {
	vm := goja.New()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	if err := vm.Set("loadBars", func() ([]map[string]any, error) {
		return e.loadBars(ctx, in)
	}); err != nil {
		return nil, NewExecutionError(types.ExecutableScript, "setup runtime", err)
	}

	if _, err := vm.RunProgram(e.program); err != nil {
		return nil, e.wrapErr(ctx, "run script", err)
	}
	fn, ok := goja.AssertFunction(vm.Get(scriptEntryPoint))
	if !ok {
		return nil, NewExecutionError(types.ExecutableScript, fmt.Sprintf("script %s does not define %s(input)", e.name, scriptEntryPoint), nil)
	}

	input := map[string]any{
		"strategy_id":    in.StrategyID,
		"parameters":     map[string]any(in.Parameters),
		"timeframe":      in.Timeframe,
		"data_reference": in.DataRef,
	}
	res, err := fn(goja.Undefined(), vm.ToValue(input))
	if err != nil {
		return nil, e.wrapErr(ctx, scriptEntryPoint, err)
	}
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return nil, NewExecutionError(types.ExecutableScript, scriptEntryPoint+" returned nothing", nil)
	}
	return toMetrics(types.ExecutableScript, res.Export())
}

func (e *ScriptExecutable) loadBars(ctx context.Context, in Input) ([]map[string]any, error) {
	if e.bars == nil {
		return nil, errors.New("no bar source configured")
	}
	bars, err := e.bars.LoadBars(ctx, in.DataRef, in.Timeframe)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(bars))
	for i, b := range bars {
		out[i] = map[string]any{
			"time":   b.Time.UnixMilli(),
			"open":   b.Open,
			"high":   b.High,
			"low":    b.Low,
			"close":  b.Close,
			"volume": b.Volume,
		}
	}
	return out, nil
}

func (e *ScriptExecutable) wrapErr(ctx context.Context, stage string, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) && ctx.Err() != nil {
		return NewExecutionError(types.ExecutableScript, stage+" interrupted", ctx.Err())
	}
	return NewExecutionError(types.ExecutableScript, stage, err)
}
