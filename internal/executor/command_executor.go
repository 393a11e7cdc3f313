package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"yqhp/backtest-engine/pkg/types"
)

const (
	maxStderrTail    = 512
	processWaitDelay = time.Second
)

// CommandExecutable 以外部进程运行策略：输入以 JSON 写入 stdin，
// 进程向 stdout 输出 JSON，指标按 JSONPath 提取（未配置时取顶层数值字段）。
type CommandExecutable struct {
	command []string
	env     map[string]string
	paths   map[string]jp.Expr
}

// NewCommandExecutable validates the command and compiles metric paths.
func NewCommandExecutable(spec types.ExecutableSpec) (*CommandExecutable, error) {
	if len(spec.Command) == 0 {
		return nil, types.NewConfigError(types.ErrInvalidConfig, "command", "command is required")
	}
	paths := make(map[string]jp.Expr, len(spec.Metrics))
	for name, expr := range spec.Metrics {
		x, err := jp.ParseString(expr)
		if err != nil {
			return nil, types.NewConfigError(types.ErrInvalidConfig, "metrics."+name, "invalid JSONPath %q: %v", expr, err)
		}
		paths[name] = x
	}
	return &CommandExecutable{command: spec.Command, env: spec.Env, paths: paths}, nil
}

// Run implements Executable.
func (e *CommandExecutable) Run(ctx context.Context, in Input) (types.Metrics, error) {
	payload, err := sonic.Marshal(in)
	if err != nil {
		return nil, NewExecutionError(types.ExecutableCommand, "encode input", err)
	}

	cmd := exec.CommandContext(ctx, e.command[0], e.command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = e.environ(in)
	cmd.WaitDelay = processWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, NewExecutionError(types.ExecutableCommand, "process interrupted", ctx.Err())
		}
		return nil, NewExecutionError(types.ExecutableCommand, "process failed: "+tail(stderr.String()), err)
	}

	data, err := oj.Parse(stdout.Bytes())
	if err != nil {
		return nil, NewExecutionError(types.ExecutableCommand, "parse output", err)
	}
	if len(e.paths) == 0 {
		return toMetrics(types.ExecutableCommand, data)
	}

	if _, err := toMetrics(types.ExecutableCommand, data); err != nil {
		return nil, err
	}
	metrics := make(types.Metrics, len(e.paths))
	for name, expr := range e.paths {
		found := expr.Get(data)
		if len(found) == 0 {
			return nil, NewExecutionError(types.ExecutableCommand, fmt.Sprintf("metric %s not found at %s", name, expr.String()), nil)
		}
		f, ok := toFloat(found[0])
		if !ok {
			return nil, NewExecutionError(types.ExecutableCommand, fmt.Sprintf("metric %s is not a number", name), nil)
		}
		metrics[name] = f
	}
	return metrics, nil
}

func (e *CommandExecutable) environ(in Input) []string {
	env := os.Environ()
	env = append(env,
		"BT_STRATEGY_ID="+in.StrategyID,
		"BT_TIMEFRAME="+in.Timeframe,
		"BT_DATA_REFERENCE="+in.DataRef,
	)
	names := make([]string, 0, len(in.Parameters))
	for name := range in.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := in.Parameters[name]
		s, ok := v.(string)
		if !ok {
			s = types.FormatValue(v)
		}
		env = append(env, "BT_PARAM_"+strings.ToUpper(name)+"="+s)
	}
	for k, v := range e.env {
		env = append(env, k+"="+v)
	}
	return env
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrTail {
		return "..." + s[len(s)-maxStderrTail:]
	}
	return s
}
