package executor

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"yqhp/backtest-engine/pkg/types"
)

// BuiltinFactory builds a builtin executable bound to a bar source.
type BuiltinFactory func(bars BarSource) Executable

// Registry 管理内置可执行体，并按 ExecutableSpec 构建三种变体。
type Registry struct {
	bars     BarSource
	builtins map[string]BuiltinFactory
	mu       sync.RWMutex
}

// NewRegistry creates a registry with the builtin strategies registered.
func NewRegistry(bars BarSource) *Registry {
	r := &Registry{
		bars:     bars,
		builtins: make(map[string]BuiltinFactory),
	}
	r.MustRegisterBuiltin(SMACrossName, func(bars BarSource) Executable { return NewSMACross(bars) })
	return r
}

// RegisterBuiltin 注册一个内置可执行体；名称重复时返回错误。
func (r *Registry) RegisterBuiltin(name string, factory BuiltinFactory) error {
	if name == "" {
		return fmt.Errorf("内置可执行体名称不能为空")
	}
	if factory == nil {
		return fmt.Errorf("内置可执行体 %s 的工厂不能为空", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.builtins[name]; exists {
		return fmt.Errorf("内置可执行体已注册: %s", name)
	}
	r.builtins[name] = factory
	return nil
}

// MustRegisterBuiltin 注册内置可执行体，出错则 panic。
func (r *Registry) MustRegisterBuiltin(name string, factory BuiltinFactory) {
	if err := r.RegisterBuiltin(name, factory); err != nil {
		panic(err)
	}
}

// Builtins lists the registered builtin names.
func (r *Registry) Builtins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builtins))
	for name := range r.builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build creates the executable described by spec.
func (r *Registry) Build(spec types.ExecutableSpec) (Executable, error) {
	switch spec.Kind {
	case types.ExecutableBuiltin:
		r.mu.RLock()
		factory, ok := r.builtins[spec.Builtin]
		r.mu.RUnlock()
		if !ok {
			return nil, types.NewConfigError(types.ErrInvalidConfig, "executable.builtin", "unknown builtin %q", spec.Builtin)
		}
		return factory(r.bars), nil

	case types.ExecutableScript:
		source, name := spec.Script, "inline.js"
		if source == "" {
			data, err := os.ReadFile(spec.ScriptFile)
			if err != nil {
				return nil, types.NewConfigError(types.ErrInvalidConfig, "executable.script_file", "read script: %v", err)
			}
			source, name = string(data), spec.ScriptFile
		}
		return NewScriptExecutable(name, source, r.bars)

	case types.ExecutableCommand:
		return NewCommandExecutable(spec)

	default:
		return nil, types.NewConfigError(types.ErrInvalidConfig, "executable.kind", "unknown executable kind %q", spec.Kind)
	}
}
