package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/backtest-engine/pkg/types"
)

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry(nil)
	assert.Equal(t, []string{SMACrossName}, r.Builtins())

	err := r.RegisterBuiltin(SMACrossName, func(BarSource) Executable { return nil })
	assert.Error(t, err)

	assert.Error(t, r.RegisterBuiltin("", func(BarSource) Executable { return nil }))
	assert.Error(t, r.RegisterBuiltin("nil", nil))

	require.NoError(t, r.RegisterBuiltin("const", func(BarSource) Executable {
		return ExecutableFunc(func(ctx context.Context, in Input) (types.Metrics, error) {
			return fullMetrics(), nil
		})
	}))
	assert.Equal(t, []string{"const", SMACrossName}, r.Builtins())
}

func TestRegistryBuildVariants(t *testing.T) {
	r := NewRegistry(&staticBars{closes: []float64{1, 2, 3}})

	exe, err := r.Build(types.ExecutableSpec{Kind: types.ExecutableBuiltin, Builtin: SMACrossName})
	require.NoError(t, err)
	assert.IsType(t, &SMACross{}, exe)

	_, err = r.Build(types.ExecutableSpec{Kind: types.ExecutableBuiltin, Builtin: "nope"})
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	exe, err = r.Build(types.ExecutableSpec{Kind: types.ExecutableScript, Script: "function backtest(i) { return {}; }"})
	require.NoError(t, err)
	assert.IsType(t, &ScriptExecutable{}, exe)

	path := filepath.Join(t.TempDir(), "s.js")
	require.NoError(t, os.WriteFile(path, []byte("function backtest(i) { return {}; }"), 0o644))
	exe, err = r.Build(types.ExecutableSpec{Kind: types.ExecutableScript, ScriptFile: path})
	require.NoError(t, err)
	assert.IsType(t, &ScriptExecutable{}, exe)

	_, err = r.Build(types.ExecutableSpec{Kind: types.ExecutableScript, ScriptFile: "/missing.js"})
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	exe, err = r.Build(types.ExecutableSpec{Kind: types.ExecutableCommand, Command: []string{"true"}})
	require.NoError(t, err)
	assert.IsType(t, &CommandExecutable{}, exe)

	_, err = r.Build(types.ExecutableSpec{Kind: "grpc"})
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}
