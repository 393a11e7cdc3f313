package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"yqhp/backtest-engine/pkg/types"
)

// LoadRunConfig reads a run configuration from a YAML file.
func LoadRunConfig(path string) (*types.RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取运行配置失败: %w", err)
	}
	return ParseRunConfig(data)
}

// ParseRunConfig parses a YAML run configuration.
func ParseRunConfig(data []byte) (*types.RunConfig, error) {
	rc := &types.RunConfig{}
	if err := yaml.Unmarshal(data, rc); err != nil {
		return nil, types.NewConfigError(types.ErrInvalidConfig, "", "解析运行配置失败: %v", err)
	}
	return rc, nil
}

// ApplyRunDefaults fills unset run fields from the engine section.
func ApplyRunDefaults(rc *types.RunConfig, engine EngineConfig) {
	if rc.Sampling.Mode == "" {
		if len(rc.Assignments) > 0 {
			rc.Sampling.Mode = types.SamplingExplicit
		} else {
			rc.Sampling.Mode = types.SamplingGrid
		}
	}
	if rc.PerTaskTimeout <= 0 {
		rc.PerTaskTimeout = types.Duration(engine.DefaultTaskTimeout)
	}
	if rc.MaxConcurrency <= 0 {
		rc.MaxConcurrency = engine.DefaultMaxConcurrency
	}
	if rc.CancelGrace <= 0 {
		rc.CancelGrace = types.Duration(engine.CancelGrace)
	}
	if rc.RankBy != "" && rc.RankOrder == "" {
		rc.RankOrder = types.OrderDesc
	}
	if rc.WalkForward != nil {
		rc.WalkForward.ApplyDefaults()
	}
}

// ValidateRunConfig checks the structural fields of a run configuration.
// Strategy and parameter membership is checked by the registry on expansion.
func ValidateRunConfig(rc *types.RunConfig) error {
	if rc == nil {
		return types.NewConfigError(types.ErrInvalidConfig, "", "run config is required")
	}
	if len(rc.Strategies) == 0 {
		return types.NewConfigError(types.ErrInvalidConfig, "strategies", "at least one strategy is required")
	}
	switch rc.Sampling.Mode {
	case types.SamplingGrid, types.SamplingExplicit:
	case types.SamplingRandom:
		if rc.Sampling.Seed == nil {
			return types.NewConfigError(types.ErrNonReproducibleConfig, "sampling.seed", "random sampling requires an explicit seed")
		}
		if rc.Sampling.Count <= 0 {
			return types.NewConfigError(types.ErrInvalidConfig, "sampling.count", "random sampling requires a positive count")
		}
	default:
		return types.NewConfigError(types.ErrInvalidConfig, "sampling.mode", "unknown sampling mode %q", rc.Sampling.Mode)
	}
	if rc.Sampling.Mode == types.SamplingExplicit && len(rc.Assignments) == 0 {
		return types.NewConfigError(types.ErrInvalidConfig, "assignments", "explicit sampling requires assignments")
	}
	if rc.MaxRetries < 0 {
		return types.NewConfigError(types.ErrInvalidConfig, "max_retries", "must be non-negative")
	}
	if rc.PerTaskTimeout <= 0 {
		return types.NewConfigError(types.ErrInvalidConfig, "per_task_timeout", "must be positive")
	}
	if rc.MaxConcurrency <= 0 {
		return types.NewConfigError(types.ErrInvalidConfig, "max_concurrency", "must be positive")
	}
	if rc.RetryBackoff < 0 || rc.CancelGrace < 0 {
		return types.NewConfigError(types.ErrInvalidConfig, "retry_backoff", "durations must be non-negative")
	}
	if rc.RankOrder != "" && !rc.RankOrder.Valid() {
		return types.NewConfigError(types.ErrInvalidConfig, "rank_order", "must be asc or desc")
	}
	if rc.WalkForward != nil {
		if rc.DataRef == "" {
			return types.NewConfigError(types.ErrInvalidConfig, "data_reference", "walk_forward requires a data reference")
		}
		wf := *rc.WalkForward
		wf.ApplyDefaults()
		return wf.Validate()
	}
	return nil
}
