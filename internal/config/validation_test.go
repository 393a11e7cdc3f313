package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/backtest-engine/pkg/types"
)

func TestValidateDefaultConfig(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestValidateConfigFields(t *testing.T) {
	tests := []struct {
		name       string
		modify     func(*Config)
		errorField string
	}{
		{
			name:       "empty address",
			modify:     func(c *Config) { c.Server.Address = "" },
			errorField: "server.address",
		},
		{
			name:       "invalid address format",
			modify:     func(c *Config) { c.Server.Address = "invalid" },
			errorField: "server.address",
		},
		{
			name:       "zero poll interval",
			modify:     func(c *Config) { c.Engine.PollInterval = 0 },
			errorField: "engine.poll_interval",
		},
		{
			name:       "zero task limit",
			modify:     func(c *Config) { c.Engine.MaxTasksPerRun = 0 },
			errorField: "engine.max_tasks_per_run",
		},
		{
			name:       "unknown backend",
			modify:     func(c *Config) { c.Backend.Type = "k8s" },
			errorField: "backend.type",
		},
		{
			name:       "zero backend capacity",
			modify:     func(c *Config) { c.Backend.MaxConcurrency = 0 },
			errorField: "backend.max_concurrency",
		},
		{
			name: "redis backend without addr",
			modify: func(c *Config) {
				c.Backend.Type = "redis"
				c.Redis.Addr = ""
			},
			errorField: "redis.addr",
		},
		{
			name:       "bad log level",
			modify:     func(c *Config) { c.Logging.Level = "verbose" },
			errorField: "logging.level",
		},
		{
			name: "file output without path",
			modify: func(c *Config) {
				c.Logging.Output = "file"
			},
			errorField: "logging.file_path",
		},
		{
			name: "duplicate strategy",
			modify: func(c *Config) {
				s := types.StrategySpec{
					ID:         "sma",
					Timeframes: []string{"1d"},
					Executable: types.ExecutableSpec{Kind: types.ExecutableBuiltin, Builtin: "sma_cross"},
				}
				c.Strategies = []types.StrategySpec{s, s}
			},
			errorField: "strategies[1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var verrs ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.Contains(t, verrs.Fields(), tt.errorField)
		})
	}
}

func TestValidationErrorsMessage(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Message: "first"},
		{Field: "b", Message: "second"},
	}
	assert.True(t, errs.HasErrors())
	assert.Contains(t, errs.Error(), "a: first")
	assert.Contains(t, errs.Error(), "b: second")
	assert.Equal(t, "", ValidationErrors{}.Error())
}

func TestIsValidAddress(t *testing.T) {
	assert.True(t, isValidAddress(":8080"))
	assert.True(t, isValidAddress("localhost:6379"))
	assert.True(t, isValidAddress("127.0.0.1:6379"))
	assert.False(t, isValidAddress("localhost"))
	assert.False(t, isValidAddress(":"))
	assert.False(t, isValidAddress("-bad-:80"))
}
