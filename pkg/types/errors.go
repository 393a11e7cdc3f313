package types

import (
	"errors"
	"fmt"
)

// Configuration errors. They are raised before any task is produced.
var (
	ErrDuplicateStrategy     = errors.New("duplicate strategy")
	ErrUnknownStrategy       = errors.New("unknown strategy")
	ErrInvalidParameter      = errors.New("invalid parameter")
	ErrNonReproducibleConfig = errors.New("non-reproducible config: random sampling requires a seed")
	ErrInvalidConfig         = errors.New("invalid run config")
)

// Execution errors.
var (
	// ErrBackendSaturated means "try later"; it never counts as a task failure.
	ErrBackendSaturated = errors.New("backend saturated")
	ErrBackendClosed    = errors.New("backend closed")
	ErrTaskExecution    = errors.New("task execution failed")
	ErrTaskTimeout      = errors.New("task timed out")
	ErrTaskCancelled    = errors.New("task cancelled")
	ErrUnknownHandle    = errors.New("unknown handle")
)

// Run lifecycle errors.
var (
	ErrRunNotFound    = errors.New("run not found")
	ErrRunNotComplete = errors.New("run not complete")
	ErrTooManyRuns    = errors.New("too many concurrent runs")
	ErrEngineStopped  = errors.New("engine stopped")
)

// ConfigError 描述配置中具体出错的字段。
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

// NewConfigError creates a ConfigError wrapping one of the configuration sentinels.
func NewConfigError(err error, field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...), Err: err}
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", e.Err, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is one of the configuration errors.
func IsConfigError(err error) bool {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, ErrDuplicateStrategy) ||
		errors.Is(err, ErrUnknownStrategy) ||
		errors.Is(err, ErrInvalidParameter) ||
		errors.Is(err, ErrNonReproducibleConfig) ||
		errors.Is(err, ErrInvalidConfig)
}
