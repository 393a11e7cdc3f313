package executor

import (
	"fmt"

	"yqhp/backtest-engine/pkg/types"
)

// ExecutionError 携带失败的可执行体类型和原因，始终可 errors.Is(err, types.ErrTaskExecution)。
type ExecutionError struct {
	Kind    types.ExecutableKind
	Message string
	Cause   error
}

// NewExecutionError creates an ExecutionError.
func NewExecutionError(kind types.ExecutableKind, message string, cause error) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: message, Cause: cause}
}

func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the cause.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is matches types.ErrTaskExecution.
func (e *ExecutionError) Is(target error) bool {
	return target == types.ErrTaskExecution
}
