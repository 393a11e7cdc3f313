package executor

import (
	"fmt"

	"yqhp/backtest-engine/pkg/types"
)

// toMetrics converts a decoded result object into metrics. A nested "metrics"
// object takes precedence; non-numeric fields are ignored. An object whose
// status is "failed" or "error" becomes an error.
func toMetrics(kind types.ExecutableKind, v any) (types.Metrics, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, NewExecutionError(kind, fmt.Sprintf("result must be an object, got %T", v), nil)
	}
	if status, ok := obj["status"].(string); ok && (status == "failed" || status == "error") {
		msg, _ := obj["error"].(string)
		if msg == "" {
			msg = "executable reported failure"
		}
		return nil, NewExecutionError(kind, msg, nil)
	}
	if nested, ok := obj["metrics"].(map[string]any); ok {
		obj = nested
	}
	out := make(types.Metrics, len(obj))
	for name, raw := range obj {
		if f, ok := toFloat(raw); ok {
			out[name] = f
		}
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
