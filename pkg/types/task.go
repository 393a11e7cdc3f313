package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Parameters 是一次回测使用的参数赋值，值只允许 float64、string、bool。
type Parameters map[string]any

// Clone returns a shallow copy; values are scalars so this is a full copy.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Key returns a canonical string for the assignment, stable across map order.
func (p Parameters) Key() string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(FormatValue(p[name]))
	}
	return b.String()
}

// Float returns the named parameter as a float64.
func (p Parameters) Float(name string, def float64) float64 {
	v, ok := p[name]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return def
		}
		return f
	}
	return def
}

// Task is one (strategy, parameters, timeframe) evaluation.
// A Task is never mutated after creation; retries derive a new value via NextAttempt.
type Task struct {
	ID         string     `json:"task_id"`
	RunID      string     `json:"run_id"`
	StrategyID string     `json:"strategy_id"`
	Parameters Parameters `json:"parameters"`
	Timeframe  string     `json:"timeframe"`
	DataRef    string     `json:"data_reference,omitempty"`
	Attempt    int        `json:"attempt"`
	CreatedAt  time.Time  `json:"created_at"`
	// Timeout bounds one attempt on the worker; zero leaves it to the backend.
	Timeout Duration `json:"timeout,omitempty"`
	// Window and Segment locate a walk-forward task; zero outside walk-forward runs.
	Window  int     `json:"window,omitempty"`
	Segment Segment `json:"segment,omitempty"`
}

// NewTaskID formats the id of the seq-th task of a run. Lexical order equals generation order.
func NewTaskID(runID string, seq int) string {
	return fmt.Sprintf("%s-%06d", runID, seq)
}

// NextAttempt 返回一个 attempt+1 的新任务，原任务保持不变。
func (t Task) NextAttempt() Task {
	next := t
	next.Parameters = t.Parameters.Clone()
	next.Attempt = t.Attempt + 1
	return next
}

// String implements fmt.Stringer.
func (t Task) String() string {
	return fmt.Sprintf("%s[%s %s {%s} #%d]", t.ID, t.StrategyID, t.Timeframe, t.Parameters.Key(), t.Attempt)
}

// NormalizeValue converts a decoded parameter value into its canonical form.
// Every number becomes float64 so YAML and JSON inputs compare equal.
func NormalizeValue(v any) (any, error) {
	switch n := v.(type) {
	case float64, string, bool:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case nil:
		return nil, fmt.Errorf("parameter value cannot be null")
	default:
		return nil, fmt.Errorf("unsupported parameter value type %T", v)
	}
}

// FormatValue renders a canonical parameter value.
func FormatValue(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	case string:
		return strconv.Quote(n)
	case bool:
		return strconv.FormatBool(n)
	default:
		return fmt.Sprint(v)
	}
}

// ParseTimeframe parses bar sizes such as "15m", "4h", "1d" or "1w".
func ParseTimeframe(tf string) (time.Duration, error) {
	tf = strings.TrimSpace(strings.ToLower(tf))
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	var unit time.Duration
	switch tf[len(tf)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid timeframe unit in %q", tf)
	}
	return time.Duration(n) * unit, nil
}
