package types

import (
	"math"

	"github.com/duke-git/lancet/v2/slice"
)

const domainEpsilon = 1e-9

// ParameterDomain is the set of legal values of one strategy parameter.
// A domain is either enumerated (Values) or ranged (Min/Max with optional Step).
type ParameterDomain struct {
	Name    string   `yaml:"name" json:"name"`
	Values  []any    `yaml:"values,omitempty" json:"values,omitempty"`
	Min     *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max     *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Step    float64  `yaml:"step,omitempty" json:"step,omitempty"`
	Integer bool     `yaml:"integer,omitempty" json:"integer,omitempty"`
	Default any      `yaml:"default,omitempty" json:"default,omitempty"`
}

// IsRanged reports whether the domain is ranged.
func (d *ParameterDomain) IsRanged() bool {
	return d.Min != nil || d.Max != nil
}

// IsDiscrete reports whether the domain can be enumerated.
func (d *ParameterDomain) IsDiscrete() bool {
	return !d.IsRanged() || d.Step > 0 || d.Integer
}

// step returns the effective step of a ranged domain.
func (d *ParameterDomain) step() float64 {
	if d.Step > 0 {
		return d.Step
	}
	if d.Integer {
		return 1
	}
	return 0
}

// Validate 规范化取值并检查定义是否合法。
func (d *ParameterDomain) Validate() error {
	if d.Name == "" {
		return NewConfigError(ErrInvalidParameter, "name", "parameter name is required")
	}
	if d.IsRanged() && len(d.Values) > 0 {
		return NewConfigError(ErrInvalidParameter, d.Name, "domain cannot be both ranged and enumerated")
	}
	if !d.IsRanged() {
		if len(d.Values) == 0 {
			return NewConfigError(ErrInvalidParameter, d.Name, "domain has no values")
		}
		for i, v := range d.Values {
			nv, err := NormalizeValue(v)
			if err != nil {
				return NewConfigError(ErrInvalidParameter, d.Name, "%v", err)
			}
			d.Values[i] = nv
		}
	} else {
		if d.Min == nil || d.Max == nil {
			return NewConfigError(ErrInvalidParameter, d.Name, "ranged domain needs both min and max")
		}
		if *d.Min > *d.Max {
			return NewConfigError(ErrInvalidParameter, d.Name, "min %v is greater than max %v", *d.Min, *d.Max)
		}
		if d.Step < 0 {
			return NewConfigError(ErrInvalidParameter, d.Name, "step must not be negative")
		}
	}
	if d.Default != nil {
		nv, err := NormalizeValue(d.Default)
		if err != nil {
			return NewConfigError(ErrInvalidParameter, d.Name, "default: %v", err)
		}
		if !d.Contains(nv) {
			return NewConfigError(ErrInvalidParameter, d.Name, "default %s outside domain", FormatValue(nv))
		}
		d.Default = nv
	}
	return nil
}

// Contains reports whether v lies in the domain.
func (d *ParameterDomain) Contains(v any) bool {
	nv, err := NormalizeValue(v)
	if err != nil {
		return false
	}
	if !d.IsRanged() {
		return slice.Contain(d.Values, nv)
	}
	f, ok := nv.(float64)
	if !ok || d.Min == nil || d.Max == nil {
		return false
	}
	if f < *d.Min-domainEpsilon || f > *d.Max+domainEpsilon {
		return false
	}
	if d.Integer && math.Abs(f-math.Round(f)) > domainEpsilon {
		return false
	}
	if d.Step > 0 {
		k := (f - *d.Min) / d.Step
		if math.Abs(k-math.Round(k)) > domainEpsilon {
			return false
		}
	}
	return true
}

// MaxDomainSize caps Size for ranges too wide to index exactly.
const MaxDomainSize = 1 << 53

// Size returns the number of values of a discrete domain without listing them,
// and 0 for a continuous range.
func (d *ParameterDomain) Size() int {
	if !d.IsRanged() {
		return len(d.Values)
	}
	step := d.step()
	if step <= 0 || d.Min == nil || d.Max == nil {
		return 0
	}
	lo, hi := d.low(), *d.Max+domainEpsilon
	if lo > hi {
		return 0
	}
	f := math.Floor((hi-lo)/step) + 1
	if f >= MaxDomainSize {
		return MaxDomainSize
	}
	n := int(f)
	// 浮点除法可能差一，按 At 的取值规则校正
	if n > 0 && lo+float64(n-1)*step > hi {
		n--
	} else if lo+float64(n)*step <= hi && lo+float64(n)*step > lo+float64(n-1)*step {
		n++
	}
	return n
}

// At returns the i-th value of a discrete domain, 0 <= i < Size().
func (d *ParameterDomain) At(i int) any {
	if !d.IsRanged() {
		return d.Values[i]
	}
	v := d.low() + float64(i)*d.step()
	if d.Integer {
		v = math.Round(v)
	}
	return v
}

func (d *ParameterDomain) low() float64 {
	if d.Integer {
		return math.Ceil(*d.Min - domainEpsilon)
	}
	return *d.Min
}

// Enumerate lists the domain values in declared (or ascending) order.
func (d *ParameterDomain) Enumerate() ([]any, error) {
	if !d.IsRanged() {
		out := make([]any, len(d.Values))
		copy(out, d.Values)
		return out, nil
	}
	if d.step() <= 0 {
		return nil, NewConfigError(ErrInvalidParameter, d.Name, "continuous range cannot be enumerated, set step")
	}
	n := d.Size()
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, d.At(i))
	}
	return out, nil
}

// ExecutableKind selects the variant of an executable definition.
type ExecutableKind string

const (
	// ExecutableBuiltin runs a Go implementation registered under a name.
	ExecutableBuiltin ExecutableKind = "builtin"
	// ExecutableScript runs a JavaScript function in an embedded runtime.
	ExecutableScript ExecutableKind = "script"
	// ExecutableCommand runs an external process that prints JSON metrics.
	ExecutableCommand ExecutableKind = "command"
)

// ExecutableSpec 描述策略的可执行体。按 Kind 选择其中的字段。
type ExecutableSpec struct {
	Kind       ExecutableKind    `yaml:"kind" json:"kind"`
	Builtin    string            `yaml:"builtin,omitempty" json:"builtin,omitempty"`
	Script     string            `yaml:"script,omitempty" json:"script,omitempty"`
	ScriptFile string            `yaml:"script_file,omitempty" json:"script_file,omitempty"`
	Command    []string          `yaml:"command,omitempty" json:"command,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	// Metrics maps metric names to JSONPath expressions over the command output.
	Metrics map[string]string `yaml:"metrics,omitempty" json:"metrics,omitempty"`
}

// StrategySpec is a registered strategy: its parameter space, its valid
// timeframes and how to run it.
type StrategySpec struct {
	ID          string            `yaml:"id" json:"strategy_id"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Parameters  []ParameterDomain `yaml:"parameters" json:"parameters"`
	Timeframes  []string          `yaml:"timeframes" json:"timeframes"`
	Executable  ExecutableSpec    `yaml:"executable" json:"executable"`
}

// Domain returns the named parameter domain.
func (s *StrategySpec) Domain(name string) (*ParameterDomain, bool) {
	for i := range s.Parameters {
		if s.Parameters[i].Name == name {
			return &s.Parameters[i], true
		}
	}
	return nil, false
}

// SupportsTimeframe reports whether tf is one of the strategy's valid timeframes.
func (s *StrategySpec) SupportsTimeframe(tf string) bool {
	return slice.Contain(s.Timeframes, tf)
}

// Validate normalizes domain values in place and checks the definition.
func (s *StrategySpec) Validate() error {
	if s.ID == "" {
		return NewConfigError(ErrInvalidConfig, "strategy_id", "strategy id is required")
	}
	if len(s.Timeframes) == 0 {
		return NewConfigError(ErrInvalidConfig, s.ID, "at least one timeframe is required")
	}
	for _, tf := range s.Timeframes {
		if _, err := ParseTimeframe(tf); err != nil {
			return NewConfigError(ErrInvalidConfig, s.ID, "%v", err)
		}
	}
	if len(slice.Unique(s.Timeframes)) != len(s.Timeframes) {
		return NewConfigError(ErrInvalidConfig, s.ID, "duplicate timeframe")
	}
	seen := make(map[string]struct{}, len(s.Parameters))
	for i := range s.Parameters {
		d := &s.Parameters[i]
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := seen[d.Name]; dup {
			return NewConfigError(ErrInvalidParameter, d.Name, "parameter declared twice in %s", s.ID)
		}
		seen[d.Name] = struct{}{}
	}
	switch s.Executable.Kind {
	case ExecutableBuiltin:
		if s.Executable.Builtin == "" {
			return NewConfigError(ErrInvalidConfig, s.ID, "builtin executable needs a name")
		}
	case ExecutableScript:
		if s.Executable.Script == "" && s.Executable.ScriptFile == "" {
			return NewConfigError(ErrInvalidConfig, s.ID, "script executable needs script or script_file")
		}
	case ExecutableCommand:
		if len(s.Executable.Command) == 0 {
			return NewConfigError(ErrInvalidConfig, s.ID, "command executable needs a command")
		}
	default:
		return NewConfigError(ErrInvalidConfig, s.ID, "unknown executable kind %q", s.Executable.Kind)
	}
	return nil
}
