package master

import (
	"fmt"
	"math"
	"math/rand"

	"yqhp/backtest-engine/pkg/types"
)

// maxDrawFactor bounds the number of random draws per requested sample.
const maxDrawFactor = 100

// Expand turns rc into the concrete task set of a run. Grid expansion is the
// ordered Cartesian product (strategy, timeframe, then parameters in declared
// order with the last varying fastest); random expansion is reproducible from
// the seed. Any invalid strategy, timeframe or value fails before a task is built.
func (r *StrategyRegistry) Expand(runID string, rc *types.RunConfig) ([]types.Task, error) {
	if rc == nil {
		return nil, types.NewConfigError(types.ErrInvalidConfig, "", "run config is required")
	}
	if len(rc.Strategies) == 0 {
		return nil, types.NewConfigError(types.ErrInvalidConfig, "strategies", "at least one strategy is required")
	}

	mode := rc.Sampling.Mode
	if mode == "" {
		mode = types.SamplingGrid
	}
	switch mode {
	case types.SamplingGrid:
	case types.SamplingRandom:
		if rc.Sampling.Seed == nil {
			return nil, types.NewConfigError(types.ErrNonReproducibleConfig, "sampling.seed", "random sampling requires an explicit seed")
		}
		if rc.Sampling.Count <= 0 {
			return nil, types.NewConfigError(types.ErrInvalidConfig, "sampling.count", "random sampling requires a positive count")
		}
	case types.SamplingExplicit:
		if len(rc.Assignments) == 0 {
			return nil, types.NewConfigError(types.ErrInvalidConfig, "assignments", "explicit sampling requires assignments")
		}
		if len(rc.Parameters) > 0 {
			return nil, types.NewConfigError(types.ErrInvalidConfig, "parameters", "parameter narrowing cannot be combined with explicit assignments")
		}
	default:
		return nil, types.NewConfigError(types.ErrInvalidConfig, "sampling.mode", "unknown sampling mode %q", mode)
	}

	specs := make([]types.StrategySpec, 0, len(rc.Strategies))
	seen := make(map[string]struct{}, len(rc.Strategies))
	for _, id := range rc.Strategies {
		if _, dup := seen[id]; dup {
			return nil, types.NewConfigError(types.ErrInvalidConfig, "strategies", "strategy %s listed twice", id)
		}
		seen[id] = struct{}{}
		spec, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	var windows []types.WindowSlice
	if rc.WalkForward != nil {
		if rc.DataRef == "" {
			return nil, types.NewConfigError(types.ErrInvalidConfig, "data_reference", "walk_forward requires a data reference")
		}
		wf := *rc.WalkForward
		wf.ApplyDefaults()
		if err := wf.Validate(); err != nil {
			return nil, err
		}
		if wf.Count() > r.maxTasks {
			return nil, types.NewConfigError(types.ErrInvalidConfig, "walk_forward", "%d windows exceed limit of %d tasks per run", wf.Count(), r.maxTasks)
		}
		windows = wf.Slices()
	}
	// 每个组合在每个窗口上各跑训练段和测试段
	perCombo := 1
	if len(windows) > 0 {
		perCombo = 2 * len(windows)
	}

	// 先完整校验并生成所有组合，再统一构造任务，保证 all-or-nothing
	type unit struct {
		spec       types.StrategySpec
		timeframes []string
		combos     []types.Parameters
	}
	units := make([]unit, 0, len(specs))
	total := 0
	for i, spec := range specs {
		tfs, err := selectTimeframes(&spec, rc.Timeframes)
		if err != nil {
			return nil, err
		}
		var ax []axis
		if mode != types.SamplingExplicit {
			if ax, err = axes(&spec, rc.Parameters, mode == types.SamplingGrid); err != nil {
				return nil, err
			}
		}
		// 组合数在分配之前按乘法上限检查，避免超大空间
		var size int
		switch mode {
		case types.SamplingGrid:
			size = spaceOf(ax, r.maxTasks+1)
		case types.SamplingRandom:
			size = min(rc.Sampling.Count, r.maxTasks+1)
		case types.SamplingExplicit:
			size = min(len(rc.Assignments), r.maxTasks+1)
		}
		n, ok := mulCapped(size, len(tfs)*perCombo, r.maxTasks)
		if ok {
			n, ok = addCapped(total, n, r.maxTasks)
		}
		if !ok {
			return nil, types.NewConfigError(types.ErrInvalidConfig, "sampling",
				"space of %s exceeds limit of %d tasks per run", spec.ID, r.maxTasks)
		}
		total = n

		var combos []types.Parameters
		switch mode {
		case types.SamplingGrid:
			combos = cartesian(ax, size)
		case types.SamplingRandom:
			// 每个策略使用独立但可复现的随机源
			seed := *rc.Sampling.Seed + int64(i)
			combos = randomCombos(ax, seed, rc.Sampling.Count)
		case types.SamplingExplicit:
			combos, err = explicitCombos(&spec, rc.Assignments)
		}
		if err != nil {
			return nil, err
		}
		units = append(units, unit{spec: spec, timeframes: tfs, combos: combos})
	}

	now := r.now()
	tasks := make([]types.Task, 0, total)
	add := func(u *unit, tf string, params types.Parameters, ref string, window int, seg types.Segment) {
		tasks = append(tasks, types.Task{
			ID:         types.NewTaskID(runID, len(tasks)+1),
			RunID:      runID,
			StrategyID: u.spec.ID,
			Parameters: params.Clone(),
			Timeframe:  tf,
			DataRef:    ref,
			Attempt:    1,
			Timeout:    rc.PerTaskTimeout,
			Window:     window,
			Segment:    seg,
			CreatedAt:  now,
		})
	}
	for i := range units {
		u := &units[i]
		for _, tf := range u.timeframes {
			if len(windows) == 0 {
				for _, params := range u.combos {
					add(u, tf, params, rc.DataRef, 0, "")
				}
				continue
			}
			for _, w := range windows {
				train := types.SliceDataRef(rc.DataRef, w.Start, w.TrainEnd)
				test := types.SliceDataRef(rc.DataRef, w.TrainEnd, w.End)
				for _, params := range u.combos {
					add(u, tf, params, train, w.Index, types.SegmentTrain)
				}
				for _, params := range u.combos {
					add(u, tf, params, test, w.Index, types.SegmentTest)
				}
			}
		}
	}
	return tasks, nil
}

// selectTimeframes returns the requested timeframes, or all of the strategy's when none are requested.
func selectTimeframes(spec *types.StrategySpec, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return append([]string(nil), spec.Timeframes...), nil
	}
	seen := make(map[string]struct{}, len(requested))
	out := make([]string, 0, len(requested))
	for _, tf := range requested {
		if _, dup := seen[tf]; dup {
			continue
		}
		seen[tf] = struct{}{}
		if !spec.SupportsTimeframe(tf) {
			return nil, types.NewConfigError(types.ErrInvalidParameter, "timeframes", "timeframe %s not valid for %s", tf, spec.ID)
		}
		out = append(out, tf)
	}
	return out, nil
}

// axis is the candidate values of one parameter, in declared order. Ranged
// domains are indexed arithmetically and never listed; size 0 marks a
// continuous range.
type axis struct {
	name   string
	values []any
	domain *types.ParameterDomain
	size   int
}

func (a *axis) at(i int) any {
	if a.values != nil {
		return a.values[i]
	}
	return a.domain.At(i)
}

// axes resolves every declared parameter to its candidate values, narrowed by overrides.
func axes(spec *types.StrategySpec, overrides map[string][]any, requireDiscrete bool) ([]axis, error) {
	for name := range overrides {
		if _, ok := spec.Domain(name); !ok {
			return nil, types.NewConfigError(types.ErrInvalidParameter, name, "unknown parameter for %s", spec.ID)
		}
	}
	out := make([]axis, 0, len(spec.Parameters))
	for i := range spec.Parameters {
		d := &spec.Parameters[i]
		if vals, ok := overrides[d.Name]; ok {
			if len(vals) == 0 {
				return nil, types.NewConfigError(types.ErrInvalidParameter, d.Name, "empty value list")
			}
			norm := make([]any, 0, len(vals))
			for _, v := range vals {
				nv, err := types.NormalizeValue(v)
				if err != nil {
					return nil, types.NewConfigError(types.ErrInvalidParameter, d.Name, "%v", err)
				}
				if !d.Contains(nv) {
					return nil, types.NewConfigError(types.ErrInvalidParameter, d.Name, "value %s outside domain of %s", types.FormatValue(nv), spec.ID)
				}
				norm = append(norm, nv)
			}
			out = append(out, axis{name: d.Name, values: norm, size: len(norm)})
			continue
		}
		if !d.IsDiscrete() {
			if requireDiscrete {
				return nil, types.NewConfigError(types.ErrInvalidParameter, d.Name, "continuous range needs a step or explicit values for grid sampling")
			}
			out = append(out, axis{name: d.Name, domain: d})
			continue
		}
		n := d.Size()
		if n == 0 {
			return nil, types.NewConfigError(types.ErrInvalidParameter, d.Name, "domain enumerates no values")
		}
		out = append(out, axis{name: d.Name, domain: d, size: n})
	}
	return out, nil
}

// spaceOf returns the product of the axis sizes, saturating at limit. A
// continuous axis counts as limit.
func spaceOf(ax []axis, limit int) int {
	space := 1
	for _, a := range ax {
		if a.size == 0 {
			return limit
		}
		n, ok := mulCapped(space, a.size, limit)
		if !ok {
			return limit
		}
		space = n
	}
	return space
}

// mulCapped multiplies non-negative a and b, reporting false when the product exceeds limit.
func mulCapped(a, b, limit int) (int, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > limit/b {
		return limit, false
	}
	return a * b, true
}

func addCapped(a, b, limit int) (int, bool) {
	if a > limit-b {
		return limit, false
	}
	return a + b, true
}

// cartesian enumerates the total combinations of ax with the last axis varying fastest.
func cartesian(ax []axis, total int) []types.Parameters {
	out := make([]types.Parameters, 0, total)
	idx := make([]int, len(ax))
	for n := 0; n < total; n++ {
		p := make(types.Parameters, len(ax))
		for i := range ax {
			p[ax[i].name] = ax[i].at(idx[i])
		}
		out = append(out, p)
		for i := len(ax) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < ax[i].size {
				break
			}
			idx[i] = 0
		}
	}
	return out
}

func randomCombos(ax []axis, seed int64, count int) []types.Parameters {
	// 离散空间不超过 count 时直接退化为完整网格
	if space := spaceOf(ax, count+1); space <= count {
		return cartesian(ax, space)
	}

	rng := rand.New(rand.NewSource(seed))
	seen := make(map[string]struct{}, count)
	out := make([]types.Parameters, 0, count)
	for draws := 0; len(out) < count && draws < count*maxDrawFactor; draws++ {
		p := make(types.Parameters, len(ax))
		for i := range ax {
			a := &ax[i]
			if a.size > 0 {
				p[a.name] = a.at(rng.Intn(a.size))
				continue
			}
			p[a.name] = *a.domain.Min + rng.Float64()*(*a.domain.Max-*a.domain.Min)
		}
		key := p.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

func explicitCombos(spec *types.StrategySpec, assignments []types.Parameters) ([]types.Parameters, error) {
	out := make([]types.Parameters, 0, len(assignments))
	for i, a := range assignments {
		field := fmt.Sprintf("assignments[%d]", i)
		for name := range a {
			if _, ok := spec.Domain(name); !ok {
				return nil, types.NewConfigError(types.ErrInvalidParameter, field, "unknown parameter %s for %s", name, spec.ID)
			}
		}
		p := make(types.Parameters, len(spec.Parameters))
		for j := range spec.Parameters {
			d := &spec.Parameters[j]
			v, ok := a[d.Name]
			if !ok {
				if d.Default == nil {
					return nil, types.NewConfigError(types.ErrInvalidParameter, field, "missing %s and no default", d.Name)
				}
				p[d.Name] = d.Default
				continue
			}
			nv, err := types.NormalizeValue(v)
			if err != nil {
				return nil, types.NewConfigError(types.ErrInvalidParameter, field, "%s: %v", d.Name, err)
			}
			if !d.Contains(nv) {
				return nil, types.NewConfigError(types.ErrInvalidParameter, field, "value %s outside domain of %s", types.FormatValue(nv), d.Name)
			}
			p[d.Name] = nv
		}
		out = append(out, p)
	}
	return out, nil
}

// SpaceSize returns the number of grid combinations of a strategy, or -1 when a
// parameter is continuous. The result saturates at math.MaxInt32.
func SpaceSize(spec types.StrategySpec) int {
	size := 1
	for i := range spec.Parameters {
		d := &spec.Parameters[i]
		if !d.IsDiscrete() {
			return -1
		}
		n, ok := mulCapped(size, d.Size(), math.MaxInt32)
		if !ok {
			return math.MaxInt32
		}
		size = n
	}
	return size
}
