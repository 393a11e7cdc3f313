package types

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultTrainRatio is the share of a walk-forward window used for training.
const DefaultTrainRatio = 0.7

// Segment marks the part of a walk-forward window a task evaluates.
type Segment string

const (
	SegmentTrain Segment = "train"
	SegmentTest  Segment = "test"
)

// WalkForward 把行情切成滚动的训练/测试窗口，用于检测过拟合。
// Window、Step 以 bar 数计。Windows 与 Bars 至少给出一个：
// 给出 Bars 时窗口数按 start ∈ [0, Bars-Window) 以 Step 递增推算。
type WalkForward struct {
	Window     int     `yaml:"window" json:"window"`
	Step       int     `yaml:"step" json:"step"`
	TrainRatio float64 `yaml:"train_ratio,omitempty" json:"train_ratio,omitempty"`
	Windows    int     `yaml:"windows,omitempty" json:"windows,omitempty"`
	Bars       int     `yaml:"bars,omitempty" json:"bars,omitempty"`
	// Metric compares train and test segments; defaults to pnl.
	Metric string `yaml:"metric,omitempty" json:"metric,omitempty"`
}

// WindowSlice is one walk-forward window in bar indexes: train is
// [Start, TrainEnd), test is [TrainEnd, End).
type WindowSlice struct {
	Index    int
	Start    int
	TrainEnd int
	End      int
}

// ApplyDefaults fills the train ratio and comparison metric.
func (w *WalkForward) ApplyDefaults() {
	if w.TrainRatio == 0 {
		w.TrainRatio = DefaultTrainRatio
	}
	if w.Metric == "" {
		w.Metric = MetricPnL
	}
}

// Validate checks the window geometry.
func (w *WalkForward) Validate() error {
	if w.Window < 2 {
		return NewConfigError(ErrInvalidConfig, "walk_forward.window", "window must be at least 2 bars")
	}
	if w.Step <= 0 {
		return NewConfigError(ErrInvalidConfig, "walk_forward.step", "step must be positive")
	}
	if w.TrainRatio <= 0 || w.TrainRatio >= 1 {
		return NewConfigError(ErrInvalidConfig, "walk_forward.train_ratio", "train_ratio must be in (0, 1)")
	}
	if tl := w.trainLen(); tl < 1 || tl >= w.Window {
		return NewConfigError(ErrInvalidConfig, "walk_forward.train_ratio", "window of %d bars leaves an empty train or test segment", w.Window)
	}
	if w.Windows < 0 || w.Bars < 0 {
		return NewConfigError(ErrInvalidConfig, "walk_forward", "windows and bars must not be negative")
	}
	if w.Windows == 0 && w.Bars == 0 {
		return NewConfigError(ErrInvalidConfig, "walk_forward.windows", "either windows or bars is required")
	}
	if w.Count() == 0 {
		return NewConfigError(ErrInvalidConfig, "walk_forward.bars", "%d bars fit no window of %d", w.Bars, w.Window)
	}
	return nil
}

func (w *WalkForward) trainLen() int {
	return int(float64(w.Window) * w.TrainRatio)
}

// Count returns the number of windows.
func (w *WalkForward) Count() int {
	if w.Windows > 0 {
		return w.Windows
	}
	if w.Bars <= w.Window || w.Step <= 0 {
		return 0
	}
	return (w.Bars-w.Window-1)/w.Step + 1
}

// Slices lists the windows in order.
func (w *WalkForward) Slices() []WindowSlice {
	n := w.Count()
	out := make([]WindowSlice, 0, n)
	for i := 0; i < n; i++ {
		start := i * w.Step
		out = append(out, WindowSlice{
			Index:    i + 1,
			Start:    start,
			TrainEnd: start + w.trainLen(),
			End:      start + w.Window,
		})
	}
	return out
}

// SliceDataRef formats a bar-index slice of a data reference, e.g. BTCUSDT[0:42].
func SliceDataRef(ref string, from, to int) string {
	return fmt.Sprintf("%s[%d:%d]", ref, from, to)
}

// ParseDataRef splits a data reference into its base and optional bar slice.
func ParseDataRef(ref string) (base string, from, to int, sliced bool, err error) {
	open := strings.LastIndexByte(ref, '[')
	if open < 0 || !strings.HasSuffix(ref, "]") {
		return ref, 0, 0, false, nil
	}
	lo, hi, ok := strings.Cut(ref[open+1:len(ref)-1], ":")
	if !ok {
		return "", 0, 0, false, fmt.Errorf("invalid data slice %q", ref)
	}
	if from, err = strconv.Atoi(lo); err != nil {
		return "", 0, 0, false, fmt.Errorf("invalid data slice %q: %w", ref, err)
	}
	if to, err = strconv.Atoi(hi); err != nil {
		return "", 0, 0, false, fmt.Errorf("invalid data slice %q: %w", ref, err)
	}
	if from < 0 || to <= from {
		return "", 0, 0, false, fmt.Errorf("invalid data slice %q: empty range", ref)
	}
	return ref[:open], from, to, true, nil
}

// WalkForwardResult compares the train and test segments of one parameter set.
type WalkForwardResult struct {
	StrategyID string     `json:"strategy_id"`
	Timeframe  string     `json:"timeframe"`
	Parameters Parameters `json:"parameters"`
	Metric     string     `json:"metric"`
	Windows    int        `json:"windows"`
	TrainMean  float64    `json:"train_mean"`
	TestMean   float64    `json:"test_mean"`
	// Overfitting is 0 when the test segments keep up with training, 1 when they do not.
	Overfitting float64 `json:"overfitting"`
}

// OverfittingScore returns 1 - test/train clamped to [0, 1]. A zero train mean
// scores 0; a negative one scores 1.
func OverfittingScore(trainMean, testMean float64) float64 {
	if trainMean == 0 {
		return 0
	}
	ratio := 0.0
	if trainMean > 0 {
		ratio = testMean / trainMean
	}
	score := 1 - ratio
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
