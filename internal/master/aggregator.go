package master

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/duke-git/lancet/v2/slice"

	"yqhp/backtest-engine/pkg/types"
)

// 任务耗时直方图范围：1µs 到 24h，3 位有效数字
const (
	histMin     = 1
	histMax     = int64(24 * time.Hour / time.Microsecond)
	histSigFigs = 3
)

// Compile-time interface check.
var _ ResultSink = (*Aggregator)(nil)

// Aggregator 是结果流上的纯投影：按 task_id 幂等记录终态结果，
// 按指标排名，并维护汇总统计。按相同顺序重放相同记录可得到相同视图。
type Aggregator struct {
	total   int
	records []types.ResultRecord
	byTask  map[string]int

	succeeded int
	failed    int
	timedOut  int

	durations   *hdrhistogram.Histogram
	metricSums  map[string]float64
	metricCount map[string]int

	mu sync.RWMutex
}

// NewAggregator creates an aggregator for a run of total tasks.
func NewAggregator(total int) *Aggregator {
	return &Aggregator{
		total:       total,
		byTask:      make(map[string]int, total),
		durations:   hdrhistogram.New(histMin, histMax, histSigFigs),
		metricSums:  make(map[string]float64),
		metricCount: make(map[string]int),
	}
}

// Rebuild replays records into a fresh aggregator.
func Rebuild(total int, records []types.ResultRecord) *Aggregator {
	a := NewAggregator(total)
	for _, rec := range records {
		a.Record(rec)
	}
	return a
}

// Record stores rec unless a record for the same task already exists.
func (a *Aggregator) Record(rec types.ResultRecord) bool {
	if rec.TaskID == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.byTask[rec.TaskID]; exists {
		return false
	}
	rec = rec.Clone()
	a.byTask[rec.TaskID] = len(a.records)
	a.records = append(a.records, rec)

	switch rec.Status {
	case types.TaskStatusSuccess:
		a.succeeded++
		for name, v := range rec.Metrics {
			a.metricSums[name] += v
			a.metricCount[name]++
		}
	case types.TaskStatusTimedOut:
		a.timedOut++
	default:
		a.failed++
	}

	us := rec.Duration.Microseconds()
	if us < histMin {
		us = histMin
	}
	if us > histMax {
		us = histMax
	}
	_ = a.durations.RecordValue(us)
	return true
}

// Get returns the record of a task.
func (a *Aggregator) Get(taskID string) (types.ResultRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	i, ok := a.byTask[taskID]
	if !ok {
		return types.ResultRecord{}, false
	}
	return a.records[i].Clone(), true
}

// Records returns all records in arrival order.
func (a *Aggregator) Records() []types.ResultRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]types.ResultRecord, len(a.records))
	for i, rec := range a.records {
		out[i] = rec.Clone()
	}
	return out
}

// Failures returns the non-success records in arrival order.
func (a *Aggregator) Failures() []types.ResultRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	failed := slice.Filter(a.records, func(_ int, rec types.ResultRecord) bool {
		return !rec.IsSuccess()
	})
	for i := range failed {
		failed[i] = failed[i].Clone()
	}
	return failed
}

// Rank orders the successful records that carry metric. Ties are broken by task_id.
func (a *Aggregator) Rank(metric string, order types.SortOrder) ([]types.RankedResult, error) {
	if metric == "" {
		return nil, types.NewConfigError(types.ErrInvalidConfig, "metric", "metric name is required")
	}
	if !order.Valid() {
		return nil, types.NewConfigError(types.ErrInvalidConfig, "order", "order must be asc or desc, got %q", order)
	}

	a.mu.RLock()
	ranked := make([]types.RankedResult, 0, a.succeeded)
	for i := range a.records {
		rec := &a.records[i]
		v, ok := rec.Metric(metric)
		if !ok {
			continue
		}
		ranked = append(ranked, types.RankedResult{
			TaskID:     rec.TaskID,
			StrategyID: rec.Task.StrategyID,
			Parameters: rec.Task.Parameters.Clone(),
			Timeframe:  rec.Task.Timeframe,
			Window:     rec.Task.Window,
			Segment:    rec.Task.Segment,
			Metric:     metric,
			Value:      v,
			Metrics:    rec.Metrics.Clone(),
		})
	}
	a.mu.RUnlock()

	sort.Slice(ranked, func(i, j int) bool {
		vi, vj := ranked[i].Value, ranked[j].Value
		if vi != vj {
			if order == types.OrderAsc {
				return vi < vj
			}
			return vi > vj
		}
		return ranked[i].TaskID < ranked[j].TaskID
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked, nil
}

// WalkForward 按 (策略, 周期, 参数) 汇总训练段与测试段的指标均值，
// 按过拟合分数升序排列。只统计带 metric 的成功记录；缺少任一段的组合不输出。
func (a *Aggregator) WalkForward(metric string) []types.WalkForwardResult {
	type acc struct {
		res        types.WalkForwardResult
		trainSum   float64
		testSum    float64
		trainCount int
		testCount  int
		windows    map[int]struct{}
	}

	a.mu.RLock()
	groups := make(map[string]*acc)
	var keys []string
	for i := range a.records {
		rec := &a.records[i]
		if rec.Task.Segment == "" {
			continue
		}
		v, ok := rec.Metric(metric)
		if !ok {
			continue
		}
		key := rec.Task.StrategyID + "|" + rec.Task.Timeframe + "|" + rec.Task.Parameters.Key()
		g, ok := groups[key]
		if !ok {
			g = &acc{
				res: types.WalkForwardResult{
					StrategyID: rec.Task.StrategyID,
					Timeframe:  rec.Task.Timeframe,
					Parameters: rec.Task.Parameters.Clone(),
					Metric:     metric,
				},
				windows: make(map[int]struct{}),
			}
			groups[key] = g
			keys = append(keys, key)
		}
		g.windows[rec.Task.Window] = struct{}{}
		if rec.Task.Segment == types.SegmentTrain {
			g.trainSum += v
			g.trainCount++
		} else {
			g.testSum += v
			g.testCount++
		}
	}
	a.mu.RUnlock()

	sort.Strings(keys)
	out := make([]types.WalkForwardResult, 0, len(keys))
	for _, key := range keys {
		g := groups[key]
		if g.trainCount == 0 || g.testCount == 0 {
			continue
		}
		r := g.res
		r.Windows = len(g.windows)
		r.TrainMean = g.trainSum / float64(g.trainCount)
		r.TestMean = g.testSum / float64(g.testCount)
		r.Overfitting = types.OverfittingScore(r.TrainMean, r.TestMean)
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Overfitting < out[j].Overfitting
	})
	return out
}

// Leaderboard returns the first n ranked results; n <= 0 returns all.
func (a *Aggregator) Leaderboard(metric string, order types.SortOrder, n int) ([]types.RankedResult, error) {
	ranked, err := a.Rank(metric, order)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked, nil
}

// Summary returns counts, duration percentiles and per-metric means.
func (a *Aggregator) Summary() types.Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := types.Summary{
		Total:     a.total,
		Succeeded: a.succeeded,
		Failed:    a.failed,
		TimedOut:  a.timedOut,
	}
	if len(a.records) > 0 {
		s.DurationP50 = time.Duration(a.durations.ValueAtQuantile(50)) * time.Microsecond
		s.DurationP95 = time.Duration(a.durations.ValueAtQuantile(95)) * time.Microsecond
		s.DurationMax = time.Duration(a.durations.Max()) * time.Microsecond
	}
	if len(a.metricCount) > 0 {
		s.MetricMeans = make(map[string]float64, len(a.metricCount))
		for name, n := range a.metricCount {
			s.MetricMeans[name] = a.metricSums[name] / float64(n)
		}
	}
	return s
}

// Len returns the number of stored records.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}

// String implements fmt.Stringer.
func (a *Aggregator) String() string {
	s := a.Summary()
	return fmt.Sprintf("total=%d succeeded=%d failed=%d timed_out=%d", s.Total, s.Succeeded, s.Failed, s.TimedOut)
}
