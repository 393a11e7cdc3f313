package master

import (
	"reflect"
	"testing"
	"time"

	"pgregory.net/rapid"

	"yqhp/backtest-engine/pkg/types"
)

// genRecord draws a terminal record for one of a small set of task ids so duplicates occur.
func genRecord(t *rapid.T, label string) types.ResultRecord {
	id := types.NewTaskID("run", rapid.IntRange(1, 12).Draw(t, label+"_id"))
	status := rapid.SampledFrom([]types.TaskStatus{
		types.TaskStatusSuccess, types.TaskStatusSuccess, types.TaskStatusFailed, types.TaskStatusTimedOut,
	}).Draw(t, label+"_status")
	task := types.Task{ID: id, StrategyID: "sma_cross", Parameters: types.Parameters{"window": 10.0}, Timeframe: "1h", Attempt: 1}
	dur := time.Duration(rapid.IntRange(0, 5000).Draw(t, label+"_ms")) * time.Millisecond
	if status != types.TaskStatusSuccess {
		return types.NewFailureRecord(task, status, types.ErrTaskExecution, "w", dur)
	}
	sharpe := float64(rapid.IntRange(-300, 300).Draw(t, label+"_sharpe")) / 100
	return types.NewSuccessRecord(task, fullMetrics(sharpe), "w", dur)
}

// TestAggregatorIdempotenceProperty 重复记录同一终态结果不改变排名和汇总。
func TestAggregatorIdempotenceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(t, "n")
		a := NewAggregator(12)
		records := make([]types.ResultRecord, n)
		for i := range records {
			records[i] = genRecord(t, "rec")
			a.Record(records[i])
		}
		before, err := a.Rank(types.MetricSharpe, types.OrderDesc)
		if err != nil {
			t.Fatalf("rank: %v", err)
		}
		summary := a.Summary()

		for _, rec := range records {
			if a.Record(rec) {
				t.Fatalf("duplicate record %s accepted", rec.TaskID)
			}
		}
		after, _ := a.Rank(types.MetricSharpe, types.OrderDesc)
		if !reflect.DeepEqual(before, after) {
			t.Fatalf("rank changed after duplicate records")
		}
		if !reflect.DeepEqual(summary, a.Summary()) {
			t.Fatalf("summary changed after duplicate records")
		}
	})
}

// TestAggregatorReplayProperty 按相同顺序重放记录得到相同的投影。
func TestAggregatorReplayProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(t, "n")
		a := NewAggregator(12)
		for i := 0; i < n; i++ {
			a.Record(genRecord(t, "rec"))
		}

		b := Rebuild(12, a.Records())
		for _, order := range []types.SortOrder{types.OrderAsc, types.OrderDesc} {
			ra, _ := a.Rank(types.MetricSharpe, order)
			rb, _ := b.Rank(types.MetricSharpe, order)
			if !reflect.DeepEqual(ra, rb) {
				t.Fatalf("replayed rank differs for %s", order)
			}
		}
		if !reflect.DeepEqual(a.Summary(), b.Summary()) {
			t.Fatalf("replayed summary differs")
		}
		if !reflect.DeepEqual(a.Records(), b.Records()) {
			t.Fatalf("replayed records differ")
		}
	})
}

// TestRankOrderProperty 排名结果按指标单调，只包含成功记录。
func TestRankOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(t, "n")
		a := NewAggregator(12)
		for i := 0; i < n; i++ {
			a.Record(genRecord(t, "rec"))
		}
		ranked, _ := a.Rank(types.MetricSharpe, types.OrderDesc)
		if len(ranked) != a.Summary().Succeeded {
			t.Fatalf("ranked %d, succeeded %d", len(ranked), a.Summary().Succeeded)
		}
		for i := 1; i < len(ranked); i++ {
			prev, cur := ranked[i-1], ranked[i]
			if prev.Value < cur.Value || (prev.Value == cur.Value && prev.TaskID > cur.TaskID) {
				t.Fatalf("rank out of order at %d", i)
			}
			if cur.Rank != i+1 {
				t.Fatalf("rank %d at position %d", cur.Rank, i)
			}
		}
	})
}
