package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/backtest-engine/pkg/types"
)

func successRecord(id string, window, sharpe float64, d time.Duration) types.ResultRecord {
	task := types.Task{ID: id, StrategyID: "sma_cross", Parameters: types.Parameters{"window": window}, Timeframe: "1h", Attempt: 1}
	return types.NewSuccessRecord(task, fullMetrics(sharpe), "w1", d)
}

func failedRecord(id string, status types.TaskStatus, attempt int) types.ResultRecord {
	task := types.Task{ID: id, StrategyID: "sma_cross", Parameters: types.Parameters{"window": 5.0}, Timeframe: "1h", Attempt: attempt}
	return types.NewFailureRecord(task, status, types.ErrTaskExecution, "w1", time.Millisecond)
}

func TestAggregator_RankScenario(t *testing.T) {
	a := NewAggregator(3)
	assert.True(t, a.Record(successRecord("r-000002", 20, 0.8, time.Millisecond)))
	assert.True(t, a.Record(successRecord("r-000001", 10, 1.2, time.Millisecond)))
	assert.True(t, a.Record(failedRecord("r-000003", types.TaskStatusFailed, 2)))

	ranked, err := a.Rank(types.MetricSharpe, types.OrderDesc)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "r-000001", ranked[0].TaskID)
	assert.Equal(t, 1, ranked[0].Rank)
	assert.Equal(t, 1.2, ranked[0].Value)
	assert.Equal(t, 10.0, ranked[0].Parameters["window"])
	assert.Equal(t, "r-000002", ranked[1].TaskID)
	assert.Equal(t, 0.8, ranked[1].Value)

	asc, err := a.Rank(types.MetricSharpe, types.OrderAsc)
	require.NoError(t, err)
	assert.Equal(t, "r-000002", asc[0].TaskID)

	s := a.Summary()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 0, s.TimedOut)
	assert.InDelta(t, 1.0, s.MetricMeans[types.MetricSharpe], 1e-9)
}

func segmentRecord(id string, window float64, idx int, seg types.Segment, pnl float64) types.ResultRecord {
	task := types.Task{
		ID: id, StrategyID: "sma_cross", Parameters: types.Parameters{"window": window},
		Timeframe: "1h", Attempt: 1, Window: idx, Segment: seg,
	}
	return types.NewSuccessRecord(task, types.Metrics{types.MetricPnL: pnl}, "w1", time.Millisecond)
}

func TestAggregator_WalkForward(t *testing.T) {
	a := NewAggregator(9)
	a.Record(segmentRecord("r-000001", 10, 1, types.SegmentTrain, 100))
	a.Record(segmentRecord("r-000002", 10, 1, types.SegmentTest, 20))
	a.Record(segmentRecord("r-000003", 10, 2, types.SegmentTrain, 60))
	a.Record(segmentRecord("r-000004", 10, 2, types.SegmentTest, 40))
	a.Record(segmentRecord("r-000005", 20, 1, types.SegmentTrain, 50))
	a.Record(segmentRecord("r-000006", 20, 1, types.SegmentTest, 60))
	// 只有训练段的组合不输出
	a.Record(segmentRecord("r-000007", 30, 1, types.SegmentTrain, 10))
	// 普通记录不参与
	a.Record(successRecord("r-000008", 40, 1, time.Millisecond))
	a.Record(failedRecord("r-000009", types.TaskStatusFailed, 1))

	got := a.WalkForward(types.MetricPnL)
	require.Len(t, got, 2)

	assert.Equal(t, 20.0, got[0].Parameters["window"])
	assert.Equal(t, 1, got[0].Windows)
	assert.Zero(t, got[0].Overfitting)

	assert.Equal(t, 10.0, got[1].Parameters["window"])
	assert.Equal(t, 2, got[1].Windows)
	assert.InDelta(t, 80, got[1].TrainMean, 1e-9)
	assert.InDelta(t, 30, got[1].TestMean, 1e-9)
	assert.InDelta(t, 0.625, got[1].Overfitting, 1e-9)
	assert.Equal(t, "sma_cross", got[1].StrategyID)
	assert.Equal(t, "1h", got[1].Timeframe)

	assert.Empty(t, a.WalkForward(types.MetricSharpe))

	ranked, err := a.Rank(types.MetricPnL, types.OrderDesc)
	require.NoError(t, err)
	assert.Equal(t, 1, ranked[0].Window)
	assert.Equal(t, types.SegmentTrain, ranked[0].Segment)
}

func TestAggregator_TieBreakByTaskID(t *testing.T) {
	a := NewAggregator(3)
	a.Record(successRecord("r-000003", 30, 1.0, 0))
	a.Record(successRecord("r-000001", 10, 1.0, 0))
	a.Record(successRecord("r-000002", 20, 2.0, 0))

	for _, order := range []types.SortOrder{types.OrderAsc, types.OrderDesc} {
		ranked, err := a.Rank(types.MetricSharpe, order)
		require.NoError(t, err)
		var tied []string
		for _, r := range ranked {
			if r.Value == 1.0 {
				tied = append(tied, r.TaskID)
			}
		}
		assert.Equal(t, []string{"r-000001", "r-000003"}, tied, "order %s", order)
	}
}

func TestAggregator_Idempotent(t *testing.T) {
	a := NewAggregator(1)
	rec := successRecord("r-000001", 10, 1.2, time.Millisecond)
	assert.True(t, a.Record(rec))
	assert.False(t, a.Record(rec))

	// 同一任务的后到记录被忽略
	late := failedRecord("r-000001", types.TaskStatusTimedOut, 2)
	assert.False(t, a.Record(late))

	got, ok := a.Get("r-000001")
	require.True(t, ok)
	assert.Equal(t, types.TaskStatusSuccess, got.Status)
	assert.Equal(t, 1, a.Summary().Succeeded)
	assert.Equal(t, 0, a.Summary().TimedOut)
	assert.Equal(t, 1, a.Len())

	assert.False(t, a.Record(types.ResultRecord{}))
}

func TestAggregator_RankErrors(t *testing.T) {
	a := NewAggregator(0)
	_, err := a.Rank("", types.OrderDesc)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
	_, err = a.Rank(types.MetricSharpe, "sideways")
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	ranked, err := a.Rank("calmar", types.OrderDesc)
	require.NoError(t, err)
	assert.Empty(t, ranked)
}

func TestAggregator_Leaderboard(t *testing.T) {
	a := NewAggregator(5)
	for i, sharpe := range []float64{0.1, 0.5, 0.3, 0.9, 0.7} {
		a.Record(successRecord(types.NewTaskID("r", i+1), float64(i), sharpe, 0))
	}

	top, err := a.Leaderboard(types.MetricSharpe, types.OrderDesc, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, 0.9, top[0].Value)
	assert.Equal(t, 0.7, top[1].Value)
	assert.Equal(t, 2, top[1].Rank)

	all, err := a.Leaderboard(types.MetricSharpe, types.OrderDesc, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestAggregator_FailuresAndRecords(t *testing.T) {
	a := NewAggregator(3)
	a.Record(failedRecord("r-000002", types.TaskStatusTimedOut, 1))
	a.Record(successRecord("r-000001", 10, 1, 0))
	a.Record(failedRecord("r-000003", types.TaskStatusFailed, 1))

	records := a.Records()
	require.Len(t, records, 3)
	assert.Equal(t, "r-000002", records[0].TaskID)
	assert.Equal(t, "r-000001", records[1].TaskID)

	failures := a.Failures()
	require.Len(t, failures, 2)
	assert.Equal(t, types.TaskStatusTimedOut, failures[0].Status)
	assert.Equal(t, types.TaskStatusFailed, failures[1].Status)

	// 返回副本
	records[1].Metrics[types.MetricSharpe] = 99
	got, _ := a.Get("r-000001")
	assert.Equal(t, 1.0, got.Metrics[types.MetricSharpe])
}

func TestAggregator_DurationSummary(t *testing.T) {
	a := NewAggregator(100)
	for i := 1; i <= 100; i++ {
		a.Record(successRecord(types.NewTaskID("r", i), float64(i), 1, time.Duration(i)*time.Millisecond))
	}
	s := a.Summary()
	assert.InDelta(t, float64(50*time.Millisecond), float64(s.DurationP50), float64(time.Millisecond))
	assert.InDelta(t, float64(95*time.Millisecond), float64(s.DurationP95), float64(time.Millisecond))
	assert.InDelta(t, float64(100*time.Millisecond), float64(s.DurationMax), float64(time.Millisecond))

	empty := NewAggregator(0).Summary()
	assert.Zero(t, empty.DurationMax)
	assert.Nil(t, empty.MetricMeans)
}
