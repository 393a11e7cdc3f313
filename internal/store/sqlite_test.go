package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/backtest-engine/pkg/types"
)

func newTestArchive(t *testing.T) *SQLiteArchive {
	t.Helper()
	a, err := NewSQLiteArchive(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func archivedSnapshot(runID string, started time.Time) *types.RunSnapshot {
	task := func(seq int, window float64) types.Task {
		return types.Task{
			ID:         types.NewTaskID(runID, seq),
			RunID:      runID,
			StrategyID: "sma",
			Parameters: types.Parameters{"window": window},
			Timeframe:  "1h",
			Attempt:    1,
		}
	}
	t1, t2, t3 := task(1, 10), task(2, 20), task(3, 30)
	return &types.RunSnapshot{
		RunID:      runID,
		Status:     types.RunStatusCompleted,
		Config:     types.RunConfig{Name: "nightly", Strategies: []string{"sma"}},
		Tasks:      []types.Task{t1, t2, t3},
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Completed: []types.ResultRecord{
			types.NewSuccessRecord(t1, types.Metrics{types.MetricSharpe: 1.0, types.MetricPnL: 10}, "w1", time.Second),
			types.NewSuccessRecord(t2, types.Metrics{types.MetricSharpe: 3.0, types.MetricPnL: 5}, "w1", time.Second),
			types.NewFailureRecord(t3, types.TaskStatusTimedOut, types.ErrTaskTimeout, "w2", 2*time.Second),
		},
	}
}

func TestSQLiteArchiveSaveLoad(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	snap := archivedSnapshot("run-a", started)
	report := &types.Report{RunID: "run-a", Status: types.RunStatusCompleted, RankBy: types.MetricSharpe}
	require.NoError(t, a.SaveRun(ctx, snap, report))

	gotSnap, gotReport, err := a.LoadRun(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, "run-a", gotSnap.RunID)
	assert.Equal(t, types.RunStatusCompleted, gotSnap.Status)
	assert.Len(t, gotSnap.Completed, 3)
	assert.Equal(t, "window=20", gotSnap.Completed[1].Task.Parameters.Key())
	require.NotNil(t, gotReport)
	assert.Equal(t, types.MetricSharpe, gotReport.RankBy)

	runs, err := a.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	r := runs[0]
	assert.Equal(t, "nightly", r.Name)
	assert.Equal(t, 3, r.Total)
	assert.Equal(t, 2, r.Succeeded)
	assert.Equal(t, 0, r.Failed)
	assert.Equal(t, 1, r.TimedOut)
	assert.True(t, started.Equal(r.StartedAt))
}

func TestSQLiteArchiveReplace(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	started := time.Now().UTC()

	snap := archivedSnapshot("run-a", started)
	require.NoError(t, a.SaveRun(ctx, snap, nil))

	snap.Completed = snap.Completed[:1]
	snap.Status = types.RunStatusCancelled
	require.NoError(t, a.SaveRun(ctx, snap, nil))

	gotSnap, gotReport, err := a.LoadRun(ctx, "run-a")
	require.NoError(t, err)
	assert.Nil(t, gotReport)
	assert.Equal(t, types.RunStatusCancelled, gotSnap.Status)

	top, err := a.TopResults(ctx, "run-a", types.MetricSharpe, types.OrderDesc, 0)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestSQLiteArchiveTopResults(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	require.NoError(t, a.SaveRun(ctx, archivedSnapshot("run-a", time.Now()), nil))

	top, err := a.TopResults(ctx, "run-a", types.MetricSharpe, types.OrderDesc, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "run-a-000002", top[0].TaskID)
	assert.Equal(t, 3.0, top[0].Metrics[types.MetricSharpe])
	assert.Equal(t, "window=20", top[0].Task.Parameters.Key())

	top, err = a.TopResults(ctx, "run-a", types.MetricPnL, types.OrderAsc, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "run-a-000002", top[0].TaskID)

	_, err = a.TopResults(ctx, "run-a", "", types.OrderDesc, 1)
	assert.Error(t, err)
}

func TestSQLiteArchiveErrors(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	_, _, err := a.LoadRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotArchived)

	assert.Error(t, a.SaveRun(ctx, nil, nil))
	assert.Error(t, a.SaveRun(ctx, &types.RunSnapshot{}, nil))
}

func TestSQLiteArchiveListOrder(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, a.SaveRun(ctx, archivedSnapshot("old", base), nil))
	require.NoError(t, a.SaveRun(ctx, archivedSnapshot("new", base.Add(time.Hour)), nil))

	runs, err := a.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].RunID)
	assert.Equal(t, "old", runs[1].RunID)
}
