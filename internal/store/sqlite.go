package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"yqhp/backtest-engine/pkg/types"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// ErrRunNotArchived is returned when the archive holds no such run.
var ErrRunNotArchived = errors.New("run not archived")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	total       INTEGER NOT NULL,
	succeeded   INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	timed_out   INTEGER NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	snapshot    TEXT NOT NULL,
	report      TEXT,
	saved_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	run_id      TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	timeframe   TEXT NOT NULL,
	status      TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	worker_id   TEXT NOT NULL DEFAULT '',
	duration_ns INTEGER NOT NULL,
	parameters  TEXT NOT NULL,
	metrics     TEXT,
	error       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, task_id)
);
CREATE INDEX IF NOT EXISTS idx_results_status ON results (run_id, status);
`

// ArchivedRun is one row of the runs table.
type ArchivedRun struct {
	RunID      string          `json:"run_id"`
	Name       string          `json:"name,omitempty"`
	Status     types.RunStatus `json:"status"`
	Total      int             `json:"total"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	TimedOut   int             `json:"timed_out"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Error      string          `json:"error,omitempty"`
	SavedAt    time.Time       `json:"saved_at"`
}

// SQLiteArchive stores terminal runs in a SQLite database. Snapshots and
// reports are kept as JSON columns; result records get a row each.
type SQLiteArchive struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteArchive opens (or creates) a SQLite database at dbPath and
// creates the schema.
func NewSQLiteArchive(dbPath string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite 单写者，避免 database is locked
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteArchive{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteArchive) Close() error {
	return s.db.Close()
}

// SaveRun writes a run and its records, replacing an earlier save of the same run.
func (s *SQLiteArchive) SaveRun(ctx context.Context, snap *types.RunSnapshot, report *types.Report) error {
	if snap == nil || snap.RunID == "" {
		return errors.New("snapshot without run id")
	}
	snapJSON, err := sonic.MarshalString(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	var reportJSON sql.NullString
	if report != nil {
		v, err := sonic.MarshalString(report)
		if err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		reportJSON = sql.NullString{String: v, Valid: true}
	}

	var succeeded, failed, timedOut int
	for _, rec := range snap.Completed {
		switch rec.Status {
		case types.TaskStatusSuccess:
			succeeded++
		case types.TaskStatusTimedOut:
			timedOut++
		default:
			failed++
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO runs
		(run_id, name, status, total, succeeded, failed, timed_out, started_at, finished_at, error, snapshot, report, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.RunID, snap.Config.Name, string(snap.Status), len(snap.Tasks), succeeded, failed, timedOut,
		unixMilli(snap.StartedAt), unixMilli(snap.FinishedAt), snap.Error, snapJSON, reportJSON,
		s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("saving run %s: %w", snap.RunID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE run_id = ?`, snap.RunID); err != nil {
		return fmt.Errorf("clearing results of %s: %w", snap.RunID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO results
		(run_id, task_id, strategy_id, timeframe, status, attempt, worker_id, duration_ns, parameters, metrics, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range snap.Completed {
		params, err := sonic.MarshalString(rec.Task.Parameters)
		if err != nil {
			return fmt.Errorf("encoding parameters of %s: %w", rec.TaskID, err)
		}
		var metrics sql.NullString
		if rec.Metrics != nil {
			v, err := sonic.MarshalString(rec.Metrics)
			if err != nil {
				return fmt.Errorf("encoding metrics of %s: %w", rec.TaskID, err)
			}
			metrics = sql.NullString{String: v, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, snap.RunID, rec.TaskID, rec.Task.StrategyID, rec.Task.Timeframe,
			string(rec.Status), rec.Attempt, rec.WorkerID, int64(rec.Duration), params, metrics, rec.Error); err != nil {
			return fmt.Errorf("saving result %s: %w", rec.TaskID, err)
		}
	}
	return tx.Commit()
}

// LoadRun returns the archived snapshot and report of a run. The report is
// nil when none was saved.
func (s *SQLiteArchive) LoadRun(ctx context.Context, runID string) (*types.RunSnapshot, *types.Report, error) {
	var snapJSON string
	var reportJSON sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT snapshot, report FROM runs WHERE run_id = ?`, runID).
		Scan(&snapJSON, &reportJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrRunNotArchived, runID)
	}
	if err != nil {
		return nil, nil, err
	}

	var snap types.RunSnapshot
	if err := sonic.UnmarshalString(snapJSON, &snap); err != nil {
		return nil, nil, fmt.Errorf("decoding snapshot of %s: %w", runID, err)
	}
	if !reportJSON.Valid {
		return &snap, nil, nil
	}
	var report types.Report
	if err := sonic.UnmarshalString(reportJSON.String, &report); err != nil {
		return nil, nil, fmt.Errorf("decoding report of %s: %w", runID, err)
	}
	return &snap, &report, nil
}

// ListRuns returns archived runs, most recently started first.
func (s *SQLiteArchive) ListRuns(ctx context.Context) ([]ArchivedRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, name, status, total, succeeded, failed, timed_out,
		started_at, finished_at, error, saved_at FROM runs ORDER BY started_at DESC, run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchivedRun
	for rows.Next() {
		var r ArchivedRun
		var status string
		var started, finished, saved int64
		if err := rows.Scan(&r.RunID, &r.Name, &status, &r.Total, &r.Succeeded, &r.Failed, &r.TimedOut,
			&started, &finished, &r.Error, &saved); err != nil {
			return nil, err
		}
		r.Status = types.RunStatus(status)
		r.StartedAt = fromUnixMilli(started)
		r.FinishedAt = fromUnixMilli(finished)
		r.SavedAt = fromUnixMilli(saved)
		out = append(out, r)
	}
	return out, rows.Err()
}

// TopResults returns up to limit successful records of a run ordered by a
// metric, descending unless order is asc.
func (s *SQLiteArchive) TopResults(ctx context.Context, runID, metric string, order types.SortOrder, limit int) ([]types.ResultRecord, error) {
	if metric == "" {
		return nil, errors.New("metric is required")
	}
	dir := "DESC"
	if order == types.OrderAsc {
		dir = "ASC"
	}
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT task_id, strategy_id, timeframe, status, attempt, worker_id, duration_ns, parameters, metrics, error
		FROM results
		WHERE run_id = ? AND status = ? AND json_extract(metrics, '$.' || ?) IS NOT NULL
		ORDER BY json_extract(metrics, '$.' || ?) ` + dir + `, task_id
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, runID, string(types.TaskStatusSuccess), metric, metric, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ResultRecord
	for rows.Next() {
		var rec types.ResultRecord
		var status, params string
		var metrics sql.NullString
		var duration int64
		if err := rows.Scan(&rec.TaskID, &rec.Task.StrategyID, &rec.Task.Timeframe, &status, &rec.Attempt,
			&rec.WorkerID, &duration, &params, &metrics, &rec.Error); err != nil {
			return nil, err
		}
		rec.Status = types.TaskStatus(status)
		rec.Duration = time.Duration(duration)
		rec.Task.ID = rec.TaskID
		rec.Task.RunID = runID
		rec.Task.Attempt = rec.Attempt
		if err := sonic.UnmarshalString(params, &rec.Task.Parameters); err != nil {
			return nil, fmt.Errorf("decoding parameters of %s: %w", rec.TaskID, err)
		}
		if metrics.Valid {
			if err := sonic.UnmarshalString(metrics.String, &rec.Metrics); err != nil {
				return nil, fmt.Errorf("decoding metrics of %s: %w", rec.TaskID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
