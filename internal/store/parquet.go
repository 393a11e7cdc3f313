package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/parquet-go/parquet-go"

	"yqhp/backtest-engine/pkg/types"
)

// ErrBarsNotFound is returned when no bar file exists for a data reference.
var ErrBarsNotFound = errors.New("bars not found")

// ErrSliceOutOfRange is returned when a sliced data reference reaches past the stored bars.
var ErrSliceOutOfRange = errors.New("bar slice out of range")

// ParquetBarStore serves bar data from Parquet files laid out as
//
//	<Dir>/<timeframe>/<REF>.parquet
//
// and implements executor.BarSource.
type ParquetBarStore struct {
	Dir string
}

// NewParquetBarStore creates a store rooted at dir.
func NewParquetBarStore(dir string) *ParquetBarStore {
	return &ParquetBarStore{Dir: dir}
}

// BarRecord is the on-disk schema of one bar.
type BarRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// RankingRecord is the on-disk schema of one ranked result.
type RankingRecord struct {
	RunID      string  `parquet:"run_id"`
	Rank       int64   `parquet:"rank"`
	TaskID     string  `parquet:"task_id"`
	StrategyID string  `parquet:"strategy_id"`
	Timeframe  string  `parquet:"timeframe"`
	Parameters string  `parquet:"parameters"` // JSON object
	Metric     string  `parquet:"metric"`
	Value      float64 `parquet:"value"`
	PnL        float64 `parquet:"pnl"`
	Sharpe     float64 `parquet:"sharpe"`
	MaxDD      float64 `parquet:"max_drawdown"`
	Trades     float64 `parquet:"trade_count"`
	WinRate    float64 `parquet:"win_rate"`
	Window     int64   `parquet:"window"`
	Segment    string  `parquet:"segment"`
}

// LoadBars reads the bars of dataRef at timeframe, sorted by time. A sliced
// reference such as BTCUSDT[100:170] returns that bar index range.
func (s *ParquetBarStore) LoadBars(ctx context.Context, dataRef, timeframe string) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base, from, to, sliced, err := types.ParseDataRef(dataRef)
	if err != nil {
		return nil, err
	}
	path, err := s.barPath(base, timeframe)
	if err != nil {
		return nil, err
	}
	records, err := readParquetFile[BarRecord](path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrBarsNotFound, timeframe, dataRef)
		}
		return nil, fmt.Errorf("reading bars %s/%s: %w", timeframe, dataRef, err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp < records[j].Timestamp })

	bars := make([]types.Bar, len(records))
	for i, r := range records {
		bars[i] = types.Bar{
			Time:   time.UnixMilli(r.Timestamp).UTC(),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		}
	}
	if !sliced {
		return bars, nil
	}
	if to > len(bars) {
		return nil, fmt.Errorf("%w: %s/%s has %d bars", ErrSliceOutOfRange, timeframe, dataRef, len(bars))
	}
	return bars[from:to], nil
}

// WriteBars replaces the bar file of dataRef at timeframe.
func (s *ParquetBarStore) WriteBars(_ context.Context, dataRef, timeframe string, bars []types.Bar) error {
	path, err := s.barPath(dataRef, timeframe)
	if err != nil {
		return err
	}
	records := make([]BarRecord, len(bars))
	for i, b := range bars {
		records[i] = BarRecord{
			Timestamp: b.Time.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp < records[j].Timestamp })
	if err := writeParquetFile(path, records); err != nil {
		return fmt.Errorf("writing bars %s/%s: %w", timeframe, dataRef, err)
	}
	return nil
}

// References lists the data references available at timeframe.
func (s *ParquetBarStore) References(timeframe string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Dir, timeframe))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var refs []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".parquet") {
			continue
		}
		refs = append(refs, strings.TrimSuffix(e.Name(), ".parquet"))
	}
	sort.Strings(refs)
	return refs, nil
}

func (s *ParquetBarStore) barPath(dataRef, timeframe string) (string, error) {
	if !validPathElem(dataRef) {
		return "", fmt.Errorf("invalid data reference %q", dataRef)
	}
	if !validPathElem(timeframe) {
		return "", fmt.Errorf("invalid timeframe %q", timeframe)
	}
	return filepath.Join(s.Dir, timeframe, strings.ToUpper(dataRef)+".parquet"), nil
}

func validPathElem(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

// ExportRankings writes the rankings of a report to <dir>/<run_id>.parquet
// and returns the file path.
func ExportRankings(dir string, report *types.Report) (string, error) {
	if report == nil {
		return "", errors.New("nil report")
	}
	if !validPathElem(report.RunID) {
		return "", fmt.Errorf("invalid run id %q", report.RunID)
	}
	records := make([]RankingRecord, 0, len(report.Rankings))
	for _, r := range report.Rankings {
		params, err := sonic.MarshalString(r.Parameters)
		if err != nil {
			return "", fmt.Errorf("encoding parameters of %s: %w", r.TaskID, err)
		}
		records = append(records, RankingRecord{
			RunID:      report.RunID,
			Rank:       int64(r.Rank),
			TaskID:     r.TaskID,
			StrategyID: r.StrategyID,
			Timeframe:  r.Timeframe,
			Parameters: params,
			Metric:     r.Metric,
			Value:      r.Value,
			PnL:        r.Metrics[types.MetricPnL],
			Sharpe:     r.Metrics[types.MetricSharpe],
			MaxDD:      r.Metrics[types.MetricMaxDrawdown],
			Trades:     r.Metrics[types.MetricTradeCount],
			WinRate:    r.Metrics[types.MetricWinRate],
			Window:     int64(r.Window),
			Segment:    string(r.Segment),
		})
	}
	path := filepath.Join(dir, report.RunID+".parquet")
	if err := writeParquetFile(path, records); err != nil {
		return "", fmt.Errorf("exporting rankings of %s: %w", report.RunID, err)
	}
	return path, nil
}

// ReadRankings reads a file written by ExportRankings.
func ReadRankings(path string) ([]RankingRecord, error) {
	return readParquetFile[RankingRecord](path)
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}
