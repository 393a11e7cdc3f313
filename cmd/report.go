package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"yqhp/backtest-engine/api/rest/client"
	"yqhp/backtest-engine/internal/store"
	"yqhp/backtest-engine/pkg/types"
)

var (
	// report 命令的 flags
	reportPartial bool
	reportMetric  string
	reportOrder   string
	reportTop     int
	reportExport  string
	reportJSON    string
)

// reportCmd 是 report 子命令
var reportCmd = &cobra.Command{
	Use:   "report <run-id>",
	Short: "获取运行报告",
	Long: `从 Master 获取运行报告。运行未结束时需要 --partial。
指定 --metric 时按该指标重新排名。`,
	Example: `  backtest-engine report 3f2c...
  backtest-engine report 3f2c... --partial
  backtest-engine report 3f2c... --metric max_drawdown --order asc --top 5
  backtest-engine report 3f2c... --export out/ --out-json report.json`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	addAPIFlags(reportCmd)
	reportCmd.Flags().BoolVar(&reportPartial, "partial", false, "运行未结束时返回部分结果")
	reportCmd.Flags().StringVar(&reportMetric, "metric", "", "按指定指标重新排名")
	reportCmd.Flags().StringVar(&reportOrder, "order", "", "排序方向 asc|desc")
	reportCmd.Flags().IntVar(&reportTop, "top", 10, "打印前 N 名")
	reportCmd.Flags().StringVar(&reportExport, "export", "", "将排名导出为 Parquet 的目录")
	reportCmd.Flags().StringVar(&reportJSON, "out-json", "", "输出 JSON 报告到文件")
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c := newAPIClient()
	runID := args[0]

	report, err := c.Report(ctx, runID, reportPartial)
	if err != nil {
		switch {
		case errors.Is(err, client.ErrConflict):
			return fmt.Errorf("运行 %s 尚未结束，使用 --partial 查看部分结果", runID)
		case errors.Is(err, client.ErrNotFound):
			return fmt.Errorf("运行不存在: %s", runID)
		}
		return fmt.Errorf("获取报告失败: %w", err)
	}

	if reportMetric != "" {
		order := types.SortOrder(reportOrder)
		if order == "" {
			order = types.OrderDesc
		}
		rankings, err := c.Rank(ctx, runID, reportMetric, order, 0)
		if err != nil {
			return fmt.Errorf("重新排名失败: %w", err)
		}
		report.RankBy = reportMetric
		report.Order = order
		report.Rankings = rankings
	}

	if !quiet {
		fmt.Printf("运行: %s\n", report.RunID)
		if report.Partial {
			fmt.Println("  (部分结果)")
		}
		printReport(report, reportTop)
	}

	if reportExport != "" {
		path, err := store.ExportRankings(reportExport, report)
		if err != nil {
			return err
		}
		if !quiet {
			fmt.Printf("\n排名已导出: %s\n", path)
		}
	}
	if reportJSON != "" {
		if err := writeJSONFile(reportJSON, report); err != nil {
			return err
		}
		if !quiet {
			fmt.Printf("\n结果已写入: %s\n", reportJSON)
		}
	}
	return nil
}
