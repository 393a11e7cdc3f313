package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/backtest-engine/internal/config"
	"yqhp/backtest-engine/internal/store"
	"yqhp/backtest-engine/pkg/logger"
	"yqhp/backtest-engine/pkg/types"
)

var (
	// run 命令的 flags
	runMaxConcurrency int
	runDataDir        string
	runArchivePath    string
	runExportDir      string
	runJSONOutput     string
	runTop            int
	runRankBy         string
	runOrder          string
	runProgressEvery  time.Duration
)

// runCmd 是 run 子命令
var runCmd = &cobra.Command{
	Use:   "run <run.yaml>",
	Short: "独立模式执行一次参数扫描",
	Long: `在当前进程内执行运行配置：展开参数空间，按配置的后端分发任务，
结束后打印排名。Ctrl+C 取消运行，已完成的结果仍会输出。

采样模式：
  - grid: 参数域的笛卡尔积
  - random: 按种子随机抽取 count 组参数
  - explicit: 使用 assignments 中列出的参数`,
	Example: `  # 基本执行
  backtest-engine run sweep.yaml

  # 输出前 20 名，按最大回撤升序
  backtest-engine run --top 20 --rank-by max_drawdown --order asc sweep.yaml

  # 导出排名到 Parquet，报告写入 JSON
  backtest-engine run --export out/ --out-json report.json sweep.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runBacktest,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVarP(&runMaxConcurrency, "max-concurrency", "c", 0, "后端最大并发 (覆盖 backend.max_concurrency)")
	runCmd.Flags().StringVar(&runDataDir, "data-dir", "", "行情数据目录 (覆盖 data.dir)")
	runCmd.Flags().StringVar(&runArchivePath, "archive", "", "SQLite 归档路径 (覆盖 storage.archive_path)")
	runCmd.Flags().StringVar(&runExportDir, "export", "", "将排名导出为 Parquet 的目录")
	runCmd.Flags().StringVar(&runJSONOutput, "out-json", "", "输出 JSON 报告到文件")
	runCmd.Flags().IntVar(&runTop, "top", 10, "打印前 N 名")
	runCmd.Flags().StringVar(&runRankBy, "rank-by", "", "排序指标 (默认取运行配置的 rank_by)")
	runCmd.Flags().StringVar(&runOrder, "order", "", "排序方向 asc|desc")
	runCmd.Flags().DurationVar(&runProgressEvery, "progress-interval", time.Second, "进度输出间隔")
}

// runOverrides collects flag overrides as loader dot paths.
func runOverrides(cmd *cobra.Command) map[string]string {
	overrides := make(map[string]string)
	if cmd.Flags().Changed("max-concurrency") {
		overrides["backend.max_concurrency"] = strconv.Itoa(runMaxConcurrency)
	}
	if runDataDir != "" {
		overrides["data.dir"] = runDataDir
	}
	if runArchivePath != "" {
		overrides["storage.archive_path"] = runArchivePath
	}
	if runExportDir != "" {
		overrides["storage.export_dir"] = runExportDir
	}
	return overrides
}

func runBacktest(cmd *cobra.Command, args []string) error {
	rc, err := config.LoadRunConfig(args[0])
	if err != nil {
		return fmt.Errorf("解析运行配置失败: %w", err)
	}
	if runRankBy != "" {
		rc.RankBy = runRankBy
	}
	if runOrder != "" {
		rc.RankOrder = types.SortOrder(runOrder)
	}

	cfg, err := loadConfig(runOverrides(cmd))
	if err != nil {
		return err
	}
	log := logger.Named("run")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stack, err := buildEngine(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := stack.Close(shutdownCtx); err != nil {
			log.Warn("关闭引擎失败", zap.Error(err))
		}
	}()

	runID, err := stack.engine.Start(ctx, *rc)
	if err != nil {
		return fmt.Errorf("启动运行失败: %w", err)
	}

	// 处理关闭信号：取消运行，等待已提交任务收尾
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\n正在取消运行...")
			_ = stack.engine.Cancel(runID)
		case <-ctx.Done():
		}
	}()

	if !quiet {
		printRunInfo(runID, rc, cfg)
	}

	status, err := waitWithProgress(ctx, stack.engine, runID, runProgressEvery, quiet)
	if err != nil {
		return err
	}

	report, err := stack.engine.Report(runID, false)
	if err != nil {
		return fmt.Errorf("生成报告失败: %w", err)
	}
	if !quiet {
		printReport(report, runTop)
	}

	if cfg.Storage.ExportDir != "" {
		path, err := store.ExportRankings(cfg.Storage.ExportDir, report)
		if err != nil {
			return err
		}
		if !quiet {
			fmt.Printf("\n排名已导出: %s\n", path)
		}
	}
	if runJSONOutput != "" {
		if err := writeJSONFile(runJSONOutput, report); err != nil {
			return err
		}
		if !quiet {
			fmt.Printf("\n结果已写入: %s\n", runJSONOutput)
		}
	}

	if status == types.RunStatusFailed {
		return errors.New("运行失败: 后端不可用")
	}
	return nil
}

// progressSource is the subset of the engine the progress loop reads.
type progressSource interface {
	Progress(runID string) (types.Progress, error)
	Wait(ctx context.Context, runID string) (types.RunStatus, error)
}

// waitWithProgress blocks until the run is terminal, printing progress lines.
func waitWithProgress(ctx context.Context, src progressSource, runID string, every time.Duration, silent bool) (types.RunStatus, error) {
	if every <= 0 {
		every = time.Second
	}
	done := make(chan struct{})
	var status types.RunStatus
	var waitErr error
	go func() {
		defer close(done)
		status, waitErr = src.Wait(ctx, runID)
	}()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			if !silent {
				if p, err := src.Progress(runID); err == nil {
					printProgress(p)
					fmt.Println()
				}
			}
			return status, waitErr
		case <-ticker.C:
			if !silent {
				if p, err := src.Progress(runID); err == nil {
					printProgress(p)
				}
			}
		}
	}
}

func printRunInfo(runID string, rc *types.RunConfig, cfg *config.Config) {
	fmt.Printf(Banner, Version)
	fmt.Println()
	if rc.Name != "" {
		fmt.Printf("  %s\n", rc.Name)
	}
	fmt.Printf("  运行 ID: %s\n", runID)
	fmt.Printf("  策略: %s\n", strings.Join(rc.Strategies, ", "))
	fmt.Printf("  采样: %s\n", rc.Sampling.Mode)
	if len(rc.Timeframes) > 0 {
		fmt.Printf("  周期: %s\n", strings.Join(rc.Timeframes, ", "))
	}
	fmt.Printf("  后端: %s (并发 %d)\n", cfg.Backend.Type, cfg.Backend.MaxConcurrency)
	fmt.Println()
}

func printProgress(p types.Progress) {
	pct := 0.0
	if p.Total > 0 {
		pct = float64(p.Completed()) / float64(p.Total) * 100
	}
	fmt.Printf("\r  [%s] %d/%d (%.1f%%) 成功 %d 失败 %d 超时 %d 执行中 %d 重试 %d",
		p.Status, p.Completed(), p.Total, pct, p.Succeeded, p.Failed, p.TimedOut, p.InFlight, p.Retries)
}

func printReport(r *types.Report, top int) {
	fmt.Println()
	fmt.Println("  汇总:")
	fmt.Printf("    状态: %s\n", r.Status)
	fmt.Printf("    任务: %d  成功: %d  失败: %d  超时: %d\n",
		r.Summary.Total, r.Summary.Succeeded, r.Summary.Failed, r.Summary.TimedOut)
	fmt.Printf("    耗时: p50 %s  p95 %s  max %s\n",
		r.Summary.DurationP50, r.Summary.DurationP95, r.Summary.DurationMax)

	if len(r.Rankings) > 0 {
		fmt.Println()
		fmt.Printf("  排名 (%s %s):\n", r.RankBy, r.Order)
		printRankings(r.Rankings, top)
	}

	if len(r.WalkForward) > 0 {
		fmt.Println()
		fmt.Printf("  滚动窗口 (%s, 过拟合分数升序):\n", r.WalkForward[0].Metric)
		fmt.Printf("    %-16s  %-4s  %4s  %12s  %12s  %6s  %s\n", "策略", "周期", "窗口", "训练", "测试", "过拟合", "参数")
		for i, w := range r.WalkForward {
			if top > 0 && i >= top {
				break
			}
			fmt.Printf("    %-16s  %-4s  %4d  %12.4f  %12.4f  %6.3f  %s\n",
				w.StrategyID, w.Timeframe, w.Windows, w.TrainMean, w.TestMean, w.Overfitting, formatParams(w.Parameters))
		}
	}

	if len(r.Failures) > 0 {
		fmt.Println()
		fmt.Printf("  失败任务 (%d):\n", len(r.Failures))
		for i, f := range r.Failures {
			if top > 0 && i >= top {
				fmt.Printf("    ... 还有 %d 个\n", len(r.Failures)-top)
				break
			}
			fmt.Printf("    %s %s attempt=%d: %s\n", f.TaskID, f.Status, f.Attempt, f.Error)
		}
	}
}

func printRankings(rankings []types.RankedResult, top int) {
	fmt.Printf("    %-4s  %-16s  %-4s  %12s  %8s  %10s  %s\n", "#", "策略", "周期", "值", "sharpe", "pnl", "参数")
	for i, r := range rankings {
		if top > 0 && i >= top {
			break
		}
		fmt.Printf("    %-4d  %-16s  %-4s  %12.4f  %8.3f  %10.2f  %s\n",
			r.Rank, r.StrategyID, r.Timeframe, r.Value,
			r.Metrics[types.MetricSharpe], r.Metrics[types.MetricPnL], formatParams(r.Parameters))
	}
}

func formatParams(p types.Parameters) string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + strings.Trim(types.FormatValue(p[name]), `"`)
	}
	return strings.Join(parts, " ")
}

func writeJSONFile(path string, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化结果失败: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", path, err)
	}
	return nil
}
