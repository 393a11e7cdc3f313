package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"yqhp/backtest-engine/api/rest/client"
	"yqhp/backtest-engine/pkg/types"
)

var (
	// 远程命令共用的 flags
	apiAddress string
	apiKey     string
	apiTimeout time.Duration

	statusWatch    bool
	statusInterval time.Duration
	statusCancel   bool
)

// statusCmd 是 status 子命令
var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "查看运行状态",
	Long:  `查看 Master 上的运行进度。不指定 run-id 时列出全部运行以及在线的 Slave。`,
	Example: `  backtest-engine status
  backtest-engine status 3f2c... --watch
  backtest-engine status 3f2c... --cancel
  backtest-engine status --address http://master:8080`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	addAPIFlags(statusCmd)
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "持续刷新直到运行结束")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", time.Second, "刷新间隔")
	statusCmd.Flags().BoolVar(&statusCancel, "cancel", false, "取消指定的运行")
}

// addAPIFlags 注册访问 Master REST API 的 flags
func addAPIFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&apiAddress, "address", "http://localhost:8080", "Master 节点地址")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "X-API-Key")
	cmd.Flags().DurationVar(&apiTimeout, "timeout", 30*time.Second, "请求超时")
}

func newAPIClient() *client.Client {
	return client.NewClient(&client.Config{
		MasterURL:      apiAddress,
		APIKey:         apiKey,
		RequestTimeout: apiTimeout,
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c := newAPIClient()

	if len(args) == 0 {
		if statusCancel {
			return errors.New("--cancel 需要指定 run-id")
		}
		return printRunList(ctx, c)
	}
	runID := args[0]

	if statusCancel {
		if err := c.Cancel(ctx, runID); err != nil {
			return fmt.Errorf("取消运行失败: %w", err)
		}
		fmt.Printf("运行 %s 正在取消\n", runID)
		return nil
	}

	if statusWatch {
		p, err := c.WaitRun(ctx, runID, statusInterval, func(p *types.Progress) { printProgress(*p) })
		if err != nil {
			return fmt.Errorf("查询运行失败: %w", err)
		}
		fmt.Println()
		printProgressDetail(p)
		return nil
	}

	p, err := c.Progress(ctx, runID)
	if err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return fmt.Errorf("运行不存在: %s", runID)
		}
		return fmt.Errorf("查询运行失败: %w", err)
	}
	printProgressDetail(p)
	return nil
}

func printRunList(ctx context.Context, c *client.Client) error {
	if err := c.Health(ctx); err != nil {
		fmt.Printf("Master 状态: 不可达 (%s)\n", apiAddress)
		fmt.Printf("提示: 尝试 curl %s/api/v1/health\n", apiAddress)
		return err
	}

	runs, err := c.ListRuns(ctx)
	if err != nil {
		return fmt.Errorf("查询运行列表失败: %w", err)
	}
	fmt.Printf("Master: %s\n\n", apiAddress)
	if len(runs) == 0 {
		fmt.Println("暂无运行。")
	} else {
		fmt.Printf("  %-36s  %-10s  %10s  %7s  %6s  %7s\n", "RUN ID", "STATUS", "DONE", "SUCCESS", "FAILED", "TIMEOUT")
		for _, p := range runs {
			fmt.Printf("  %-36s  %-10s  %10s  %7d  %6d  %7d\n",
				p.RunID, p.Status, fmt.Sprintf("%d/%d", p.Completed(), p.Total), p.Succeeded, p.Failed, p.TimedOut)
		}
	}

	workers, err := c.Workers(ctx)
	if err != nil {
		return fmt.Errorf("查询 Slave 失败: %w", err)
	}
	fmt.Println()
	if len(workers) == 0 {
		fmt.Println("在线 Slave: 0 (本地后端或无远程节点)")
		return nil
	}
	fmt.Printf("在线 Slave: %d\n", len(workers))
	for _, w := range workers {
		fmt.Printf("  %-24s  最近心跳 %s 前\n", w.ID, time.Since(w.LastSeen).Truncate(time.Second))
	}
	return nil
}

func printProgressDetail(p *types.Progress) {
	fmt.Printf("运行: %s\n", p.RunID)
	fmt.Printf("  状态: %s\n", p.Status)
	fmt.Printf("  进度: %d/%d\n", p.Completed(), p.Total)
	fmt.Printf("  成功: %d  失败: %d  超时: %d\n", p.Succeeded, p.Failed, p.TimedOut)
	fmt.Printf("  排队: %d  执行中: %d  重试: %d\n", p.Pending, p.InFlight, p.Retries)
	if !p.StartedAt.IsZero() {
		fmt.Printf("  开始: %s\n", p.StartedAt.Format(time.RFC3339))
	}
	if !p.UpdatedAt.IsZero() {
		fmt.Printf("  更新: %s\n", p.UpdatedAt.Format(time.RFC3339))
	}
}
