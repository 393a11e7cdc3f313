package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yqhp/backtest-engine/api/rest"
	"yqhp/backtest-engine/internal/config"
	"yqhp/backtest-engine/pkg/logger"
)

var (
	// master start 命令的 flags
	masterAddress        string
	masterBackend        string
	masterMaxConcurrency int
	masterMaxRuns        int
	masterAPIKey         string
)

// masterCmd 是 master 子命令
var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "管理 Master 节点",
	Long:  `Master 节点负责展开运行配置、分发任务、聚合结果，并提供 REST API。`,
}

// masterStartCmd 是 master start 子命令
var masterStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 Master 节点",
	Long: `启动 Master 节点，开始接受运行提交。

Master 节点负责：
  - 注册策略并展开参数空间
  - 在本地或 Redis 后端上分发任务
  - 聚合结果并提供排名
  - 提供 REST API`,
	Example: `  # 使用默认配置启动（本地后端）
  backtest-engine master start

  # 使用 Redis 后端，由 slave 节点执行任务
  backtest-engine master start --backend redis

  # 使用配置文件
  backtest-engine master start --config config.yaml`,
	RunE: runMasterStart,
}

func init() {
	rootCmd.AddCommand(masterCmd)
	masterCmd.AddCommand(masterStartCmd)

	masterStartCmd.Flags().StringVar(&masterAddress, "address", ":8080", "HTTP 服务地址")
	masterStartCmd.Flags().StringVar(&masterBackend, "backend", "", "后端类型 local|redis (覆盖 backend.type)")
	masterStartCmd.Flags().IntVar(&masterMaxConcurrency, "max-concurrency", 0, "后端最大并发 (覆盖 backend.max_concurrency)")
	masterStartCmd.Flags().IntVar(&masterMaxRuns, "max-runs", 0, "最大并发运行数 (覆盖 engine.max_concurrent_runs)")
	masterStartCmd.Flags().StringVar(&masterAPIKey, "api-key", "", "要求请求携带的 X-API-Key")
}

func masterOverrides(cmd *cobra.Command) map[string]string {
	overrides := make(map[string]string)
	if cmd.Flags().Changed("address") {
		overrides["server.address"] = masterAddress
	}
	if masterBackend != "" {
		overrides["backend.type"] = masterBackend
	}
	if masterMaxConcurrency > 0 {
		overrides["backend.max_concurrency"] = fmt.Sprint(masterMaxConcurrency)
	}
	if masterMaxRuns > 0 {
		overrides["engine.max_concurrent_runs"] = fmt.Sprint(masterMaxRuns)
	}
	return overrides
}

// serverConfig converts the server section for the REST layer.
func serverConfig(cfg config.ServerConfig, apiKey string) *rest.Config {
	return &rest.Config{
		Address:      cfg.Address,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		EnableCORS:   cfg.EnableCORS,
		APIKey:       apiKey,
	}
}

func runMasterStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(masterOverrides(cmd))
	if err != nil {
		return err
	}
	log := logger.Named("master")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := buildEngine(ctx, cfg, log)
	if err != nil {
		return err
	}

	opts := []rest.Option{rest.WithLogger(log)}
	if stack.archive != nil {
		opts = append(opts, rest.WithArchive(stack.archive))
	}
	server := rest.NewServer(stack.engine, serverConfig(cfg.Server, masterAPIKey), opts...)

	if !quiet {
		fmt.Printf(Banner, Version)
		fmt.Println()
		fmt.Printf("  正在启动 Master 节点...\n")
		fmt.Printf("  HTTP 地址: %s\n", cfg.Server.Address)
		fmt.Printf("  后端: %s (并发 %d)\n", cfg.Backend.Type, cfg.Backend.MaxConcurrency)
		fmt.Printf("  策略数: %d\n", len(stack.registry.List()))
		fmt.Printf("  最大并发运行数: %d\n", cfg.Engine.MaxConcurrentRuns)
		fmt.Println()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.StartWithContext(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if !quiet {
			fmt.Println("\n正在关闭 Master...")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return stack.Close(shutdownCtx)
	})

	log.Info("master started", zap.String("address", cfg.Server.Address), zap.String("backend", cfg.Backend.Type))
	if err := g.Wait(); err != nil {
		return fmt.Errorf("Master 运行失败: %w", err)
	}
	if !quiet {
		fmt.Println("Master 节点已停止。")
	}
	return nil
}
