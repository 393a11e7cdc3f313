package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"yqhp/backtest-engine/internal/config"
	"yqhp/backtest-engine/internal/slave"
	"yqhp/backtest-engine/pkg/logger"
)

var (
	// slave start 命令的 flags
	slaveID          string
	slaveConcurrency int
	slaveRedisAddr   string
	slaveDataDir     string
)

// slaveCmd 是 slave 子命令
var slaveCmd = &cobra.Command{
	Use:   "slave",
	Short: "管理 Slave 节点",
	Long:  `Slave 节点从 Redis 队列取任务，在本机执行回测并写回结果。`,
}

// slaveStartCmd 是 slave start 子命令
var slaveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 Slave 节点",
	Long: `启动 Slave 节点，连接 Redis 并消费 Master 分发的任务。

Slave 使用与 Master 相同的策略配置，两边的 strategies 段必须一致。`,
	Example: `  # 使用默认配置启动
  backtest-engine slave start

  # 指定 Redis 地址与并发
  backtest-engine slave start --redis 10.0.0.5:6379 --concurrency 8

  # 指定 Slave ID
  backtest-engine slave start --id slave-1`,
	RunE: runSlaveStart,
}

func init() {
	rootCmd.AddCommand(slaveCmd)
	slaveCmd.AddCommand(slaveStartCmd)

	slaveStartCmd.Flags().StringVar(&slaveID, "id", "", "Slave ID（不指定则自动生成）")
	slaveStartCmd.Flags().IntVar(&slaveConcurrency, "concurrency", 0, "同时执行的任务数 (覆盖 worker.concurrency)")
	slaveStartCmd.Flags().StringVar(&slaveRedisAddr, "redis", "", "Redis 地址 (覆盖 redis.addr)")
	slaveStartCmd.Flags().StringVar(&slaveDataDir, "data-dir", "", "行情数据目录 (覆盖 data.dir)")
}

func slaveOverrides() map[string]string {
	overrides := make(map[string]string)
	if slaveID != "" {
		overrides["worker.id"] = slaveID
	}
	if slaveConcurrency > 0 {
		overrides["worker.concurrency"] = fmt.Sprint(slaveConcurrency)
	}
	if slaveRedisAddr != "" {
		overrides["redis.addr"] = slaveRedisAddr
	}
	if slaveDataDir != "" {
		overrides["data.dir"] = slaveDataDir
	}
	return overrides
}

// workerConfig converts the worker and redis sections for the slave.
func workerConfig(cfg *config.Config) *slave.Config {
	wc := slave.DefaultConfig()
	wc.ID = cfg.Worker.ID
	wc.KeyPrefix = cfg.Redis.KeyPrefix
	wc.Concurrency = cfg.Worker.Concurrency
	wc.PollTimeout = cfg.Worker.PollTimeout
	wc.ResultTTL = cfg.Redis.ResultTTL
	return wc
}

func runSlaveStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(slaveOverrides())
	if err != nil {
		return err
	}
	log := logger.Named("slave")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	client, err := newRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer client.Close()

	worker := slave.NewWorkerSlave(workerConfig(cfg), client, reg, log)

	if !quiet {
		fmt.Printf(Banner, Version)
		fmt.Println()
		fmt.Printf("  正在启动 Slave 节点...\n")
		fmt.Printf("  ID: %s\n", worker.ID())
		fmt.Printf("  Redis: %s (前缀 %s)\n", cfg.Redis.Addr, cfg.Redis.KeyPrefix)
		fmt.Printf("  并发: %d\n", cfg.Worker.Concurrency)
		fmt.Printf("  策略数: %d\n", len(reg.List()))
		fmt.Println()
	}

	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("启动 Slave 失败: %w", err)
	}
	if !quiet {
		fmt.Println("Slave 节点启动成功。按 Ctrl+C 停止。")
	}

	<-ctx.Done()

	if !quiet {
		fmt.Println("\n正在关闭 Slave...")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := worker.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("停止 Slave 失败: %w", err)
	}

	if !quiet {
		stats := worker.Stats()
		fmt.Printf("Slave 节点已停止。处理 %d 个任务，失败 %d 个。\n", stats.Processed, stats.Failed)
	}
	return nil
}
