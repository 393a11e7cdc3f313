// Package cmd 提供 backtest-engine CLI 的命令实现
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"yqhp/backtest-engine/internal/config"
	"yqhp/backtest-engine/pkg/logger"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的 ASCII 艺术
	Banner = `
     _                _    _            _
    | |__   __ _  ___| | _| |_ ___  ___| |_
    | '_ \ / _' |/ __| |/ / __/ _ \/ __| __|
    | |_) | (_| | (__|   <| ||  __/\__ \ |_
    |_.__/ \__,_|\___|_|\_\\__\___||___/\__| %s
`
)

var (
	// 全局配置
	cfgFile string
	debug   bool
	quiet   bool
)

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "backtest-engine",
	Short: "分布式参数扫描回测引擎",
	Long: `backtest-engine 把策略参数空间展开为回测任务，分发到本地或远程工作节点执行，
并按指标聚合、排序结果。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	// 全局 flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "静默模式")

	// 禁用默认的 completion 命令
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// 自定义版本模板
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// loadConfig 按 默认值 < 文件 < 环境变量 < overrides 加载并校验配置，然后初始化日志。
func loadConfig(overrides map[string]string) (*config.Config, error) {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}
	if len(overrides) > 0 {
		loader = loader.WithCmdArgs(overrides)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}

	logger.Init(cfg.Logging.LoggerConfig())
	if debug {
		logger.EnableDebug()
	}
	return cfg, nil
}
