package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"yqhp/backtest-engine/internal/master"
	"yqhp/backtest-engine/pkg/types"
)

var strategiesRemote bool

// strategiesCmd 是 strategies 子命令
var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "列出已注册的策略",
	Long:  `列出配置文件中的策略及其参数空间。使用 --remote 查询运行中的 Master。`,
	Example: `  backtest-engine strategies --config config.yaml
  backtest-engine strategies --remote --address http://master:8080`,
	RunE: runStrategies,
}

func init() {
	rootCmd.AddCommand(strategiesCmd)
	addAPIFlags(strategiesCmd)
	strategiesCmd.Flags().BoolVar(&strategiesRemote, "remote", false, "从 Master 查询")
}

func runStrategies(cmd *cobra.Command, args []string) error {
	var specs []types.StrategySpec
	if strategiesRemote {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		list, err := newAPIClient().Strategies(ctx)
		if err != nil {
			return fmt.Errorf("查询策略失败: %w", err)
		}
		specs = list
	} else {
		cfg, err := loadConfig(nil)
		if err != nil {
			return err
		}
		reg, err := buildRegistry(cfg)
		if err != nil {
			return err
		}
		specs = reg.List()
	}

	if len(specs) == 0 {
		fmt.Println("没有已注册的策略。")
		return nil
	}
	for i := range specs {
		printStrategy(&specs[i])
	}
	return nil
}

func printStrategy(s *types.StrategySpec) {
	fmt.Printf("%s", s.ID)
	if s.Description != "" {
		fmt.Printf("  %s", s.Description)
	}
	fmt.Println()
	kind := string(s.Executable.Kind)
	if s.Executable.Builtin != "" {
		kind += ":" + s.Executable.Builtin
	}
	fmt.Printf("  可执行体: %s\n", kind)
	fmt.Printf("  周期: %s\n", strings.Join(s.Timeframes, ", "))

	size := master.SpaceSize(*s)
	if size < 0 {
		fmt.Println("  参数空间: 连续 (grid 需要显式给出取值)")
	} else {
		fmt.Printf("  参数空间: %d 组\n", size)
	}
	for i := range s.Parameters {
		fmt.Printf("    %s\n", describeDomain(&s.Parameters[i]))
	}
	fmt.Println()
}

func describeDomain(d *types.ParameterDomain) string {
	var b strings.Builder
	b.WriteString(d.Name)
	b.WriteString(": ")
	if d.IsRanged() {
		lo, hi := "-inf", "+inf"
		if d.Min != nil {
			lo = types.FormatValue(*d.Min)
		}
		if d.Max != nil {
			hi = types.FormatValue(*d.Max)
		}
		fmt.Fprintf(&b, "[%s, %s]", lo, hi)
		if d.Step > 0 {
			fmt.Fprintf(&b, " step %s", types.FormatValue(d.Step))
		} else if d.Integer {
			b.WriteString(" integer")
		}
	} else {
		vals := make([]string, len(d.Values))
		for i, v := range d.Values {
			vals[i] = types.FormatValue(v)
		}
		fmt.Fprintf(&b, "{%s}", strings.Join(vals, ", "))
	}
	if d.Default != nil {
		fmt.Fprintf(&b, " default %s", types.FormatValue(d.Default))
	}
	return b.String()
}
