// Package config 提供回测引擎的配置管理功能。
// 进程配置支持从 YAML 文件、环境变量（BT_ 前缀）和命令行参数加载，
// 优先级顺序为：默认值 < YAML 文件 < 环境变量 < 命令行参数。
// 运行配置（RunConfig）单独从 YAML 文件加载，见 LoadRunConfig。
package config
