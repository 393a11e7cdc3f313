package cmd

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yqhp/backtest-engine/internal/backend"
	"yqhp/backtest-engine/internal/config"
	"yqhp/backtest-engine/internal/executor"
	"yqhp/backtest-engine/internal/master"
	"yqhp/backtest-engine/internal/store"
	"yqhp/backtest-engine/pkg/types"
)

// defaultStrategies 在配置未声明策略时注册
func defaultStrategies() []types.StrategySpec {
	fastMin, fastMax := 5.0, 50.0
	slowMin, slowMax := 20.0, 200.0
	return []types.StrategySpec{
		{
			ID:          executor.SMACrossName,
			Description: "moving average crossover on bar closes",
			Parameters: []types.ParameterDomain{
				{Name: "fast", Min: &fastMin, Max: &fastMax, Step: 5, Default: 20},
				{Name: "slow", Min: &slowMin, Max: &slowMax, Step: 20, Default: 60},
			},
			Timeframes: []string{"1h", "4h", "1d"},
			Executable: types.ExecutableSpec{Kind: types.ExecutableBuiltin, Builtin: executor.SMACrossName},
		},
	}
}

// buildRegistry registers the configured strategies on top of Parquet bar data.
func buildRegistry(cfg *config.Config) (*master.StrategyRegistry, error) {
	bars := store.NewParquetBarStore(cfg.Data.Dir)
	reg := master.NewStrategyRegistry(executor.NewRegistry(bars))
	reg.SetMaxTasks(cfg.Engine.MaxTasksPerRun)

	specs := cfg.Strategies
	if len(specs) == 0 {
		specs = defaultStrategies()
	}
	for _, spec := range specs {
		if err := reg.Register(spec); err != nil {
			return nil, fmt.Errorf("注册策略 %s 失败: %w", spec.ID, err)
		}
	}
	return reg, nil
}

// newRedisClient connects and pings the configured Redis.
func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis %s 失败: %w", cfg.Addr, err)
	}
	return client, nil
}

// buildBackend creates the configured worker backend. The returned close
// function releases the backend and its connections.
func buildBackend(ctx context.Context, cfg *config.Config, runner executor.TaskRunner, log *zap.Logger) (backend.Backend, func(), error) {
	capacity := backend.NewCapacity(cfg.Backend.MaxConcurrency)

	switch cfg.Backend.Type {
	case "redis":
		client, err := newRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		b := backend.NewRedisBackend(client, capacity, backend.RedisOptions{
			KeyPrefix:   cfg.Redis.KeyPrefix,
			ResultTTL:   cfg.Redis.ResultTTL,
			TaskTimeout: cfg.Engine.DefaultTaskTimeout,
		}, log)
		// Close 同时关闭 client
		return b, func() { _ = b.Close() }, nil
	default:
		b := backend.NewLocalBackend(runner, capacity, log)
		return b, func() { _ = b.Close() }, nil
	}
}

// openArchive opens the SQLite archive when a path is configured.
func openArchive(cfg *config.Config) (*store.SQLiteArchive, error) {
	if cfg.Storage.ArchivePath == "" {
		return nil, nil
	}
	a, err := store.NewSQLiteArchive(cfg.Storage.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("打开归档 %s 失败: %w", cfg.Storage.ArchivePath, err)
	}
	return a, nil
}

var _ master.Archiver = (*store.SQLiteArchive)(nil)

// engineStack is everything a master process owns.
type engineStack struct {
	registry *master.StrategyRegistry
	engine   *master.Engine
	archive  *store.SQLiteArchive
	closers  []func()
}

// Close stops the engine and releases the backend and archive.
func (s *engineStack) Close(ctx context.Context) error {
	err := s.engine.Stop(ctx)
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	return err
}

// buildEngine wires config → registry → backend → engine (+ archive).
func buildEngine(ctx context.Context, cfg *config.Config, log *zap.Logger) (*engineStack, error) {
	reg, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}
	b, closeBackend, err := buildBackend(ctx, cfg, reg, log)
	if err != nil {
		return nil, err
	}
	stack := &engineStack{registry: reg, closers: []func(){closeBackend}}

	opts := []master.Option{master.WithLogger(log)}
	archive, err := openArchive(cfg)
	if err != nil {
		closeBackend()
		return nil, err
	}
	if archive != nil {
		stack.archive = archive
		stack.closers = append(stack.closers, func() { _ = archive.Close() })
		opts = append(opts, master.WithArchiver(archive))
	}

	stack.engine = master.NewEngine(master.ConfigFromEngine(cfg.Engine), reg, b, opts...)
	return stack, nil
}
