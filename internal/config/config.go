package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yqhp/backtest-engine/pkg/logger"
	"yqhp/backtest-engine/pkg/types"
)

// Config represents the complete configuration of the backtest engine.
type Config struct {
	Server     ServerConfig         `yaml:"server"`
	Engine     EngineConfig         `yaml:"engine"`
	Backend    BackendConfig        `yaml:"backend"`
	Redis      RedisConfig          `yaml:"redis"`
	Worker     WorkerConfig         `yaml:"worker"`
	Data       DataConfig           `yaml:"data"`
	Storage    StorageConfig        `yaml:"storage"`
	Logging    LoggingConfig        `yaml:"logging"`
	Strategies []types.StrategySpec `yaml:"strategies"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address      string        `yaml:"address" env:"BT_SERVER_ADDRESS"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"BT_SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"BT_SERVER_WRITE_TIMEOUT"`
	EnableCORS   bool          `yaml:"enable_cors" env:"BT_SERVER_ENABLE_CORS"`
}

// EngineConfig holds the run controller configuration.
type EngineConfig struct {
	PollInterval          time.Duration `yaml:"poll_interval" env:"BT_ENGINE_POLL_INTERVAL"`
	MaxConcurrentRuns     int           `yaml:"max_concurrent_runs" env:"BT_ENGINE_MAX_CONCURRENT_RUNS"`
	DefaultTaskTimeout    time.Duration `yaml:"default_task_timeout" env:"BT_ENGINE_DEFAULT_TASK_TIMEOUT"`
	DefaultMaxConcurrency int           `yaml:"default_max_concurrency" env:"BT_ENGINE_DEFAULT_MAX_CONCURRENCY"`
	CancelGrace           time.Duration `yaml:"cancel_grace" env:"BT_ENGINE_CANCEL_GRACE"`
	// MaxTasksPerRun bounds the task set one run may expand to.
	MaxTasksPerRun int `yaml:"max_tasks_per_run" env:"BT_ENGINE_MAX_TASKS_PER_RUN"`
}

// BackendConfig selects the worker backend.
type BackendConfig struct {
	Type           string `yaml:"type" env:"BT_BACKEND_TYPE"`
	MaxConcurrency int    `yaml:"max_concurrency" env:"BT_BACKEND_MAX_CONCURRENCY"`
}

// RedisConfig holds the remote queue connection.
type RedisConfig struct {
	Addr        string        `yaml:"addr" env:"BT_REDIS_ADDR"`
	Password    string        `yaml:"password" env:"BT_REDIS_PASSWORD"`
	DB          int           `yaml:"db" env:"BT_REDIS_DB"`
	KeyPrefix   string        `yaml:"key_prefix" env:"BT_REDIS_KEY_PREFIX"`
	ResultTTL   time.Duration `yaml:"result_ttl" env:"BT_REDIS_RESULT_TTL"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"BT_REDIS_DIAL_TIMEOUT"`
}

// WorkerConfig holds remote worker configuration.
type WorkerConfig struct {
	ID          string        `yaml:"id" env:"BT_WORKER_ID"`
	Concurrency int           `yaml:"concurrency" env:"BT_WORKER_CONCURRENCY"`
	PollTimeout time.Duration `yaml:"poll_timeout" env:"BT_WORKER_POLL_TIMEOUT"`
}

// DataConfig locates bar data for the built-in executables.
type DataConfig struct {
	Dir string `yaml:"dir" env:"BT_DATA_DIR"`
}

// StorageConfig holds result archive configuration.
type StorageConfig struct {
	ArchivePath string `yaml:"archive_path" env:"BT_STORAGE_ARCHIVE_PATH"`
	ExportDir   string `yaml:"export_dir" env:"BT_STORAGE_EXPORT_DIR"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"BT_LOG_LEVEL"`
	Format     string `yaml:"format" env:"BT_LOG_FORMAT"`
	Output     string `yaml:"output" env:"BT_LOG_OUTPUT"`
	FilePath   string `yaml:"file_path" env:"BT_LOG_FILE_PATH"`
	MaxSize    int    `yaml:"max_size" env:"BT_LOG_MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups" env:"BT_LOG_MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"BT_LOG_MAX_AGE"`
}

// LoggerConfig converts the section into a logger configuration.
func (c LoggingConfig) LoggerConfig() *logger.Config {
	return &logger.Config{
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		FilePath:   c.FilePath,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
	}
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			PollInterval:          50 * time.Millisecond,
			MaxConcurrentRuns:     8,
			DefaultTaskTimeout:    5 * time.Minute,
			DefaultMaxConcurrency: 4,
			CancelGrace:           10 * time.Second,
			MaxTasksPerRun:        1_000_000,
		},
		Backend: BackendConfig{
			Type:           "local",
			MaxConcurrency: 4,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			KeyPrefix:   "backtest",
			ResultTTL:   time.Hour,
			DialTimeout: 5 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency: 4,
			PollTimeout: 2 * time.Second,
		},
		Data: DataConfig{
			Dir: "data",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "BT_",
		cmdArgs:   make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix replaces the BT_ prefix of environment variable names.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithCmdArgs sets dot-path overrides, e.g. {"backend.type": "redis"}.
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if err := l.applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}

	for i := range cfg.Strategies {
		if err := cfg.Strategies[i].Validate(); err != nil {
			return nil, fmt.Errorf("策略配置无效: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file. A missing file keeps the defaults.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}
	return nil
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		if l.envPrefix != "BT_" {
			envTag = l.envPrefix + strings.TrimPrefix(envTag, "BT_")
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", envTag, fieldType.Name, err)
		}
	}

	return nil
}

// setConfigValue sets a configuration value by dot-notation path.
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		name := strings.ReplaceAll(part, "_", "")
		field := v.FieldByNameFunc(func(n string) bool {
			return strings.EqualFold(n, name)
		})
		if !field.IsValid() {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}
		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("无效的整数: %w", err)
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("无效的浮点数: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

// ParseConfig parses a YAML configuration from bytes on top of the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	for i := range cfg.Strategies {
		if err := cfg.Strategies[i].Validate(); err != nil {
			return nil, fmt.Errorf("策略配置无效: %w", err)
		}
	}
	return cfg, nil
}
