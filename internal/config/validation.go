package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/duke-git/lancet/v2/slice"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Fields returns the failing field paths.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, err := range e {
		out = append(out, err.Field)
	}
	return out
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateServerConfig(&cfg.Server)
	v.validateEngineConfig(&cfg.Engine)
	v.validateBackendConfig(&cfg.Backend, &cfg.Redis)
	v.validateWorkerConfig(&cfg.Worker)
	v.validateLoggingConfig(&cfg.Logging)
	v.validateStrategies(cfg)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServerConfig(cfg *ServerConfig) {
	if cfg.Address == "" {
		v.addError("server.address", "address is required")
	} else if !isValidAddress(cfg.Address) {
		v.addError("server.address", "invalid address format, expected host:port or :port")
	}
	if cfg.ReadTimeout < 0 {
		v.addError("server.read_timeout", "read timeout must be non-negative")
	}
	if cfg.WriteTimeout < 0 {
		v.addError("server.write_timeout", "write timeout must be non-negative")
	}
}

func (v *Validator) validateEngineConfig(cfg *EngineConfig) {
	if cfg.PollInterval <= 0 {
		v.addError("engine.poll_interval", "poll interval must be positive")
	} else if cfg.PollInterval > 10*time.Second {
		v.addError("engine.poll_interval", "poll interval should not exceed 10 seconds")
	}
	if cfg.MaxConcurrentRuns < 0 {
		v.addError("engine.max_concurrent_runs", "max concurrent runs must be non-negative")
	}
	if cfg.DefaultTaskTimeout <= 0 {
		v.addError("engine.default_task_timeout", "default task timeout must be positive")
	}
	if cfg.DefaultMaxConcurrency <= 0 {
		v.addError("engine.default_max_concurrency", "default max concurrency must be positive")
	}
	if cfg.CancelGrace < 0 {
		v.addError("engine.cancel_grace", "cancel grace must be non-negative")
	}
	if cfg.MaxTasksPerRun <= 0 {
		v.addError("engine.max_tasks_per_run", "max tasks per run must be positive")
	}
}

func (v *Validator) validateBackendConfig(cfg *BackendConfig, redis *RedisConfig) {
	switch cfg.Type {
	case "local":
	case "redis":
		if redis.Addr == "" {
			v.addError("redis.addr", "redis address is required for the redis backend")
		} else if !isValidAddress(redis.Addr) {
			v.addError("redis.addr", "invalid address format, expected host:port")
		}
		if redis.KeyPrefix == "" {
			v.addError("redis.key_prefix", "key prefix is required")
		}
		if redis.ResultTTL <= 0 {
			v.addError("redis.result_ttl", "result ttl must be positive")
		}
	case "":
		v.addError("backend.type", "backend type is required")
	default:
		v.addError("backend.type", fmt.Sprintf("invalid backend type '%s', must be one of: local, redis", cfg.Type))
	}
	if cfg.MaxConcurrency <= 0 {
		v.addError("backend.max_concurrency", "max concurrency must be positive")
	}
}

func (v *Validator) validateWorkerConfig(cfg *WorkerConfig) {
	if cfg.Concurrency <= 0 {
		v.addError("worker.concurrency", "worker concurrency must be positive")
	}
	if cfg.PollTimeout <= 0 {
		v.addError("worker.poll_timeout", "poll timeout must be positive")
	}
}

func (v *Validator) validateLoggingConfig(cfg *LoggingConfig) {
	validLevels := []string{"debug", "info", "warn", "error"}
	if cfg.Level == "" {
		v.addError("logging.level", "log level is required")
	} else if !slice.Contain(validLevels, strings.ToLower(cfg.Level)) {
		v.addError("logging.level", fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", cfg.Level))
	}

	if !slice.Contain([]string{"json", "console"}, strings.ToLower(cfg.Format)) {
		v.addError("logging.format", fmt.Sprintf("invalid log format '%s', must be one of: json, console", cfg.Format))
	}

	switch strings.ToLower(cfg.Output) {
	case "", "stdout", "stderr":
	case "file", "both":
		if cfg.FilePath == "" {
			v.addError("logging.file_path", "file path is required when output includes file")
		}
	default:
		v.addError("logging.output", fmt.Sprintf("invalid log output '%s', must be one of: stdout, stderr, file, both", cfg.Output))
	}
}

func (v *Validator) validateStrategies(cfg *Config) {
	seen := make(map[string]bool, len(cfg.Strategies))
	for i := range cfg.Strategies {
		s := &cfg.Strategies[i]
		field := fmt.Sprintf("strategies[%d]", i)
		if err := s.Validate(); err != nil {
			v.addError(field, err.Error())
			continue
		}
		if seen[s.ID] {
			v.addError(field, fmt.Sprintf("duplicate strategy id '%s'", s.ID))
		}
		seen[s.ID] = true
	}
}

// isValidAddress checks if the address is a valid host:port format.
func isValidAddress(addr string) bool {
	if addr == "" {
		return false
	}

	if strings.HasPrefix(addr, ":") {
		port := strings.TrimPrefix(addr, ":")
		if port == "" {
			return false
		}
		_, err := net.LookupPort("tcp", port)
		return err == nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return false
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return false
	}
	if host != "" && net.ParseIP(host) == nil && !isValidHostname(host) {
		return false
	}
	return true
}

// isValidHostname performs basic hostname validation.
func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, label := range strings.Split(hostname, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if !isAlphanumeric(label[0]) || !isAlphanumeric(label[len(label)-1]) {
			return false
		}
		for _, c := range label {
			if !isAlphanumeric(byte(c)) && c != '-' {
				return false
			}
		}
	}
	return true
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}

// LoadAndValidate loads configuration from a file and validates it.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
