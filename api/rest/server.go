// Package rest provides the REST API server for the backtest engine.
package rest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"yqhp/backtest-engine/internal/master"
	"yqhp/backtest-engine/internal/store"
	"yqhp/backtest-engine/pkg/logger"
	"yqhp/backtest-engine/pkg/types"
)

// ArchiveReader exposes archived runs over the API.
type ArchiveReader interface {
	ListRuns(ctx context.Context) ([]store.ArchivedRun, error)
	LoadRun(ctx context.Context, runID string) (*types.RunSnapshot, *types.Report, error)
}

// Server represents the REST API server.
type Server struct {
	app     *fiber.App
	master  master.Master
	archive ArchiveReader
	config  *Config
	logger  *zap.Logger
}

// Config holds the configuration for the REST API server.
type Config struct {
	// Address is the address to listen on (e.g., ":8080").
	Address string `yaml:"address"`

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing.
	EnableCORS bool `yaml:"enable_cors"`

	// APIKey, when set, is required in the X-API-Key header of /api/v1 requests.
	APIKey string `yaml:"api_key,omitempty"`
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:      ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		EnableCORS:   true,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithArchive enables the /api/v1/archive routes.
func WithArchive(a ArchiveReader) Option {
	return func(s *Server) {
		s.archive = a
	}
}

// NewServer creates a new REST API server.
func NewServer(m master.Master, config *Config, opts ...Option) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		ErrorHandler:          customErrorHandler,
		AppName:               "Backtest Engine API",
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		DisableStartupMessage: true,
	})

	server := &Server{
		app:    app,
		master: m,
		config: config,
	}
	for _, opt := range opts {
		opt(server)
	}
	server.logger = logger.OrDefault(server.logger).Named("rest")

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(s.requestLogger())

	if s.config.EnableCORS {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins:     "*",
			AllowMethods:     "GET,POST,DELETE,OPTIONS",
			AllowHeaders:     "Origin,Content-Type,Accept,X-API-Key",
			AllowCredentials: false,
			MaxAge:           86400,
		}))
	}

	if s.config.APIKey != "" {
		s.app.Use(s.apiKeyAuth)
	}
}

// requestLogger 以 zap 记录每个请求
func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		s.logger.Debug("request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)))
		return err
	}
}

// apiKeyAuth validates API key authentication.
func (s *Server) apiKeyAuth(c *fiber.Ctx) error {
	// 健康检查免认证
	path := c.Path()
	if path == "/health" || path == "/api/v1/health" {
		return c.Next()
	}

	apiKey := c.Get("X-API-Key")
	if apiKey == "" {
		apiKey = c.Query("api_key")
	}
	if apiKey == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
			Error:   "unauthorized",
			Message: "API key is required",
		})
	}
	if apiKey != s.config.APIKey {
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
			Error:   "unauthorized",
			Message: "Invalid API key",
		})
	}
	return c.Next()
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)

	api := s.app.Group("/api/v1")
	api.Get("/health", s.healthCheck)

	api.Get("/strategies", s.listStrategies)
	api.Get("/strategies/:id", s.getStrategy)

	api.Post("/runs", s.submitRun)
	api.Get("/runs", s.listRuns)
	api.Get("/runs/:id", s.getRun)
	api.Delete("/runs/:id", s.cancelRun)
	api.Get("/runs/:id/report", s.getReport)
	api.Get("/runs/:id/rank", s.getRanking)
	api.Get("/runs/:id/snapshot", s.getSnapshot)

	api.Get("/workers", s.listWorkers)

	if s.archive != nil {
		api.Get("/archive", s.listArchive)
		api.Get("/archive/:id", s.getArchive)
	}
}

// Start starts the REST API server.
func (s *Server) Start() error {
	return s.app.Listen(s.config.Address)
}

// StartWithContext starts the REST API server and shuts it down when ctx is done.
func (s *Server) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.app.Listen(s.config.Address)
	}()

	select {
	case <-ctx.Done():
		return s.ShutdownWithTimeout(10 * time.Second)
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// ShutdownWithTimeout gracefully shuts down the server with a timeout.
func (s *Server) ShutdownWithTimeout(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// statusOf maps engine errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, types.ErrRunNotFound), errors.Is(err, store.ErrRunNotArchived):
		return fiber.StatusNotFound
	case errors.Is(err, types.ErrRunNotComplete), errors.Is(err, types.ErrTooManyRuns):
		return fiber.StatusConflict
	case types.IsConfigError(err):
		return fiber.StatusBadRequest
	case errors.Is(err, types.ErrEngineStopped), errors.Is(err, types.ErrBackendClosed):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// errorCode is the machine-readable error field of a response.
func errorCode(err error) string {
	switch {
	case errors.Is(err, types.ErrRunNotFound), errors.Is(err, store.ErrRunNotArchived):
		return "not_found"
	case errors.Is(err, types.ErrRunNotComplete):
		return "run_not_complete"
	case errors.Is(err, types.ErrTooManyRuns):
		return "too_many_runs"
	case types.IsConfigError(err):
		return "invalid_config"
	case errors.Is(err, types.ErrEngineStopped), errors.Is(err, types.ErrBackendClosed):
		return "unavailable"
	default:
		return "internal_error"
	}
}

// writeError renders an engine error.
func writeError(c *fiber.Ctx, err error) error {
	return c.Status(statusOf(err)).JSON(ErrorResponse{
		Error:   errorCode(err),
		Message: err.Error(),
	})
}

// customErrorHandler handles errors returned by handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}
