package rest

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"yqhp/backtest-engine/internal/backend"
	"yqhp/backtest-engine/internal/config"
	"yqhp/backtest-engine/internal/store"
	"yqhp/backtest-engine/pkg/types"
)

// healthCheck handles GET /health
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// listStrategies handles GET /api/v1/strategies
func (s *Server) listStrategies(c *fiber.Ctx) error {
	list := s.master.Strategies()
	if list == nil {
		list = []types.StrategySpec{}
	}
	return c.JSON(StrategyListResponse{Strategies: list, Total: len(list)})
}

// getStrategy handles GET /api/v1/strategies/:id
func (s *Server) getStrategy(c *fiber.Ctx) error {
	id := c.Params("id")
	for _, spec := range s.master.Strategies() {
		if spec.ID == id {
			return c.JSON(spec)
		}
	}
	return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
		Error:   "not_found",
		Message: "strategy not found: " + id,
	})
}

// submitRun handles POST /api/v1/runs
func (s *Server) submitRun(c *fiber.Ctx) error {
	var req RunSubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Failed to parse request body: " + err.Error(),
		})
	}

	var rc *types.RunConfig
	switch {
	case req.YAML != "" && req.Config != nil:
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Only one of 'config' and 'yaml' may be provided",
		})
	case req.YAML != "":
		parsed, err := config.ParseRunConfig([]byte(req.YAML))
		if err != nil {
			return writeError(c, err)
		}
		rc = parsed
	case req.Config != nil:
		rc = req.Config
	default:
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Either 'config' or 'yaml' must be provided",
		})
	}

	runID, err := s.master.Start(c.UserContext(), *rc)
	if err != nil {
		return writeError(c, err)
	}
	progress, err := s.master.Progress(runID)
	if err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(RunSubmitResponse{
		RunID:  runID,
		Status: progress.Status,
		Total:  progress.Total,
	})
}

// listRuns handles GET /api/v1/runs
func (s *Server) listRuns(c *fiber.Ctx) error {
	runs := s.master.ListRuns()
	if runs == nil {
		runs = []types.Progress{}
	}
	return c.JSON(RunListResponse{Runs: runs, Total: len(runs)})
}

// getRun handles GET /api/v1/runs/:id
func (s *Server) getRun(c *fiber.Ctx) error {
	progress, err := s.master.Progress(c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(progress)
}

// cancelRun handles DELETE /api/v1/runs/:id
func (s *Server) cancelRun(c *fiber.Ctx) error {
	runID := c.Params("id")
	if err := s.master.Cancel(runID); err != nil {
		return writeError(c, err)
	}
	return c.JSON(SuccessResponse{
		Success: true,
		Message: "run " + runID + " cancelling",
	})
}

// getReport handles GET /api/v1/runs/:id/report?partial=true
func (s *Server) getReport(c *fiber.Ctx) error {
	report, err := s.master.Report(c.Params("id"), c.QueryBool("partial", false))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(report)
}

// getRanking handles GET /api/v1/runs/:id/rank?metric=sharpe&order=desc&limit=10
func (s *Server) getRanking(c *fiber.Ctx) error {
	runID := c.Params("id")
	metric := c.Query("metric", types.MetricSharpe)
	order := types.SortOrder(c.Query("order", string(types.OrderDesc)))
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "limit must be non-negative",
		})
	}

	rankings, err := s.master.Rank(runID, metric, order, limit)
	if err != nil {
		return writeError(c, err)
	}
	if rankings == nil {
		rankings = []types.RankedResult{}
	}
	return c.JSON(RankingResponse{
		RunID:    runID,
		Metric:   metric,
		Order:    order,
		Rankings: rankings,
	})
}

// getSnapshot handles GET /api/v1/runs/:id/snapshot
func (s *Server) getSnapshot(c *fiber.Ctx) error {
	snap, err := s.master.Snapshot(c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(snap)
}

// listWorkers handles GET /api/v1/workers
func (s *Server) listWorkers(c *fiber.Ctx) error {
	workers, err := s.master.Workers(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}
	if workers == nil {
		workers = []backend.WorkerInfo{}
	}
	return c.JSON(WorkerListResponse{Workers: workers, Total: len(workers)})
}

// listArchive handles GET /api/v1/archive
func (s *Server) listArchive(c *fiber.Ctx) error {
	runs, err := s.archive.ListRuns(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}
	if runs == nil {
		runs = []store.ArchivedRun{}
	}
	return c.JSON(ArchiveListResponse{Runs: runs, Total: len(runs)})
}

// getArchive handles GET /api/v1/archive/:id
func (s *Server) getArchive(c *fiber.Ctx) error {
	snap, report, err := s.archive.LoadRun(c.UserContext(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(ArchiveResponse{Snapshot: snap, Report: report})
}
