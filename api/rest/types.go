package rest

import (
	"yqhp/backtest-engine/internal/backend"
	"yqhp/backtest-engine/internal/store"
	"yqhp/backtest-engine/pkg/types"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SuccessResponse represents a generic success response.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// RunSubmitRequest represents a run submission. Exactly one of Config and
// YAML must be set.
type RunSubmitRequest struct {
	Config *types.RunConfig `json:"config,omitempty"`
	YAML   string           `json:"yaml,omitempty"`
}

// RunSubmitResponse represents a run submission response.
type RunSubmitResponse struct {
	RunID  string          `json:"run_id"`
	Status types.RunStatus `json:"status"`
	Total  int             `json:"total"`
}

// RunListResponse represents a list of runs.
type RunListResponse struct {
	Runs  []types.Progress `json:"runs"`
	Total int              `json:"total"`
}

// StrategyListResponse represents a list of strategies.
type StrategyListResponse struct {
	Strategies []types.StrategySpec `json:"strategies"`
	Total      int                  `json:"total"`
}

// RankingResponse represents a ranking query result.
type RankingResponse struct {
	RunID    string               `json:"run_id"`
	Metric   string               `json:"metric"`
	Order    types.SortOrder      `json:"order"`
	Rankings []types.RankedResult `json:"rankings"`
}

// WorkerListResponse represents the live workers.
type WorkerListResponse struct {
	Workers []backend.WorkerInfo `json:"workers"`
	Total   int                  `json:"total"`
}

// ArchiveListResponse represents archived runs.
type ArchiveListResponse struct {
	Runs  []store.ArchivedRun `json:"runs"`
	Total int                 `json:"total"`
}

// ArchiveResponse represents one archived run.
type ArchiveResponse struct {
	Snapshot *types.RunSnapshot `json:"snapshot"`
	Report   *types.Report      `json:"report,omitempty"`
}
