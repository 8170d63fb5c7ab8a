// Package api implements the status surface: a small HTTP endpoint
// exposing the most recent assembly run's counters and failed-modules
// list as JSON, for external tooling to poll.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/modbridge/overlayd/internal/orchestrator"
)

// RunStatus is the JSON document GET /status returns, a snapshot of one
// completed assembly run.
type RunStatus struct {
	RunID          string    `json:"run_id"`
	CompletedAt    time.Time `json:"completed_at"`
	DurationMs     int64     `json:"duration_ms"`
	Success        bool      `json:"success"`
	ModulesPresent bool      `json:"modules_present"`
	ModulesTotal   int       `json:"modules_total"`
	NodesTotal     int       `json:"nodes_total"`
	NodesMounted   int       `json:"nodes_mounted"`
	NodesSkipped   int       `json:"nodes_skipped"`
	NodesWhiteout  int       `json:"nodes_whiteout"`
	NodesFail      int       `json:"nodes_fail"`
	FailedModules  []string  `json:"failed_modules"`
	ExtraParts     []string  `json:"extra_partitions,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// StatusService holds the last recorded run for the status endpoints.
type StatusService struct {
	log *slog.Logger

	mu   sync.RWMutex
	last *RunStatus
}

// New creates a StatusService with no run recorded yet.
func New(log *slog.Logger) *StatusService {
	return &StatusService{log: log}
}

// RecordRun stores the outcome of one assembly pass for /status to serve.
func (s *StatusService) RecordRun(runID string, res *orchestrator.Result, runErr error) {
	status := &RunStatus{
		RunID:       runID,
		CompletedAt: time.Now(),
		Success:     runErr == nil,
	}
	if runErr != nil {
		status.Error = runErr.Error()
	}
	if res != nil {
		status.DurationMs = res.Duration.Milliseconds()
		status.ModulesPresent = res.ModulesPresent
		status.ModulesTotal = res.Stats.ModulesTotal
		status.NodesTotal = res.Stats.NodesTotal
		status.NodesMounted = res.Stats.NodesMounted
		status.NodesSkipped = res.Stats.NodesSkipped
		status.NodesWhiteout = res.Stats.NodesWhiteout
		status.NodesFail = res.Stats.NodesFail
		status.FailedModules = res.FailedModules
		status.ExtraParts = res.ExtraParts
	}

	s.mu.Lock()
	s.last = status
	s.mu.Unlock()
}

// GetStatus serves the most recent run, or 404 if none has completed.
func (s *StatusService) GetStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if last == nil {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "no run recorded"})
		return
	}
	if err := json.NewEncoder(w).Encode(last); err != nil {
		s.log.ErrorContext(r.Context(), "failed to encode status response", "error", err)
	}
}

// GetHealth implements health check endpoint
func (s *StatusService) GetHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
