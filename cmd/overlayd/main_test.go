package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modbridge/overlayd/cmd/overlayd/api"
	"github.com/modbridge/overlayd/cmd/overlayd/config"
	"github.com/modbridge/overlayd/internal/orchestrator"
	"github.com/modbridge/overlayd/internal/tree"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestRouter(t *testing.T, status *api.StatusService) http.Handler {
	t.Helper()
	cfg := &config.Config{OtelEnabled: false}
	return newRouter(cfg, discardLogger(), status, nil)
}

func TestHealthEndpoint(t *testing.T) {
	status := api.New(discardLogger())
	router := setupTestRouter(t, status)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusBeforeAnyRun(t *testing.T) {
	status := api.New(discardLogger())
	router := setupTestRouter(t, status)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusReflectsRecordedRun(t *testing.T) {
	status := api.New(discardLogger())
	status.RecordRun("run-1", &orchestrator.Result{
		Stats: &tree.Stats{
			ModulesTotal: 2,
			NodesTotal:   7,
			NodesMounted: 5,
			NodesFail:    1,
		},
		FailedModules:  []string{"brokenmod"},
		Duration:       1500 * time.Millisecond,
		ModulesPresent: true,
	}, errors.New("mount executor failed"))

	router := setupTestRouter(t, status)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var got api.RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.False(t, got.Success)
	assert.Equal(t, int64(1500), got.DurationMs)
	assert.Equal(t, 2, got.ModulesTotal)
	assert.Equal(t, 5, got.NodesMounted)
	assert.Equal(t, []string{"brokenmod"}, got.FailedModules)
	assert.Contains(t, got.Error, "mount executor failed")
}

func TestStatusKeepsLatestRunOnly(t *testing.T) {
	status := api.New(discardLogger())
	status.RecordRun("run-1", &orchestrator.Result{Stats: &tree.Stats{}}, nil)
	status.RecordRun("run-2", &orchestrator.Result{Stats: &tree.Stats{NodesMounted: 3}}, nil)

	router := setupTestRouter(t, status)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var got api.RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "run-2", got.RunID)
	assert.True(t, got.Success)
	assert.Equal(t, 3, got.NodesMounted)
}
