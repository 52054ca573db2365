package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/aether/pkg/metrics"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/orchestrator"
	"github.com/dukex/aether/pkg/web"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRuns struct {
	storeOK bool
}

func (stubRuns) StartRun(context.Context, orchestrator.StartRunRequest) (*models.Run, error) {
	return nil, nil
}

func (stubRuns) GetRun(context.Context, string) (*models.Run, error) { return nil, nil }

func (stubRuns) ListRuns(context.Context) ([]*models.Run, error) { return []*models.Run{}, nil }

func (stubRuns) CancelRun(context.Context, string) (*models.Run, error) { return nil, nil }

func (s stubRuns) Health(context.Context) orchestrator.HealthReport {
	return orchestrator.HealthReport{OK: s.storeOK, Store: orchestrator.ComponentHealth{OK: s.storeOK}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestApp(storeOK bool) (*fiber.App, *metrics.Recorder) {
	recorder := metrics.NewRecorder()

	api := NewAPI(testLogger(), web.Services{
		Runs:    stubRuns{storeOK: storeOK},
		Metrics: recorder,
	}, recorder.Registry(), "")

	return api.App(), recorder
}

func get(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestAPI_RootEndpoint(t *testing.T) {
	app, _ := setupTestApp(true)

	status, body := get(t, app, "/")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Aether API", body)
}

func TestAPI_HealthCheck(t *testing.T) {
	app, _ := setupTestApp(true)

	status, body := get(t, app, "/livez")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)
}

func TestAPI_Readiness(t *testing.T) {
	tests := []struct {
		name    string
		storeOK bool
		status  int
	}{
		{name: "store reachable", storeOK: true, status: http.StatusOK},
		{name: "store down", storeOK: false, status: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _ := setupTestApp(tt.storeOK)

			status, _ := get(t, app, "/readyz")
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestAPI_PrometheusMetrics(t *testing.T) {
	app, recorder := setupTestApp(true)

	recorder.RecordProviderCall(metrics.ProviderCall{
		Provider:  "glm",
		Operation: "plan",
		Success:   true,
		Latency:   120 * time.Millisecond,
	})

	status, body := get(t, app, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `aether_provider_calls_total{operation="plan",outcome="success",provider="glm"} 1`)
}

func TestAPI_MountsRunRoutes(t *testing.T) {
	app, _ := setupTestApp(true)

	status, body := get(t, app, "/api/runs")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"runs":[]}`, body)
}

func TestServer_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	workspace := filepath.Join(dir, "workspace")

	srv, err := newServer(t.Context(), serverConfig{
		DataDir:   filepath.Join(dir, "data"),
		EventBus:  "gochannel",
		Workspace: workspace,
		APIKey:    "secret",
	}, testLogger())
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(workspace, "generated_addons"))

	status, body := get(t, srv.api.app, "/api/runs")
	assert.Equal(t, http.StatusOK, status)

	var runs web.RunsResponse
	require.NoError(t, json.Unmarshal([]byte(body), &runs))
	assert.Empty(t, runs.Runs)

	status, _ = get(t, srv.api.app, "/api/audit/verify")
	assert.Equal(t, http.StatusOK, status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, srv.Close(ctx))

	_, err = os.Stat(filepath.Join(dir, "data", "store"))
	assert.NoError(t, err)
}
