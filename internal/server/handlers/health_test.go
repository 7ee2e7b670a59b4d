package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	err error
}

func (s stubChecker) CheckHealth(ctx context.Context) error {
	return s.err
}

func TestHealthHandlerReturnsHealthyStatus(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("ok", stubChecker{})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "healthy", resp.Checks["ok"])
}

func TestHealthHandlerReturnsServiceUnavailableWhenUnhealthy(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("store", stubChecker{err: errors.New("down")})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)

	checks, ok := resp.Error.Details["checks"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "unhealthy", checks["store"])
}

func TestHealthCheckTimeoutIsDegraded(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.timeout = 10 * time.Millisecond
	manager.RegisterChecker("slow", HealthCheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "timeout", resp.Checks["slow"])
}

func TestDetermineOverallStatus(t *testing.T) {
	manager := NewHealthManager("dev")
	assert.Equal(t, "degraded", manager.determineOverallStatus(map[string]string{"store": "timeout"}))
	assert.Equal(t, "unhealthy", manager.determineOverallStatus(map[string]string{"a": "timeout", "b": "unhealthy"}))
	assert.Equal(t, "healthy", manager.determineOverallStatus(nil))
}

func TestGlobalHandlers(t *testing.T) {
	original := GetHealthManager()
	defer func() {
		globalMu.Lock()
		globalHealthManager = original
		globalMu.Unlock()
	}()

	InitHealthManager("test-version")
	require.NotNil(t, GetHealthManager())

	for path, h := range map[string]http.HandlerFunc{
		"/health":         HealthHandler,
		"/health/live":    LivenessHandler,
		"/health/ready":   ReadinessHandler,
		"/health/startup": StartupHandler,
	} {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestGlobalHandlers_WhenNotInitialized(t *testing.T) {
	original := GetHealthManager()
	defer func() {
		globalMu.Lock()
		globalHealthManager = original
		globalMu.Unlock()
	}()
	globalMu.Lock()
	globalHealthManager = nil
	globalMu.Unlock()

	rec := httptest.NewRecorder()
	HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestVersionHandler(t *testing.T) {
	SetVersionInfo("1.4.0", "abc123", "2026-10-01")
	defer SetVersionInfo("dev", "unknown", "unknown")

	rec := httptest.NewRecorder()
	VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	var v VersionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	assert.Equal(t, "1.4.0", v.Version)
	assert.Equal(t, "abc123", v.Commit)
	assert.NotEmpty(t, v.GoVersion)
}
