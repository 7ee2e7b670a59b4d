package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/goscribe/internal/errors"
	"github.com/3leaps/goscribe/internal/server/handlers"
	"github.com/3leaps/goscribe/internal/server/middleware"
	"github.com/3leaps/goscribe/pkg/agent"
	"github.com/3leaps/goscribe/pkg/checkpoint"
	"github.com/3leaps/goscribe/pkg/events"
	"github.com/3leaps/goscribe/pkg/llm"
	"github.com/3leaps/goscribe/pkg/orchestrator"
	"github.com/3leaps/goscribe/pkg/pipeline"
	"github.com/3leaps/goscribe/pkg/quality"
	"github.com/3leaps/goscribe/pkg/stage"
	"github.com/3leaps/goscribe/pkg/store"
	"github.com/3leaps/goscribe/pkg/tier"
)

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.Equal(t, rec.Header().Get(middleware.RequestIDHeader), body.Error.RequestID)
}

func TestServer_Port(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"default port", 8080},
		{"custom port", 9000},
		{"zero port", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New("127.0.0.1", tt.port)
			assert.Equal(t, tt.port, srv.Port())
		})
	}
}

func TestServer_Addr(t *testing.T) {
	assert.Equal(t, "localhost:8080", New("localhost", 8080).Addr())
	assert.Equal(t, "[::1]:9000", New("::1", 9000).Addr())
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0)

	// POST to a GET-only endpoint should return 405
	req := httptest.NewRequest(http.MethodPost, "/version", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestServer_RoutesRegistered(t *testing.T) {
	handlers.InitHealthManager("test")
	srv := New("127.0.0.1", 0)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/startup", "/version"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestServer_JobsNotMountedWithoutService(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func newManager(t *testing.T) *orchestrator.Manager {
	t.Helper()
	sel, err := tier.New([]tier.Model{
		{Tier: pipeline.TierEconomy, ID: "small", OutputPer1K: 0.01},
		{Tier: pipeline.TierBalanced, ID: "medium", OutputPer1K: 0.01},
		{Tier: pipeline.TierPremium, ID: "large", OutputPer1K: 0.01},
	})
	require.NoError(t, err)
	inv := agent.NewInvoker(llm.NewScripted(), sel, agent.Config{
		CallTimeout: time.Second, MaxAttempts: 2, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond,
	})
	gate, err := quality.NewGate(quality.DefaultConfig())
	require.NoError(t, err)

	repo := store.NewMemoryRepository()
	cfg := stage.DefaultConfig()
	cfg.DefaultMaxTokens = 1000
	exec, err := stage.New(inv, gate, repo, cfg)
	require.NoError(t, err)

	defs, err := pipeline.ResolveStages([]string{"STRUCTURE", "PLAN", "QA"})
	require.NoError(t, err)
	for i := range defs {
		defs[i].QualityGate = false
		defs[i].FanOut = pipeline.FanOutNone
	}
	mgr, err := orchestrator.NewManager(orchestrator.Config{
		Stages:         defs,
		DefaultCeiling: orchestrator.DefaultCeiling,
		MaxCeiling:     orchestrator.DefaultMaxCeiling,
		WarnFraction:   orchestrator.DefaultWarnFraction,
	}, repo, checkpoint.NewMemoryStore(), exec, orchestrator.WithBus(events.NewBus(0, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return mgr
}

func TestServer_JobLifecycle(t *testing.T) {
	mgr := newManager(t)
	srv := New("127.0.0.1", 0, WithJobs(mgr), WithHeartbeat(50*time.Millisecond))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	brief := `{"title":"Harbor Lights","genre":"mystery","target_words":40000,"premise":"A storm strands a town.","budget_limit":5}`
	resp, err := http.Post(ts.URL+"/v1/jobs", "application/json", strings.NewReader(brief))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var job pipeline.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	require.NotEmpty(t, job.ID)
	assert.Equal(t, 5.0, job.BudgetLimit)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.Wait(ctx, job.ID))

	getJSON := func(path string, v any) int {
		t.Helper()
		r, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer r.Body.Close()
		if v != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(v))
		}
		return r.StatusCode
	}

	var done pipeline.Job
	require.Equal(t, http.StatusOK, getJSON("/v1/jobs/"+job.ID, &done))
	assert.Equal(t, pipeline.JobCompleted, done.Status)
	assert.Equal(t, []pipeline.Stage{pipeline.StageStructure, pipeline.StagePlan, pipeline.StageQA}, done.CompletedStages)

	var arts struct {
		Artifacts []pipeline.Artifact `json:"artifacts"`
	}
	require.Equal(t, http.StatusOK, getJSON("/v1/jobs/"+job.ID+"/artifacts?type=outline", &arts))
	require.Len(t, arts.Artifacts, 1)
	assert.Equal(t, pipeline.ArtifactOutline, arts.Artifacts[0].Type)

	var costs struct {
		Snapshots []pipeline.CostSnapshot `json:"snapshots"`
	}
	require.Equal(t, http.StatusOK, getJSON("/v1/jobs/"+job.ID+"/costs", &costs))
	assert.Len(t, costs.Snapshots, 3)

	var st pipeline.BudgetStatus
	require.Equal(t, http.StatusOK, getJSON("/v1/jobs/"+job.ID+"/budget", &st))
	assert.Equal(t, 5.0, st.Limit)
	assert.False(t, st.Exceeded)

	// A completed job cannot be cancelled or resumed.
	r, err := http.Post(ts.URL+"/v1/jobs/"+job.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusConflict, r.StatusCode)

	r, err = http.Post(ts.URL+"/v1/jobs/"+job.ID+"/resume", "application/json", nil)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusConflict, r.StatusCode)
}

func TestServer_RejectsBudgetAboveCeiling(t *testing.T) {
	srv := New("127.0.0.1", 0, WithJobs(newManager(t)))

	brief := `{"title":"Harbor","genre":"mystery","target_words":40000,"premise":"p","budget_limit":100000}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(brief)))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "INVALID_BUDGET", body.Error.Code)
}

func TestServer_ShutdownEndsEventStreams(t *testing.T) {
	mgr := newManager(t)
	srv := New("127.0.0.1", 0, WithJobs(mgr), WithHeartbeat(10*time.Millisecond))

	job, err := mgr.CreateJob(context.Background(), pipeline.Brief{
		Title: "Harbor", Genre: "mystery", ProductionType: pipeline.ProductionNovel,
		TargetWords: 40_000, Premise: "A storm strands a town.",
	})
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(srv.Handler())
	ts.Config = srv.httpServer
	ts.Start()
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/" + job.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}
