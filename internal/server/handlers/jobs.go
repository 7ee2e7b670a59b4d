package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/goscribe/internal/errors"
	"github.com/3leaps/goscribe/pkg/brief"
	"github.com/3leaps/goscribe/pkg/events"
	"github.com/3leaps/goscribe/pkg/pipeline"
	"github.com/3leaps/goscribe/pkg/store"
)

// maxBriefBytes bounds POST /v1/jobs bodies.
const maxBriefBytes = 1 << 20

// DefaultHeartbeat is the SSE keep-alive interval.
const DefaultHeartbeat = 15 * time.Second

// JobService is the job lifecycle API the handlers expose. It is satisfied
// by *orchestrator.Manager.
type JobService interface {
	CreateJob(ctx context.Context, b pipeline.Brief) (*pipeline.Job, error)
	GetJob(ctx context.Context, id string) (*pipeline.Job, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]*pipeline.Job, error)
	Start(ctx context.Context, id string) error
	CancelJob(ctx context.Context, id string) (*pipeline.Job, error)
	ResumeJob(ctx context.Context, id string, raisedBudget *float64) (*pipeline.Job, error)
	GetCostSnapshots(ctx context.Context, id string) ([]pipeline.CostSnapshot, error)
	CheckBudget(ctx context.Context, id string) (pipeline.BudgetStatus, error)
	ListArtifacts(ctx context.Context, id string, f store.ArtifactFilter) ([]*pipeline.Artifact, error)
	GetArtifact(ctx context.Context, id string) (*pipeline.Artifact, error)
	Subscribe(id string) *events.Subscription
}

// Jobs serves the /v1 API.
type Jobs struct {
	svc       JobService
	logger    *zap.Logger
	heartbeat time.Duration
}

// NewJobs returns the /v1 handlers. heartbeat <= 0 uses DefaultHeartbeat.
func NewJobs(svc JobService, logger *zap.Logger, heartbeat time.Duration) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Jobs{svc: svc, logger: logger, heartbeat: heartbeat}
}

// Routes mounts the handlers on r.
func (h *Jobs) Routes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Post("/cancel", h.Cancel)
			r.Post("/resume", h.Resume)
			r.Get("/events", h.Events)
			r.Get("/costs", h.Costs)
			r.Get("/budget", h.Budget)
			r.Get("/artifacts", h.Artifacts)
		})
	})
	r.Get("/artifacts/{id}", h.Artifact)
}

// Create validates a brief, creates the job and starts it.
func (h *Jobs) Create(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBriefBytes))
	if err != nil {
		respondWithError(w, r, apperrors.BadRequest("read body", err))
		return
	}
	b, err := brief.LoadFromBytes(body, "brief.json")
	if err != nil {
		var verrs brief.ValidationErrors
		if errors.As(err, &verrs) {
			respondWithError(w, r, err)
			return
		}
		respondWithError(w, r, apperrors.BadRequest("invalid brief", err))
		return
	}
	job, err := h.svc.CreateJob(r.Context(), *b)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if r.URL.Query().Get("start") != "false" {
		if err := h.svc.Start(r.Context(), job.ID); err != nil {
			respondWithError(w, r, err)
			return
		}
		if fresh, err := h.svc.GetJob(r.Context(), job.ID); err == nil {
			job = fresh
		}
	}
	h.logger.Info("job submitted", zap.String("job_id", job.ID), zap.String("title", job.Brief.Title))
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusCreated, job)
}

// List returns jobs filtered by ?status=, ?owner= and ?limit=.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.JobFilter{Status: pipeline.JobStatus(q.Get("status")), Owner: q.Get("owner")}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			respondWithError(w, r, apperrors.BadRequest("invalid limit", fmt.Errorf("%q", s)))
			return
		}
		f.Limit = n
	}
	jobs, err := h.svc.ListJobs(r.Context(), f)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*pipeline.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// Get returns one job.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Cancel requests cooperative cancellation.
func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.CancelJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type resumeRequest struct {
	BudgetLimit *float64 `json:"budget_limit"`
}

// Resume restarts a failed job from its latest checkpoint.
func (h *Jobs) Resume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondWithError(w, r, apperrors.BadRequest("invalid resume request", err))
			return
		}
	}
	job, err := h.svc.ResumeJob(r.Context(), chi.URLParam(r, "id"), req.BudgetLimit)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// Costs returns the job's cost snapshots with their total.
func (h *Jobs) Costs(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.svc.GetCostSnapshots(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []pipeline.CostSnapshot{}
	}
	total, tokens := store.SumCosts(snaps)
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps, "total_cost": total, "total_tokens": tokens})
}

// Budget returns limit, used and remaining.
func (h *Jobs) Budget(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.CheckBudget(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Artifacts lists a job's artifacts. ?type= filters by artifact type,
// ?key= is a glob over "<type>/<key>", ?latest=true keeps the newest version
// of each unit.
func (h *Jobs) Artifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ArtifactFilter{
		Type:       pipeline.ArtifactType(q.Get("type")),
		RefGlob:    q.Get("key"),
		LatestOnly: q.Get("latest") == "true",
	}
	if err := f.Validate(); err != nil {
		respondWithError(w, r, apperrors.BadRequest("invalid filter", err))
		return
	}
	arts, err := h.svc.ListArtifacts(r.Context(), chi.URLParam(r, "id"), f)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if arts == nil {
		arts = []*pipeline.Artifact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": arts})
}

// Artifact returns one artifact version.
func (h *Jobs) Artifact(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.GetArtifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Events streams live progress as server-sent events. Each event's id is
// its job sequence number. The stream ends after a terminal event, when the
// client goes away, or when the subscriber falls too far behind.
func (h *Jobs) Events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.svc.GetJob(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	sub := h.svc.Subscribe(id)
	if sub == nil {
		apperrors.WriteError(w, r, http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable,
			"event streaming is not enabled", nil)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Re-read after subscribing so a job that finished in between is seen.
	if fresh, err := h.svc.GetJob(r.Context(), id); err == nil {
		job = fresh
	}
	if job.Status.Terminal() {
		_, _ = fmt.Fprintf(w, ": job %s is %s\n\n", id, job.Status)
		_ = rc.Flush()
		return
	}
	_, _ = fmt.Fprintf(w, ": streaming job %s\n\n", id)
	if err := rc.Flush(); err != nil {
		h.logger.Debug("sse flush unsupported", zap.Error(err))
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case ev, ok := <-sub.C():
			if !ok {
				h.logger.Warn("sse subscriber dropped", zap.String("job_id", id))
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			_ = rc.Flush()
			if ev.Type.Terminal() {
				return
			}
		}
	}
}

func writeSSE(w io.Writer, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}
