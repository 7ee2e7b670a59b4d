// Package orchestrator drives generation jobs. The Manager exposes the job
// lifecycle API; each running job is owned by exactly one state machine that
// walks the configured stage ordering, checkpointing after every stage.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/goscribe/pkg/budget"
	"github.com/3leaps/goscribe/pkg/checkpoint"
	"github.com/3leaps/goscribe/pkg/events"
	"github.com/3leaps/goscribe/pkg/metrics"
	"github.com/3leaps/goscribe/pkg/pipeline"
	"github.com/3leaps/goscribe/pkg/stage"
	"github.com/3leaps/goscribe/pkg/store"
)

// Budget defaults.
const (
	DefaultCeiling      = 25.0
	DefaultMaxCeiling   = 500.0
	DefaultWarnFraction = 0.8
)

// Lock lease defaults. A running job renews its lock every heartbeat
// interval; a lock not renewed within the TTL belongs to a dead runner.
const (
	DefaultLockTTL           = 2 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
)

// Config is the orchestration surface consumed at startup.
type Config struct {
	Stages            []pipeline.StageDef
	DefaultCeiling    float64
	MaxCeiling        float64
	WarnFraction      float64
	LockTTL           time.Duration
	HeartbeatInterval time.Duration
}

// Validate checks the stage ordering, budget bounds and lock lease.
func (c Config) Validate() error {
	if err := pipeline.ValidateOrdering(c.Stages); err != nil {
		return err
	}
	if c.DefaultCeiling <= 0 || c.MaxCeiling <= 0 {
		return fmt.Errorf("budget ceilings must be > 0")
	}
	if c.DefaultCeiling > c.MaxCeiling {
		return fmt.Errorf("default ceiling %.2f exceeds max ceiling %.2f", c.DefaultCeiling, c.MaxCeiling)
	}
	c = c.withDefaults()
	if c.HeartbeatInterval <= 0 || c.LockTTL <= c.HeartbeatInterval {
		return fmt.Errorf("lock ttl %s must exceed heartbeat interval %s", c.LockTTL, c.HeartbeatInterval)
	}
	return budget.Policy{Ceiling: c.DefaultCeiling, WarnFraction: c.WarnFraction}.Validate()
}

func (c Config) withDefaults() Config {
	if c.WarnFraction == 0 {
		c.WarnFraction = DefaultWarnFraction
	}
	if c.LockTTL == 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return c
}

// QuotaChecker is consulted before a job is created.
type QuotaChecker interface {
	CheckQuota(ctx context.Context, owner string, budgetLimit float64) error
}

// QuotaFunc adapts a function to QuotaChecker.
type QuotaFunc func(ctx context.Context, owner string, budgetLimit float64) error

// CheckQuota implements QuotaChecker.
func (f QuotaFunc) CheckQuota(ctx context.Context, owner string, budgetLimit float64) error {
	return f(ctx, owner, budgetLimit)
}

// Publisher exports a completed manuscript.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, job *pipeline.Job, manuscript *pipeline.Artifact) (location string, err error)
}

// Manager owns job lifecycles for one process.
type Manager struct {
	cfg         Config
	repo        store.Repository
	checkpoints checkpoint.Store
	exec        *stage.Executor
	bus         *events.Bus
	sinks       []events.Sink
	publisher   Publisher
	quota       QuotaChecker
	owner       string
	logger      *zap.Logger
	metrics     metrics.Recorder
	now         func() time.Time

	mu      sync.Mutex
	running map[string]*handle
	wg      sync.WaitGroup
}

type handle struct {
	stop     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
	ledger   *budget.Ledger
	lockLost atomic.Bool
}

func (h *handle) requestStop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithBus publishes every event to bus for live subscribers.
func WithBus(b *events.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithSinks adds event sinks (JSONL, Pub/Sub).
func WithSinks(sinks ...events.Sink) Option {
	return func(m *Manager) { m.sinks = append(m.sinks, sinks...) }
}

// WithPublisher exports the manuscript after a job completes.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithQuota installs a quota pre-check for CreateJob.
func WithQuota(q QuotaChecker) Option {
	return func(m *Manager) { m.quota = q }
}

// WithMetrics sets the metrics sink.
func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithOwner sets the lock owner identity; the default is a fresh uuid.
func WithOwner(owner string) Option {
	return func(m *Manager) { m.owner = owner }
}

// NewManager validates cfg and returns a manager.
func NewManager(cfg Config, repo store.Repository, checkpoints checkpoint.Store, exec *stage.Executor, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator config: %w", err)
	}
	m := &Manager{
		cfg:         cfg,
		repo:        repo,
		checkpoints: checkpoints,
		exec:        exec,
		owner:       "goscribe-" + uuid.NewString(),
		logger:      zap.NewNop(),
		metrics:     metrics.Nop(),
		now:         time.Now,
		running:     make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Owner returns the lock owner identity of this manager.
func (m *Manager) Owner() string {
	return m.owner
}

// Stages returns the configured ordering.
func (m *Manager) Stages() []pipeline.StageDef {
	return append([]pipeline.StageDef(nil), m.cfg.Stages...)
}

// CreateJob validates brief, applies the default budget and persists a
// pending job. It does not start it.
func (m *Manager) CreateJob(ctx context.Context, brief pipeline.Brief) (*pipeline.Job, error) {
	limit := brief.BudgetLimit
	if limit == 0 {
		limit = m.cfg.DefaultCeiling
	}
	if err := m.checkCeiling(limit); err != nil {
		return nil, err
	}
	if m.quota != nil {
		if err := m.quota.CheckQuota(ctx, brief.Owner, limit); err != nil {
			return nil, fmt.Errorf("quota check: %w", err)
		}
	}

	now := m.now().UTC()
	brief.BudgetLimit = limit
	job := &pipeline.Job{
		ID:              uuid.NewString(),
		Brief:           brief,
		BudgetLimit:     limit,
		Status:          pipeline.JobPending,
		CompletedStages: []pipeline.Stage{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	m.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("title", brief.Title),
		zap.Float64("budget_limit", limit))
	return job.Clone(), nil
}

func (m *Manager) checkCeiling(limit float64) error {
	if limit <= 0 || limit > m.cfg.MaxCeiling {
		return fmt.Errorf("%w: %.2f must be in (0, %.2f]", ErrInvalidBudget, limit, m.cfg.MaxCeiling)
	}
	return nil
}

// GetJob returns the job. For a job running in this process the cost
// reflects the live ledger.
func (m *Manager) GetJob(ctx context.Context, id string) (*pipeline.Job, error) {
	job, err := m.repo.GetJob(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, err
	}
	if l := m.liveLedger(id); l != nil {
		job.ActualCost, job.TokensUsed = l.Spent()
	}
	return job, nil
}

// ListJobs returns jobs matching f, newest first.
func (m *Manager) ListJobs(ctx context.Context, f store.JobFilter) ([]*pipeline.Job, error) {
	return m.repo.ListJobs(ctx, f)
}

// Start runs the job in the background. It returns once the job lock is
// held; the run itself outlives ctx.
func (m *Manager) Start(ctx context.Context, id string) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h, job, err := m.claim(ctx, id, cancel)
	if err != nil {
		cancel()
		return err
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		if _, err := m.drive(runCtx, h, job); err != nil {
			m.logger.Warn("job run ended with error", zap.String("job_id", id), zap.Error(err))
		}
	}()
	return nil
}

// Run runs the job in the foreground and returns its final state. The
// returned error is non-nil only for failures outside the job itself (lock,
// repository); a job that fails is returned with status failed.
func (m *Manager) Run(ctx context.Context, id string) (*pipeline.Job, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	h, job, err := m.claim(ctx, id, cancel)
	if err != nil {
		return nil, err
	}
	return m.drive(runCtx, h, job)
}

// claim takes the in-process slot and the durable job lock, then re-reads
// the job under the lock so a concurrent cancel or run is never overwritten.
func (m *Manager) claim(ctx context.Context, id string, cancel context.CancelFunc) (*handle, *pipeline.Job, error) {
	job, err := m.GetJob(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := checkRunnable(job); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	if _, busy := m.running[id]; busy {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrJobLocked, id)
	}
	h := &handle{stop: make(chan struct{}), done: make(chan struct{}), cancel: cancel}
	m.running[id] = h
	n := len(m.running)
	m.mu.Unlock()
	m.gauge(metrics.RunningJobsGauge, float64(n))

	if err := m.repo.AcquireJobLock(ctx, id, m.owner); err != nil {
		m.forget(id, h)
		if errors.Is(err, store.ErrLocked) {
			return nil, nil, fmt.Errorf("%w: %s", ErrJobLocked, id)
		}
		return nil, nil, fmt.Errorf("acquire job lock: %w", err)
	}

	job, err = m.repo.GetJob(ctx, id)
	if err == nil {
		err = checkRunnable(job)
	}
	if err != nil {
		m.releaseLock(ctx, id)
		m.forget(id, h)
		return nil, nil, err
	}
	return h, job, nil
}

func checkRunnable(job *pipeline.Job) error {
	switch job.Status {
	case pipeline.JobPending, pipeline.JobFailed:
	case pipeline.JobRunning:
		return fmt.Errorf("%w: %s", ErrJobLocked, job.ID)
	default:
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, job.ID, job.Status)
	}
	if job.Status == pipeline.JobFailed && job.Failure != nil && job.Failure.Category == pipeline.FailureCheckpointCorrupt {
		return fmt.Errorf("%w: %s has a corrupt checkpoint", ErrNotResumable, job.ID)
	}
	return nil
}

func (m *Manager) releaseLock(ctx context.Context, id string) {
	if err := m.repo.ReleaseJobLock(context.WithoutCancel(ctx), id, m.owner); err != nil {
		m.logger.Warn("release job lock failed", zap.String("job_id", id), zap.Error(err))
	}
}

func (m *Manager) forget(id string, h *handle) {
	m.mu.Lock()
	if m.running[id] == h {
		delete(m.running, id)
	}
	n := len(m.running)
	m.mu.Unlock()
	m.gauge(metrics.RunningJobsGauge, float64(n))
	close(h.done)
}

func (m *Manager) count(name string, value float64, tags metrics.Tags) {
	if err := m.metrics.Counter(name, value, tags); err != nil {
		m.logger.Debug("metric emit failed", zap.String("metric", name), zap.Error(err))
	}
}

func (m *Manager) observe(name string, d time.Duration, tags metrics.Tags) {
	if err := m.metrics.Histogram(name, d, tags); err != nil {
		m.logger.Debug("metric emit failed", zap.String("metric", name), zap.Error(err))
	}
}

func (m *Manager) gauge(name string, value float64) {
	if err := m.metrics.Gauge(name, value, nil); err != nil {
		m.logger.Debug("metric emit failed", zap.String("metric", name), zap.Error(err))
	}
}

func (m *Manager) handle(id string) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[id]
}

func (m *Manager) liveLedger(id string) *budget.Ledger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.running[id]; h != nil {
		return h.ledger
	}
	return nil
}

func (m *Manager) setLedger(h *handle, l *budget.Ledger) {
	m.mu.Lock()
	h.ledger = l
	m.mu.Unlock()
}

// drive runs the state machine and always releases the lock.
func (m *Manager) drive(ctx context.Context, h *handle, job *pipeline.Job) (*pipeline.Job, error) {
	defer m.forget(job.ID, h)
	defer m.releaseLock(ctx, job.ID)
	stop := m.startHeartbeat(h, job.ID)
	defer stop()

	sm := &machine{m: m, h: h, job: job}
	return sm.run(ctx)
}

// startHeartbeat renews the job lock until the returned func is called. A
// renewal that finds the lock taken interrupts the run.
func (m *Manager) startHeartbeat(h *handle, id string) func() {
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	quit := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-quit:
				return
			case <-t.C:
				err := m.repo.HeartbeatJobLock(context.Background(), id, m.owner)
				if errors.Is(err, store.ErrLocked) {
					m.logger.Error("job lock lost, interrupting run", zap.String("job_id", id), zap.Error(err))
					h.lockLost.Store(true)
					h.cancel()
					return
				}
				if err != nil {
					m.logger.Warn("job lock heartbeat failed", zap.String("job_id", id), zap.Error(err))
				}
			}
		}
	}()

	return func() {
		t.Stop()
		close(quit)
		<-stopped
	}
}

// CancelJob requests cooperative cancellation. A pending job is cancelled
// immediately; a running job stops at the next stage or unit boundary.
func (m *Manager) CancelJob(ctx context.Context, id string) (*pipeline.Job, error) {
	if h := m.handle(id); h != nil {
		return m.requestStop(ctx, h, id)
	}
	job, err := m.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case pipeline.JobPending:
		return m.cancelPending(ctx, id)
	case pipeline.JobRunning:
		return nil, fmt.Errorf("%w: %s is running under another process", ErrJobLocked, id)
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrJobFinished, id, job.Status)
	}
}

func (m *Manager) requestStop(ctx context.Context, h *handle, id string) (*pipeline.Job, error) {
	h.requestStop()
	m.logger.Info("cancellation requested", zap.String("job_id", id))
	return m.GetJob(ctx, id)
}

// cancelPending holds the job lock while it cancels, so a runner starting
// concurrently sees the cancellation.
func (m *Manager) cancelPending(ctx context.Context, id string) (*pipeline.Job, error) {
	h, job, err := m.claim(ctx, id, func() {})
	if err != nil {
		if errors.Is(err, ErrJobLocked) {
			if running := m.handle(id); running != nil {
				return m.requestStop(ctx, running, id)
			}
		}
		return nil, err
	}
	defer m.forget(id, h)
	defer m.releaseLock(ctx, id)
	if job.Status != pipeline.JobPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobFinished, id, job.Status)
	}

	now := m.now().UTC()
	job.Status = pipeline.JobCancelled
	job.EndedAt = &now
	job.UpdatedAt = now
	if err := m.repo.UpdateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	em := m.emitter(job)
	em.Emit(ctx, events.Event{Type: events.TypeJobCancelled, Message: "cancelled before start"}, nil)
	job.EventSeq = em.Seq()
	if err := m.repo.UpdateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

// PrepareResume checks that a failed job may resume and applies a raised
// budget. A budget-exhausted job needs raisedBudget above its current limit.
func (m *Manager) PrepareResume(ctx context.Context, id string, raisedBudget *float64) (*pipeline.Job, error) {
	job, err := m.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != pipeline.JobFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotResumable, id, job.Status)
	}
	cat := pipeline.FailureCategory("")
	if job.Failure != nil {
		cat = job.Failure.Category
	}
	if cat == pipeline.FailureCheckpointCorrupt {
		return nil, fmt.Errorf("%w: %s has a corrupt checkpoint", ErrNotResumable, id)
	}
	if raisedBudget != nil {
		if err := m.checkCeiling(*raisedBudget); err != nil {
			return nil, err
		}
		if *raisedBudget < job.BudgetLimit {
			return nil, fmt.Errorf("%w: %.2f is below the current limit %.2f", ErrInvalidBudget, *raisedBudget, job.BudgetLimit)
		}
	}
	if cat == pipeline.FailureBudgetExceeded && (raisedBudget == nil || *raisedBudget <= job.BudgetLimit) {
		return nil, fmt.Errorf("%w: limit is %.2f", ErrBudgetNotRaised, job.BudgetLimit)
	}
	if raisedBudget != nil && *raisedBudget != job.BudgetLimit {
		job.BudgetLimit = *raisedBudget
		job.Brief.BudgetLimit = *raisedBudget
		job.UpdatedAt = m.now().UTC()
		if err := m.repo.UpdateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("update job: %w", err)
		}
	}
	return job, nil
}

// ResumeJob prepares a failed job and restarts it in the background from
// its latest checkpoint.
func (m *Manager) ResumeJob(ctx context.Context, id string, raisedBudget *float64) (*pipeline.Job, error) {
	if _, err := m.PrepareResume(ctx, id, raisedBudget); err != nil {
		return nil, err
	}
	if err := m.Start(ctx, id); err != nil {
		return nil, err
	}
	return m.GetJob(ctx, id)
}

// GetCostSnapshots returns the append-only cost history of a job.
func (m *Manager) GetCostSnapshots(ctx context.Context, id string) ([]pipeline.CostSnapshot, error) {
	if _, err := m.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return m.repo.ListCostSnapshots(ctx, id)
}

// CheckBudget reports limit, used and remaining for a job.
func (m *Manager) CheckBudget(ctx context.Context, id string) (pipeline.BudgetStatus, error) {
	if l := m.liveLedger(id); l != nil {
		return l.Status(), nil
	}
	job, err := m.GetJob(ctx, id)
	if err != nil {
		return pipeline.BudgetStatus{}, err
	}
	snaps, err := m.repo.ListCostSnapshots(ctx, id)
	if err != nil {
		return pipeline.BudgetStatus{}, err
	}
	used, _ := store.SumCosts(snaps)
	return pipeline.NewBudgetStatus(id, job.BudgetLimit, used), nil
}

// ListArtifacts returns the job's artifacts matching f.
func (m *Manager) ListArtifacts(ctx context.Context, id string, f store.ArtifactFilter) ([]*pipeline.Artifact, error) {
	if _, err := m.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return m.repo.ListArtifacts(ctx, id, f)
}

// GetArtifact returns one artifact version.
func (m *Manager) GetArtifact(ctx context.Context, id string) (*pipeline.Artifact, error) {
	return m.repo.GetArtifact(ctx, id)
}

// Subscribe returns a live event subscription for a job, or nil when the
// manager has no bus.
func (m *Manager) Subscribe(id string) *events.Subscription {
	if m.bus == nil {
		return nil
	}
	return m.bus.Subscribe(id)
}

// Wait blocks until the job is no longer running in this process.
func (m *Manager) Wait(ctx context.Context, id string) error {
	h := m.handle(id)
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoverInterrupted marks jobs left running by a dead process as failed
// with category interrupted so they can be resumed. A runner is dead when
// its lock is gone or its heartbeat is older than the lock TTL. It returns
// the number of jobs recovered.
func (m *Manager) RecoverInterrupted(ctx context.Context) (int, error) {
	jobs, err := m.repo.ListJobs(ctx, store.JobFilter{Status: pipeline.JobRunning})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		if m.handle(job.ID) != nil {
			continue
		}
		lock, err := m.repo.JobLock(ctx, job.ID)
		if err != nil {
			return n, err
		}
		if lock.Owner == m.owner {
			continue
		}
		if !lock.Stale(m.now(), m.cfg.LockTTL) {
			m.logger.Debug("job held by a live runner",
				zap.String("job_id", job.ID),
				zap.String("owner", lock.Owner),
				zap.Time("heartbeat_at", lock.HeartbeatAt))
			continue
		}
		owner := lock.Owner
		if err := m.repo.BreakJobLock(ctx, job.ID); err != nil {
			return n, err
		}
		lastSeq := 0
		if cp, err := m.checkpoints.Load(ctx, job.ID); err == nil {
			lastSeq = cp.Seq
		}
		now := m.now().UTC()
		job.Status = pipeline.JobFailed
		job.EndedAt = &now
		job.UpdatedAt = now
		job.Failure = &pipeline.JobFailure{
			Stage:             job.CurrentStage,
			Category:          pipeline.FailureInterrupted,
			Message:           "runner exited while the job was running",
			LastCheckpointSeq: lastSeq,
			CompletedStages:   append([]pipeline.Stage(nil), job.CompletedStages...),
			CostAtFailure:     job.ActualCost,
			OccurredAt:        now,
		}
		em := m.emitter(job)
		em.Emit(ctx, events.Event{Type: events.TypeJobFailed, Stage: job.CurrentStage, Message: job.Failure.Message},
			events.FailureData{Failure: job.Failure})
		job.EventSeq = em.Seq()
		if err := m.repo.UpdateJob(ctx, job); err != nil {
			return n, err
		}
		m.logger.Warn("recovered interrupted job",
			zap.String("job_id", job.ID),
			zap.String("previous_owner", owner),
			zap.String("stage", string(job.CurrentStage)))
		n++
	}
	return n, nil
}

// Shutdown interrupts every running job and waits for the state machines to
// record the interruption.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, h := range m.running {
		h.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) emitter(job *pipeline.Job) *events.Emitter {
	sinks := append([]events.Sink(nil), m.sinks...)
	if m.bus != nil {
		sinks = append(sinks, m.bus)
	}
	return events.NewEmitter(job.ID, job.EventSeq, m.logger, sinks...)
}
