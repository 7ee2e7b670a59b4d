package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goscribe/pkg/agent"
	"github.com/3leaps/goscribe/pkg/checkpoint"
	"github.com/3leaps/goscribe/pkg/events"
	"github.com/3leaps/goscribe/pkg/llm"
	"github.com/3leaps/goscribe/pkg/metrics"
	"github.com/3leaps/goscribe/pkg/pipeline"
	"github.com/3leaps/goscribe/pkg/quality"
	"github.com/3leaps/goscribe/pkg/stage"
	"github.com/3leaps/goscribe/pkg/store"
	"github.com/3leaps/goscribe/pkg/tier"
)

const failingVerdict = `{"coherence":0.4,"logic":0.9,"psychology":0.9,"temporal_consistency":0.9,"issues":["the harbor moves between scenes"]}`

type fixture struct {
	t    *testing.T
	repo *store.MemoryRepository
	cps  *checkpoint.MemoryStore
	exec *stage.Executor
	mgr  *Manager

	mu     sync.Mutex
	events []events.Event
}

type fixtureOptions struct {
	provider   llm.Provider
	execCfg    func(*stage.Config)
	managerCfg func(*Config)
	managerOp  []Option
	// wrapRepo decorates the memory repository seen by the executor and manager.
	wrapRepo func(*store.MemoryRepository) store.Repository
}

// Every tier costs $1 per 1000 output tokens and nothing for input, so a
// step's TokensOut sets its price exactly.
func flatModels() []tier.Model {
	return []tier.Model{
		{Tier: pipeline.TierEconomy, ID: "small", OutputPer1K: 1},
		{Tier: pipeline.TierBalanced, ID: "medium", OutputPer1K: 1},
		{Tier: pipeline.TierPremium, ID: "large", OutputPer1K: 1},
	}
}

func newFixture(t *testing.T, stages []pipeline.StageDef, o fixtureOptions) *fixture {
	t.Helper()
	sel, err := tier.New(flatModels())
	require.NoError(t, err)
	inv := agent.NewInvoker(o.provider, sel, agent.Config{
		CallTimeout: time.Second, MaxAttempts: 2, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond,
	})
	gate, err := quality.NewGate(quality.DefaultConfig())
	require.NoError(t, err)

	cfg := stage.DefaultConfig()
	cfg.DefaultMaxTokens = 1000
	if o.execCfg != nil {
		o.execCfg(&cfg)
	}
	f := &fixture{t: t, repo: store.NewMemoryRepository(), cps: checkpoint.NewMemoryStore()}
	var repo store.Repository = f.repo
	if o.wrapRepo != nil {
		repo = o.wrapRepo(f.repo)
	}
	f.exec, err = stage.New(inv, gate, repo, cfg)
	require.NoError(t, err)

	sink := events.SinkFunc(func(_ context.Context, ev events.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, ev)
		return nil
	})
	opts := append([]Option{WithSinks(sink), WithOwner("test-runner")}, o.managerOp...)
	mcfg := Config{
		Stages:         stages,
		DefaultCeiling: DefaultCeiling,
		MaxCeiling:     DefaultMaxCeiling,
		WarnFraction:   DefaultWarnFraction,
	}
	if o.managerCfg != nil {
		o.managerCfg(&mcfg)
	}
	f.mgr, err = NewManager(mcfg, repo, f.cps, f.exec, opts...)
	require.NoError(t, err)
	return f
}

func (f *fixture) create(limit float64) *pipeline.Job {
	f.t.Helper()
	job, err := f.mgr.CreateJob(context.Background(), pipeline.Brief{
		Title: "Harbor", Genre: "mystery", ProductionType: pipeline.ProductionNovel,
		TargetWords: 40_000, Premise: "A storm strands a town.", BudgetLimit: limit,
	})
	require.NoError(f.t, err)
	return job
}

func (f *fixture) run(id string) *pipeline.Job {
	f.t.Helper()
	job, err := f.mgr.Run(context.Background(), id)
	require.NoError(f.t, err)
	return job
}

func (f *fixture) eventsOf(jobID string, typ events.Type) []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Event
	for _, ev := range f.events {
		if ev.JobID == jobID && (typ == "" || ev.Type == typ) {
			out = append(out, ev)
		}
	}
	return out
}

// sixStages is the first six default stages without fan-out or gating.
func sixStages(t *testing.T) []pipeline.StageDef {
	t.Helper()
	defs, err := pipeline.ResolveStages([]string{"STRUCTURE", "PLAN", "QA", "WORLD", "CHARACTER_PROFILE", "PROSE"})
	require.NoError(t, err)
	for i := range defs {
		defs[i].QualityGate = false
		defs[i].FanOut = pipeline.FanOutNone
	}
	return defs
}

// fanOutStages exercises scene and chapter fan-out through packaging.
func fanOutStages(t *testing.T) []pipeline.StageDef {
	t.Helper()
	var defs []pipeline.StageDef
	for _, n := range []pipeline.Stage{pipeline.StageStructure, pipeline.StagePlan, pipeline.StageProse, pipeline.StageStyle, pipeline.StageDialog, pipeline.StagePackage} {
		d, ok := pipeline.LookupStage(string(n))
		require.True(t, ok)
		d.QualityGate = false
		defs = append(defs, d)
	}
	defs[2].Inputs = []pipeline.ArtifactType{pipeline.ArtifactOutline}
	defs[3].Inputs = []pipeline.ArtifactType{pipeline.ArtifactProse}
	defs[4].Inputs = []pipeline.ArtifactType{pipeline.ArtifactStyled}
	require.NoError(t, pipeline.ValidateOrdering(defs))
	return defs
}

func stageNames(defs []pipeline.StageDef) []pipeline.Stage {
	return pipeline.StageNames(defs)
}

func TestScenarioACompletesWithinBudget(t *testing.T) {
	p := llm.NewScripted().
		On(pipeline.TaskStructure, "", llm.Step{Text: "acts", TokensOut: 5000}).
		On(pipeline.TaskPlan, "", llm.Step{Text: llm.DefaultOutline, TokensOut: 5000}).
		On(pipeline.TaskValidation, "", llm.Step{Text: "no holes", TokensOut: 10_000}).
		On(pipeline.TaskWorld, "", llm.Step{Text: "island", TokensOut: 10_000}).
		On(pipeline.TaskCharacter, "", llm.Step{Text: "Mara", TokensOut: 5000}).
		On(pipeline.TaskProse, "", llm.Step{Text: "prose", TokensOut: 5000})
	defs := sixStages(t)
	f := newFixture(t, defs, fixtureOptions{provider: p})

	job := f.run(f.create(50).ID)

	assert.Equal(t, pipeline.JobCompleted, job.Status)
	assert.InDelta(t, 40.0, job.ActualCost, 1e-9)
	assert.Equal(t, stageNames(defs), job.CompletedStages)
	assert.Nil(t, job.Failure)

	snaps, err := f.mgr.GetCostSnapshots(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, snaps, 6)

	hist, err := f.cps.List(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, hist, 7)
	for i, cp := range hist {
		assert.Equal(t, i, cp.Seq)
		assert.Equal(t, stageNames(defs)[:i], cp.CompletedStages)
	}

	status, err := f.mgr.CheckBudget(context.Background(), job.ID)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, status.Remaining, 1e-9)
	assert.False(t, status.Exceeded)

	assert.Len(t, f.eventsOf(job.ID, events.TypeBudgetWarning), 1)
	assert.Len(t, f.eventsOf(job.ID, events.TypeJobCompleted), 1)
}

func TestScenarioBBudgetDeniesStageThree(t *testing.T) {
	p := llm.NewScripted().
		On(pipeline.TaskStructure, "", llm.Step{Text: "acts", TokensOut: 3000}).
		On(pipeline.TaskPlan, "", llm.Step{Text: llm.DefaultOutline, TokensOut: 3000})
	f := newFixture(t, sixStages(t), fixtureOptions{
		provider: p,
		execCfg: func(c *stage.Config) {
			c.MaxTokens = map[pipeline.TaskKind]int{pipeline.TaskValidation: 15_000}
		},
	})
	ctx := context.Background()

	job := f.run(f.create(10).ID)

	assert.Equal(t, pipeline.JobFailed, job.Status)
	require.NotNil(t, job.Failure)
	assert.Equal(t, pipeline.FailureBudgetExceeded, job.Failure.Category)
	assert.Equal(t, pipeline.StageQA, job.Failure.Stage)
	assert.Equal(t, 2, job.Failure.LastCheckpointSeq)
	assert.InDelta(t, 6.0, job.Failure.CostAtFailure, 1e-9)
	assert.InDelta(t, 6.0, job.ActualCost, 1e-9)
	assert.Equal(t, []pipeline.Stage{pipeline.StageStructure, pipeline.StagePlan}, job.CompletedStages)
	assert.Zero(t, p.CallCount(pipeline.TaskValidation, ""))

	cp, err := f.cps.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Stage{pipeline.StageStructure, pipeline.StagePlan}, cp.CompletedStages)

	// Resume requires a raised ceiling.
	_, err = f.mgr.PrepareResume(ctx, job.ID, nil)
	assert.ErrorIs(t, err, ErrBudgetNotRaised)
	same := 10.0
	_, err = f.mgr.PrepareResume(ctx, job.ID, &same)
	assert.ErrorIs(t, err, ErrBudgetNotRaised)

	raised := 30.0
	_, err = f.mgr.PrepareResume(ctx, job.ID, &raised)
	require.NoError(t, err)
	job = f.run(job.ID)

	assert.Equal(t, pipeline.JobCompleted, job.Status)
	assert.Equal(t, 30.0, job.BudgetLimit)
	assert.Len(t, job.CompletedStages, 6)
	// Checkpointed stages were not re-run.
	assert.Equal(t, 1, p.CallCount(pipeline.TaskStructure, ""))
	assert.Equal(t, 1, p.CallCount(pipeline.TaskPlan, ""))
	assert.Len(t, f.eventsOf(job.ID, events.TypeJobResumed), 1)
}

func TestScenarioCRepairThenPass(t *testing.T) {
	p := llm.NewScripted().On(pipeline.TaskQualityReview, pipeline.MainUnit,
		llm.Step{Text: failingVerdict},
		llm.Step{Text: failingVerdict},
	)
	defs := sixStages(t)
	defs[3].QualityGate = true // WORLD
	sink := metrics.NewCollector()
	f := newFixture(t, defs, fixtureOptions{provider: p, managerOp: []Option{WithMetrics(sink)}})
	ctx := context.Background()

	job := f.run(f.create(50).ID)
	require.Equal(t, pipeline.JobCompleted, job.Status)
	assert.Contains(t, job.CompletedStages, pipeline.StageWorld)

	assert.InDelta(t, 2, sink.CounterValue(metrics.RepairAttempts, metrics.Tags{"stage": "WORLD"}), 1e-9)
	assert.InDelta(t, 2, sink.CounterTotal(metrics.RepairAttempts), 1e-9)
	for _, d := range defs {
		assert.Len(t, sink.Observations(metrics.StageDuration, metrics.Tags{"stage": string(d.Name), "outcome": "completed"}), 1, d.Name)
	}
	assert.InDelta(t, 1, sink.CounterValue(metrics.JobsFinished, metrics.Tags{"status": "completed"}), 1e-9)
	assert.Zero(t, sink.GaugeValue(metrics.RunningJobsGauge, nil))

	snaps, err := f.mgr.GetCostSnapshots(ctx, job.ID)
	require.NoError(t, err)
	generation := 0
	for _, s := range snaps {
		if s.Stage == pipeline.StageWorld && s.Task == pipeline.TaskWorld {
			generation++
		}
	}
	assert.Equal(t, 3, generation)

	cp, err := f.cps.Load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, cp.ArtifactVersion["world/main"])
	assert.Equal(t, 2, cp.RetryCounters[pipeline.RetryCounterKey(pipeline.StageWorld, pipeline.MainUnit, pipeline.CounterRepairs)])
	assert.Len(t, cp.RetryCounters, 1)

	worlds, err := f.mgr.ListArtifacts(ctx, job.ID, store.ArtifactFilter{Type: pipeline.ArtifactWorld})
	require.NoError(t, err)
	require.Len(t, worlds, 3)
	for _, a := range worlds {
		require.NotNil(t, a.Quality)
		if a.Quality.Passed {
			assert.GreaterOrEqual(t, a.Quality.Score, quality.DefaultThreshold)
		}
	}
	assert.Len(t, f.eventsOf(job.ID, events.TypeRepairAttempt), 2)
}

func TestRepairBoundFailsJob(t *testing.T) {
	p := llm.NewScripted().On(pipeline.TaskQualityReview, pipeline.MainUnit,
		llm.Step{Text: failingVerdict},
		llm.Step{Text: failingVerdict},
		llm.Step{Text: failingVerdict},
		llm.Step{Text: failingVerdict},
	)
	defs := sixStages(t)
	defs[3].QualityGate = true
	f := newFixture(t, defs, fixtureOptions{provider: p})

	job := f.run(f.create(50).ID)

	assert.Equal(t, pipeline.JobFailed, job.Status)
	require.NotNil(t, job.Failure)
	assert.Equal(t, pipeline.FailureQualityGate, job.Failure.Category)
	assert.Equal(t, pipeline.StageWorld, job.Failure.Stage)
	assert.Equal(t, pipeline.MainUnit, job.Failure.Unit)
	require.NotNil(t, job.Failure.Quality)
	assert.False(t, job.Failure.Quality.Passed)
	assert.Equal(t, 4, p.CallCount(pipeline.TaskWorld, ""))
	assert.Equal(t, 3, job.Failure.LastCheckpointSeq)

	// Resuming re-runs WORLD from scratch; the rejected drafts are orphans.
	_, err := f.mgr.PrepareResume(context.Background(), job.ID, nil)
	require.NoError(t, err)
	job = f.run(job.ID)
	assert.Equal(t, pipeline.JobCompleted, job.Status)

	orphaned := f.eventsOf(job.ID, events.TypeArtifactsOrphans)
	require.Len(t, orphaned, 1)
	var data events.OrphanData
	require.NoError(t, orphaned[0].Decode(&data))
	assert.Len(t, data.ArtifactIDs, 4)
}

func TestScenarioDCancelDuringFanOut(t *testing.T) {
	scripted := llm.NewScripted()
	var f *fixture
	var jobID string
	var once sync.Once
	p := llm.ProviderFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		if req.Task == pipeline.TaskProse {
			once.Do(func() {
				_, err := f.mgr.CancelJob(ctx, jobID)
				assert.NoError(t, err)
			})
		}
		return scripted.Generate(ctx, req)
	})
	f = newFixture(t, fanOutStages(t), fixtureOptions{
		provider: p,
		execCfg:  func(c *stage.Config) { c.Workers = 1 },
	})
	jobID = f.create(50).ID

	job := f.run(jobID)

	assert.Equal(t, pipeline.JobCancelled, job.Status)
	assert.Equal(t, []pipeline.Stage{pipeline.StageStructure, pipeline.StagePlan}, job.CompletedStages)
	assert.Nil(t, job.Failure)
	assert.Equal(t, 1, scripted.CallCount(pipeline.TaskProse, ""))
	assert.Zero(t, scripted.CallCount(pipeline.TaskPivotalProse, ""))

	cp, err := f.cps.Load(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Seq)
	assert.Len(t, f.eventsOf(jobID, events.TypeJobCancelled), 1)

	// A cancelled job is terminal.
	_, err = f.mgr.PrepareResume(context.Background(), jobID, nil)
	assert.ErrorIs(t, err, ErrNotResumable)
	_, err = f.mgr.CancelJob(context.Background(), jobID)
	assert.ErrorIs(t, err, ErrJobFinished)
}

type recordingPublisher struct {
	mu   sync.Mutex
	docs map[string]string
	err  error
}

func (p *recordingPublisher) Name() string { return "memory" }

func (p *recordingPublisher) Publish(_ context.Context, job *pipeline.Job, m *pipeline.Artifact) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	if p.docs == nil {
		p.docs = map[string]string{}
	}
	p.docs[job.ID] = m.Content
	return "memory://" + job.ID, nil
}

func TestFanOutPipelinePublishesManuscript(t *testing.T) {
	p := llm.NewScripted()
	pub := &recordingPublisher{}
	f := newFixture(t, fanOutStages(t), fixtureOptions{
		provider:  p,
		managerOp: []Option{WithPublisher(pub)},
	})

	job := f.run(f.create(50).ID)
	require.Equal(t, pipeline.JobCompleted, job.Status)

	assert.Equal(t, 3, p.CallCount(pipeline.TaskProse, ""))
	assert.Equal(t, 1, p.CallCount(pipeline.TaskPivotalProse, ""))
	assert.Equal(t, 2, p.CallCount(pipeline.TaskStyle, ""))
	assert.Equal(t, 2, p.CallCount(pipeline.TaskDialog, ""))

	arts, err := f.mgr.ListArtifacts(context.Background(), job.ID, store.ArtifactFilter{Type: pipeline.ArtifactManuscript})
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Contains(t, arts[0].Content, "## Chapter 2: Aftermath")
	assert.Equal(t, arts[0].Content, pub.docs[job.ID])

	published := f.eventsOf(job.ID, events.TypePublishCompleted)
	require.Len(t, published, 1)
	assert.Equal(t, "memory://"+job.ID, published[0].Message)

	chunks := f.eventsOf(job.ID, events.TypeArtifactChunk)
	assert.NotEmpty(t, chunks)
}

func TestPublishFailureDoesNotFailJob(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("bucket gone")}
	f := newFixture(t, fanOutStages(t), fixtureOptions{
		provider:  llm.NewScripted(),
		managerOp: []Option{WithPublisher(pub)},
	})
	job := f.run(f.create(50).ID)
	assert.Equal(t, pipeline.JobCompleted, job.Status)
	assert.Len(t, f.eventsOf(job.ID, events.TypePublishFailed), 1)
}

func TestEventsAreOrderedAcrossResume(t *testing.T) {
	p := llm.NewScripted().
		On(pipeline.TaskStructure, "", llm.Step{Text: "acts", TokensOut: 3000}).
		On(pipeline.TaskPlan, "", llm.Step{Text: llm.DefaultOutline, TokensOut: 3000})
	f := newFixture(t, sixStages(t), fixtureOptions{
		provider: p,
		execCfg: func(c *stage.Config) {
			c.MaxTokens = map[pipeline.TaskKind]int{pipeline.TaskValidation: 15_000}
		},
	})
	job := f.run(f.create(10).ID)
	require.Equal(t, pipeline.JobFailed, job.Status)
	raised := 40.0
	_, err := f.mgr.PrepareResume(context.Background(), job.ID, &raised)
	require.NoError(t, err)
	job = f.run(job.ID)
	require.Equal(t, pipeline.JobCompleted, job.Status)

	all := f.eventsOf(job.ID, "")
	require.NotEmpty(t, all)
	for i := range all {
		assert.Equal(t, int64(i+1), all[i].Seq)
	}
	assert.Equal(t, all[len(all)-1].Seq, job.EventSeq)

	// Percent never decreases within a run.
	last := -1.0
	for _, ev := range all {
		if ev.Type == events.TypeJobResumed {
			last = -1
		}
		assert.GreaterOrEqual(t, ev.Percent, last, "event %d %s", ev.Seq, ev.Type)
		last = ev.Percent
	}
}

func TestCorruptCheckpointIsNotResumable(t *testing.T) {
	p := llm.NewScripted().
		On(pipeline.TaskStructure, "", llm.Step{Text: "acts", TokensOut: 3000}).
		On(pipeline.TaskPlan, "", llm.Step{Text: llm.DefaultOutline, TokensOut: 3000})
	f := newFixture(t, sixStages(t), fixtureOptions{
		provider: p,
		execCfg: func(c *stage.Config) {
			c.MaxTokens = map[pipeline.TaskKind]int{pipeline.TaskValidation: 15_000}
		},
	})
	ctx := context.Background()
	job := f.run(f.create(10).ID)
	require.Equal(t, pipeline.JobFailed, job.Status)

	f.cps.Corrupt(job.ID, []byte(`{"job_id":`))
	raised := 30.0
	_, err := f.mgr.PrepareResume(ctx, job.ID, &raised)
	require.NoError(t, err)
	job = f.run(job.ID)

	assert.Equal(t, pipeline.JobFailed, job.Status)
	require.NotNil(t, job.Failure)
	assert.Equal(t, pipeline.FailureCheckpointCorrupt, job.Failure.Category)
	assert.Zero(t, p.CallCount(pipeline.TaskValidation, ""))

	_, err = f.mgr.PrepareResume(ctx, job.ID, &raised)
	assert.ErrorIs(t, err, ErrNotResumable)
	_, err = f.mgr.Run(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotResumable)
}

func TestCheckpointFromDifferentOrderingIsCorrupt(t *testing.T) {
	f := newFixture(t, sixStages(t), fixtureOptions{provider: llm.NewScripted()})
	ctx := context.Background()
	job := f.create(50)
	require.NoError(t, f.cps.Save(ctx, &pipeline.Checkpoint{
		ID: "cp", JobID: job.ID, Seq: 1,
		CompletedStages: []pipeline.Stage{pipeline.StagePlan},
		ArtifactVersion: map[string]int{}, CreatedAt: time.Now().UTC(),
	}))

	job = f.run(job.ID)
	assert.Equal(t, pipeline.JobFailed, job.Status)
	assert.Equal(t, pipeline.FailureCheckpointCorrupt, job.Failure.Category)
}

func TestTransientExhaustionFailsJob(t *testing.T) {
	p := llm.NewScripted().On(pipeline.TaskStructure, "",
		llm.Step{Err: llm.ErrUnavailable}, llm.Step{Err: llm.ErrUnavailable},
		llm.Step{Err: llm.ErrUnavailable}, llm.Step{Err: llm.ErrUnavailable},
	)
	f := newFixture(t, sixStages(t), fixtureOptions{provider: p})

	job := f.run(f.create(50).ID)
	assert.Equal(t, pipeline.JobFailed, job.Status)
	assert.Equal(t, pipeline.FailureTransientExhausted, job.Failure.Category)
	assert.Equal(t, pipeline.StageStructure, job.Failure.Stage)
	assert.Equal(t, 0, job.Failure.LastCheckpointSeq)
	assert.Empty(t, job.CompletedStages)

	// Transient exhaustion is resumable without a budget change.
	_, err := f.mgr.PrepareResume(context.Background(), job.ID, nil)
	require.NoError(t, err)
	job = f.run(job.ID)
	assert.Equal(t, pipeline.JobCompleted, job.Status)
}

func TestFatalProviderErrorFailsJob(t *testing.T) {
	p := llm.NewScripted().On(pipeline.TaskPlan, "", llm.Step{Err: llm.ErrAuth})
	f := newFixture(t, sixStages(t), fixtureOptions{provider: p})

	job := f.run(f.create(50).ID)
	assert.Equal(t, pipeline.JobFailed, job.Status)
	assert.Equal(t, pipeline.FailureProviderFatal, job.Failure.Category)
	assert.Equal(t, 1, p.CallCount(pipeline.TaskPlan, ""))
}

func TestJobLockedByAnotherRunner(t *testing.T) {
	f := newFixture(t, sixStages(t), fixtureOptions{provider: llm.NewScripted()})
	ctx := context.Background()
	job := f.create(50)
	require.NoError(t, f.repo.AcquireJobLock(ctx, job.ID, "other-process"))

	_, err := f.mgr.Run(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobLocked)

	got, err := f.mgr.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobPending, got.Status)
}

func TestStartRunsInBackground(t *testing.T) {
	bus := events.NewBus(256, nil)
	f := newFixture(t, sixStages(t), fixtureOptions{
		provider:  llm.NewScripted(),
		managerOp: []Option{WithBus(bus)},
	})
	ctx := context.Background()
	job := f.create(50)
	sub := f.mgr.Subscribe(job.ID)
	require.NotNil(t, sub)
	defer sub.Close()

	require.NoError(t, f.mgr.Start(ctx, job.ID))
	require.NoError(t, f.mgr.Wait(ctx, job.ID))

	got, err := f.mgr.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobCompleted, got.Status)

	owner, err := f.repo.JobLockOwner(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, owner)

	var last events.Event
	timeout := time.After(time.Second)
	for !last.Type.Terminal() {
		select {
		case ev, ok := <-sub.C():
			require.True(t, ok)
			last = ev
		case <-timeout:
			t.Fatal("no terminal event")
		}
	}
	assert.Equal(t, events.TypeJobCompleted, last.Type)
}

func TestCancelPendingJob(t *testing.T) {
	f := newFixture(t, sixStages(t), fixtureOptions{provider: llm.NewScripted()})
	ctx := context.Background()
	job := f.create(50)

	got, err := f.mgr.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobCancelled, got.Status)

	_, err = f.mgr.Run(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobFinished)

	_, err = f.mgr.CancelJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRecoverInterrupted(t *testing.T) {
	f := newFixture(t, sixStages(t), fixtureOptions{provider: llm.NewScripted()})
	ctx := context.Background()
	job := f.create(50)

	stale, err := f.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	stale.Status = pipeline.JobRunning
	stale.CurrentStage = pipeline.StagePlan
	require.NoError(t, f.repo.UpdateJob(ctx, stale))
	require.NoError(t, f.repo.AcquireJobLock(ctx, job.ID, "dead-process"))

	// A fresh lease belongs to a live runner.
	n, err := f.mgr.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.mgr.now = func() time.Time { return time.Now().Add(DefaultLockTTL + time.Second) }
	n, err = f.mgr.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.mgr.now = time.Now

	got, err := f.mgr.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobFailed, got.Status)
	assert.Equal(t, pipeline.FailureInterrupted, got.Failure.Category)
	assert.Equal(t, pipeline.StagePlan, got.Failure.Stage)

	owner, err := f.repo.JobLockOwner(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, owner)

	_, err = f.mgr.PrepareResume(ctx, job.ID, nil)
	require.NoError(t, err)
	got = f.run(job.ID)
	assert.Equal(t, pipeline.JobCompleted, got.Status)
}

func TestShutdownInterruptsRunningJob(t *testing.T) {
	scripted := llm.NewScripted().On(pipeline.TaskPlan, "", llm.Step{Text: llm.DefaultOutline, Delay: 200 * time.Millisecond})
	f := newFixture(t, sixStages(t), fixtureOptions{provider: scripted})
	ctx := context.Background()
	job := f.create(50)

	require.NoError(t, f.mgr.Start(ctx, job.ID))
	require.Eventually(t, func() bool { return scripted.CallCount(pipeline.TaskPlan, "") == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.mgr.Shutdown(ctx))

	got, err := f.mgr.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobFailed, got.Status)
	assert.Equal(t, pipeline.FailureInterrupted, got.Failure.Category)
	assert.Equal(t, []pipeline.Stage{pipeline.StageStructure}, got.CompletedStages)
}

func TestCreateJobValidation(t *testing.T) {
	refuse := QuotaFunc(func(_ context.Context, owner string, _ float64) error {
		if owner == "blocked" {
			return ErrQuotaExceeded
		}
		return nil
	})
	f := newFixture(t, sixStages(t), fixtureOptions{provider: llm.NewScripted(), managerOp: []Option{WithQuota(refuse)}})
	ctx := context.Background()

	job, err := f.mgr.CreateJob(ctx, pipeline.Brief{Title: "Default budget"})
	require.NoError(t, err)
	assert.Equal(t, DefaultCeiling, job.BudgetLimit)
	assert.Equal(t, pipeline.JobPending, job.Status)

	_, err = f.mgr.CreateJob(ctx, pipeline.Brief{BudgetLimit: DefaultMaxCeiling + 1})
	assert.ErrorIs(t, err, ErrInvalidBudget)

	_, err = f.mgr.CreateJob(ctx, pipeline.Brief{BudgetLimit: -1})
	assert.ErrorIs(t, err, ErrInvalidBudget)

	_, err = f.mgr.CreateJob(ctx, pipeline.Brief{Owner: "blocked"})
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	_, err = f.mgr.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want pipeline.FailureCategory
	}{
		{&stage.UnitError{Err: &quality.ExhaustedError{}}, pipeline.FailureQualityGate},
		{&agent.CallError{Kind: agent.Transient, Err: llm.ErrRateLimited}, pipeline.FailureTransientExhausted},
		{&agent.CallError{Kind: agent.Fatal, Err: llm.ErrAuth}, pipeline.FailureProviderFatal},
		{checkpoint.ErrCorrupt, pipeline.FailureCheckpointCorrupt},
		{context.Canceled, pipeline.FailureInterrupted},
		{errors.New("disk full"), pipeline.FailureInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), tt.err.Error())
	}
}

// stallingRepo blocks the first GetJob after arm until resume is closed.
type stallingRepo struct {
	*store.MemoryRepository
	armed  atomic.Bool
	read   chan struct{}
	resume chan struct{}
}

func newStallingRepo(r *store.MemoryRepository) *stallingRepo {
	return &stallingRepo{MemoryRepository: r, read: make(chan struct{}), resume: make(chan struct{})}
}

func (r *stallingRepo) GetJob(ctx context.Context, id string) (*pipeline.Job, error) {
	job, err := r.MemoryRepository.GetJob(ctx, id)
	if r.armed.CompareAndSwap(true, false) {
		close(r.read)
		<-r.resume
	}
	return job, err
}

func TestCancelDuringClaimIsNotOverwritten(t *testing.T) {
	var stalled *stallingRepo
	f := newFixture(t, sixStages(t), fixtureOptions{
		provider: llm.NewScripted(),
		wrapRepo: func(r *store.MemoryRepository) store.Repository {
			stalled = newStallingRepo(r)
			return stalled
		},
	})
	ctx := context.Background()
	job := f.create(50)

	type result struct {
		job *pipeline.Job
		err error
	}
	done := make(chan result, 1)
	stalled.armed.Store(true)
	go func() {
		j, err := f.mgr.Run(ctx, job.ID)
		done <- result{j, err}
	}()
	<-stalled.read

	// Run has read the job as pending and is about to take the lock.
	got, err := f.mgr.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobCancelled, got.Status)
	close(stalled.resume)

	res := <-done
	assert.ErrorIs(t, res.err, ErrJobFinished)
	assert.Nil(t, res.job)

	stored, err := f.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobCancelled, stored.Status)
	assert.Empty(t, stored.CompletedStages)
	assert.Empty(t, f.eventsOf(job.ID, events.TypeJobStarted))

	owner, err := f.repo.JobLockOwner(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestRunRereadsJobUnderLock(t *testing.T) {
	var stalled *stallingRepo
	f := newFixture(t, sixStages(t), fixtureOptions{
		provider: llm.NewScripted(),
		wrapRepo: func(r *store.MemoryRepository) store.Repository {
			stalled = newStallingRepo(r)
			return stalled
		},
	})
	ctx := context.Background()
	job := f.create(50)

	done := make(chan error, 1)
	stalled.armed.Store(true)
	go func() {
		_, err := f.mgr.Run(ctx, job.ID)
		done <- err
	}()
	<-stalled.read

	// Another process finishes the job while this one is claiming it.
	finished, err := f.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	finished.Status = pipeline.JobCompleted
	require.NoError(t, f.repo.UpdateJob(ctx, finished))
	close(stalled.resume)

	assert.ErrorIs(t, <-done, ErrJobFinished)
	stored, err := f.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobCompleted, stored.Status)
	assert.Empty(t, stored.CompletedStages)
}

func TestRecoverLeavesLiveRunnerAlone(t *testing.T) {
	scripted := llm.NewScripted()
	planStarted := make(chan struct{})
	var once sync.Once
	p := llm.ProviderFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		if req.Task == pipeline.TaskPlan {
			once.Do(func() { close(planStarted) })
			<-ctx.Done()
			return llm.Response{}, ctx.Err()
		}
		return scripted.Generate(ctx, req)
	})
	f := newFixture(t, sixStages(t), fixtureOptions{
		provider: p,
		managerCfg: func(c *Config) {
			c.LockTTL = time.Minute
			c.HeartbeatInterval = 5 * time.Millisecond
		},
	})
	other, err := NewManager(f.mgr.cfg, f.repo, f.cps, f.exec, WithOwner("other-runner"))
	require.NoError(t, err)
	ctx := context.Background()
	job := f.create(50)

	require.NoError(t, f.mgr.Start(ctx, job.ID))
	select {
	case <-planStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("PLAN never started")
	}

	acquired, err := f.repo.JobLock(ctx, job.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		l, err := f.repo.JobLock(ctx, job.ID)
		return err == nil && l.HeartbeatAt.After(acquired.HeartbeatAt)
	}, time.Second, 5*time.Millisecond, "heartbeat renews the lease")

	n, err := other.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = other.Run(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobLocked)

	got, err := f.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobRunning, got.Status)
	owner, err := f.repo.JobLockOwner(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "test-runner", owner)

	// Once the lease has lapsed the other runner takes the job over and the
	// original runner stops without writing the job again.
	other.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err = other.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, f.mgr.Wait(waitCtx, job.ID))

	got, err = f.repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobFailed, got.Status)
	require.NotNil(t, got.Failure)
	assert.Equal(t, pipeline.FailureInterrupted, got.Failure.Category)
	assert.Equal(t, "runner exited while the job was running", got.Failure.Message)
}
