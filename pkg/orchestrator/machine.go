package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
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

// machine is the state machine for one run of one job. It is the only
// writer of the job record while the run lasts.
type machine struct {
	m   *Manager
	h   *handle
	job *pipeline.Job

	log      *zap.Logger
	emitter  *events.Emitter
	ledger   *budget.Ledger
	cp       *pipeline.Checkpoint
	accepted map[pipeline.ArtifactType][]*pipeline.Artifact
}

func (sm *machine) run(ctx context.Context) (*pipeline.Job, error) {
	m := sm.m
	sm.log = m.logger.With(zap.String("job_id", sm.job.ID))
	sm.emitter = m.emitter(sm.job)

	resumed, err := sm.restore(ctx)
	if err != nil {
		if checkpoint.IsCorrupt(err) {
			return sm.fail(ctx, &StageError{Category: pipeline.FailureCheckpointCorrupt, Err: err})
		}
		return nil, err
	}

	now := m.now().UTC()
	if err := pipeline.ValidateTransition(sm.job.Status, pipeline.JobRunning); err != nil {
		return nil, err
	}
	sm.job.Status = pipeline.JobRunning
	sm.job.Failure = nil
	sm.job.EndedAt = nil
	sm.job.StartedAt = &now
	sm.job.UpdatedAt = now
	if err := sm.persist(ctx); err != nil {
		return nil, err
	}

	total := len(m.cfg.Stages)
	startType, msg := events.TypeJobStarted, "job started"
	if resumed {
		startType = events.TypeJobResumed
		msg = fmt.Sprintf("resumed from checkpoint %d with %d/%d stages completed", sm.cp.Seq, len(sm.cp.CompletedStages), total)
	}
	sm.emitter.Emit(ctx, events.Event{Type: startType, Percent: sm.percent(), Cost: sm.spent(), Message: msg}, nil)
	sm.log.Info("job running", zap.Bool("resumed", resumed), zap.Int("checkpoint_seq", sm.cp.Seq))

	for _, def := range m.cfg.Stages {
		if sm.job.HasCompleted(def.Name) {
			continue
		}
		if sm.stopRequested() {
			return sm.cancelled(ctx)
		}
		if err := ctx.Err(); err != nil {
			return sm.fail(ctx, newStageError(def.Name, err))
		}

		sm.job.CurrentStage = def.Name
		sm.job.UpdatedAt = m.now().UTC()
		if err := sm.persist(ctx); err != nil {
			return nil, err
		}
		sm.emitter.Emit(ctx, events.Event{
			Type: events.TypeStageStarted, Stage: def.Name, Percent: sm.percent(), Cost: sm.spent(),
		}, nil)
		sm.log.Info("stage started", zap.String("stage", string(def.Name)))

		started := time.Now()
		res, err := m.exec.Execute(ctx, &stage.Run{
			Job:      sm.job,
			Ledger:   sm.ledger,
			Recorder: sm,
			Emitter:  sm.emitter,
			Accepted: sm.accepted,
			Stop:     sm.h.stop,
			Percent:  sm.percent(),
		}, def)
		sm.observeStage(def.Name, time.Since(started), res, err)
		if errors.Is(err, stage.ErrCancelled) {
			return sm.cancelled(ctx)
		}
		if err != nil {
			return sm.fail(ctx, newStageError(def.Name, err))
		}
		if err := sm.complete(ctx, def, res); err != nil {
			return sm.fail(ctx, &StageError{Stage: def.Name, Category: pipeline.FailureInternal, Err: err})
		}
	}
	return sm.completed(ctx)
}

// restore loads the latest checkpoint (or starts a fresh one), reconciles
// the job with it, seeds the ledger from recorded spend, and collects the
// accepted artifacts. It reports whether an earlier run left a checkpoint.
func (sm *machine) restore(ctx context.Context) (bool, error) {
	m := sm.m
	job := sm.job

	cp, err := m.checkpoints.Load(ctx, job.ID)
	resumed := err == nil
	switch {
	case err == nil:
		if err := sm.checkPrefix(cp); err != nil {
			return false, err
		}
	case checkpoint.IsNotFound(err):
		cp = &pipeline.Checkpoint{
			ID:              uuid.NewString(),
			JobID:           job.ID,
			Seq:             0,
			CompletedStages: []pipeline.Stage{},
			ArtifactVersion: map[string]int{},
			CreatedAt:       m.now().UTC(),
		}
		if err := m.checkpoints.Save(ctx, cp); err != nil {
			return false, fmt.Errorf("save initial checkpoint: %w", err)
		}
	default:
		return false, err
	}
	sm.cp = cp

	// Only the checkpoint is trusted across runs.
	job.CompletedStages = append([]pipeline.Stage{}, cp.CompletedStages...)

	snaps, err := m.repo.ListCostSnapshots(ctx, job.ID)
	if err != nil {
		return false, fmt.Errorf("list cost snapshots: %w", err)
	}
	spent, tokens := store.SumCosts(snaps)
	job.ActualCost, job.TokensUsed = spent, tokens

	ledger, err := budget.NewLedger(job.ID,
		budget.Policy{Ceiling: job.BudgetLimit, WarnFraction: m.cfg.WarnFraction},
		budget.WithSpent(spent, tokens),
		budget.WithWarnHook(sm.onBudgetWarning))
	if err != nil {
		return false, err
	}
	sm.ledger = ledger
	m.setLedger(sm.h, ledger)

	return resumed, sm.collectArtifacts(ctx)
}

// checkPrefix rejects a checkpoint whose completed stages are not a prefix
// of the configured ordering.
func (sm *machine) checkPrefix(cp *pipeline.Checkpoint) error {
	stages := sm.m.cfg.Stages
	if len(cp.CompletedStages) > len(stages) {
		return fmt.Errorf("%w: checkpoint lists %d stages, ordering has %d", checkpoint.ErrCorrupt, len(cp.CompletedStages), len(stages))
	}
	for i, s := range cp.CompletedStages {
		if stages[i].Name != s {
			return fmt.Errorf("%w: checkpoint stage %d is %s, ordering expects %s", checkpoint.ErrCorrupt, i, s, stages[i].Name)
		}
	}
	return nil
}

// collectArtifacts keeps the versions the checkpoint confirmed and reports
// anything newer as orphaned.
func (sm *machine) collectArtifacts(ctx context.Context) error {
	all, err := sm.m.repo.ListArtifacts(ctx, sm.job.ID, store.ArtifactFilter{})
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}
	sm.accepted = make(map[pipeline.ArtifactType][]*pipeline.Artifact)
	var orphans []string
	for _, a := range all {
		v, confirmed := sm.cp.ArtifactVersion[a.Ref()]
		switch {
		case confirmed && a.Version == v:
			sm.accepted[a.Type] = append(sm.accepted[a.Type], a)
		case !confirmed || a.Version > v:
			orphans = append(orphans, a.ID)
		}
	}
	if len(orphans) > 0 {
		sort.Strings(orphans)
		sm.log.Warn("ignoring artifacts written after the last checkpoint", zap.Int("count", len(orphans)))
		sm.emitter.Emit(ctx, events.Event{
			Type:    events.TypeArtifactsOrphans,
			Message: fmt.Sprintf("%d artifact(s) not confirmed by checkpoint %d", len(orphans), sm.cp.Seq),
		}, events.OrphanData{ArtifactIDs: orphans})
	}
	return nil
}

// complete records a finished stage: new checkpoint first, then the job.
func (sm *machine) complete(ctx context.Context, def pipeline.StageDef, res *stage.Result) error {
	next := sm.cp.Clone()
	next.ID = uuid.NewString()
	next.Seq++
	next.CompletedStages = append(next.CompletedStages, def.Name)
	for _, a := range res.Artifacts {
		next.ArtifactVersion[a.Ref()] = a.Version
	}
	for k, n := range res.Counters {
		if next.RetryCounters == nil {
			next.RetryCounters = make(map[string]int)
		}
		next.RetryCounters[k] = n
	}
	next.CostToDate, next.TokensToDate = sm.ledger.Spent()
	next.CreatedAt = sm.m.now().UTC()
	if err := sm.m.checkpoints.Save(ctx, next); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	sm.cp = next
	sm.accepted[def.Produces] = res.Artifacts

	sm.job.CompletedStages = append(sm.job.CompletedStages, def.Name)
	sm.job.ActualCost, sm.job.TokensUsed = sm.ledger.Spent()
	sm.job.UpdatedAt = sm.m.now().UTC()
	if err := sm.persist(ctx); err != nil {
		return err
	}
	sm.emitter.Emit(ctx, events.Event{
		Type: events.TypeStageCompleted, Stage: def.Name, Percent: sm.percent(), Cost: sm.job.ActualCost,
		Message: fmt.Sprintf("checkpoint %d", next.Seq),
	}, nil)
	sm.log.Info("stage completed",
		zap.String("stage", string(def.Name)),
		zap.Int("checkpoint_seq", next.Seq),
		zap.Float64("cost", sm.job.ActualCost))
	return sm.persistSeq(ctx)
}

func (sm *machine) completed(ctx context.Context) (*pipeline.Job, error) {
	now := sm.m.now().UTC()
	sm.job.Status = pipeline.JobCompleted
	sm.job.CurrentStage = ""
	sm.job.EndedAt = &now
	sm.job.UpdatedAt = now
	sm.job.ActualCost, sm.job.TokensUsed = sm.ledger.Spent()
	if err := sm.persist(ctx); err != nil {
		return nil, err
	}
	// Publish outcomes precede the terminal event so stream consumers see them.
	sm.publish(ctx)
	sm.emitter.Emit(ctx, events.Event{Type: events.TypeJobCompleted, Percent: 100, Cost: sm.job.ActualCost}, nil)
	sm.log.Info("job completed", zap.Float64("cost", sm.job.ActualCost))
	sm.m.count(metrics.JobsFinished, 1, metrics.Tags{"status": string(pipeline.JobCompleted)})
	return sm.job.Clone(), sm.persistSeq(ctx)
}

func (sm *machine) cancelled(ctx context.Context) (*pipeline.Job, error) {
	now := sm.m.now().UTC()
	sm.job.Status = pipeline.JobCancelled
	sm.job.EndedAt = &now
	sm.job.UpdatedAt = now
	sm.job.ActualCost, sm.job.TokensUsed = sm.ledger.Spent()
	if err := sm.persist(ctx); err != nil {
		return nil, err
	}
	sm.emitter.Emit(ctx, events.Event{
		Type: events.TypeJobCancelled, Stage: sm.job.CurrentStage, Percent: sm.percent(), Cost: sm.job.ActualCost,
		Message: fmt.Sprintf("cancelled; checkpoint %d preserved", sm.cp.Seq),
	}, nil)
	sm.log.Info("job cancelled", zap.String("stage", string(sm.job.CurrentStage)))
	sm.m.count(metrics.JobsFinished, 1, metrics.Tags{"status": string(pipeline.JobCancelled)})
	return sm.job.Clone(), sm.persistSeq(ctx)
}

// fail moves the job to failed. The last saved checkpoint stays the latest.
func (sm *machine) fail(ctx context.Context, se *StageError) (*pipeline.Job, error) {
	now := sm.m.now().UTC()
	cost := sm.job.ActualCost
	if sm.ledger != nil {
		cost, sm.job.TokensUsed = sm.ledger.Spent()
	}
	lastSeq := 0
	if sm.cp != nil {
		lastSeq = sm.cp.Seq
	}
	sm.job.Status = pipeline.JobFailed
	sm.job.ActualCost = cost
	sm.job.EndedAt = &now
	sm.job.UpdatedAt = now
	sm.job.Failure = &pipeline.JobFailure{
		Stage:             se.Stage,
		Unit:              se.Unit,
		Category:          se.Category,
		Message:           se.Error(),
		LastCheckpointSeq: lastSeq,
		CompletedStages:   append([]pipeline.Stage{}, sm.job.CompletedStages...),
		CostAtFailure:     cost,
		Quality:           se.Quality,
		OccurredAt:        now,
	}
	if err := sm.persist(ctx); err != nil {
		return nil, err
	}
	sm.emitter.Emit(ctx, events.Event{
		Type: events.TypeJobFailed, Stage: se.Stage, Unit: se.Unit, Percent: sm.percent(), Cost: cost,
		Message: se.Error(),
	}, events.FailureData{Failure: sm.job.Failure})
	sm.log.Warn("job failed",
		zap.String("stage", string(se.Stage)),
		zap.String("category", string(se.Category)),
		zap.Float64("cost", cost),
		zap.Error(se.Err))
	sm.m.count(metrics.JobsFinished, 1, metrics.Tags{"status": string(pipeline.JobFailed), "category": string(se.Category)})
	return sm.job.Clone(), sm.persistSeq(ctx)
}

// publish exports the manuscript; failure is reported but does not change
// the job outcome.
func (sm *machine) publish(ctx context.Context) {
	p := sm.m.publisher
	if p == nil {
		return
	}
	var manuscript *pipeline.Artifact
	if arts := sm.accepted[pipeline.ArtifactManuscript]; len(arts) > 0 {
		manuscript = arts[0]
	}
	if manuscript == nil {
		return
	}
	loc, err := p.Publish(ctx, sm.job, manuscript)
	if err != nil {
		sm.log.Warn("publish failed", zap.String("target", p.Name()), zap.Error(err))
		sm.emitter.Emit(ctx, events.Event{Type: events.TypePublishFailed, Percent: 100, Message: err.Error()},
			events.PublishData{Target: p.Name(), Error: err.Error()})
		return
	}
	sm.log.Info("manuscript published", zap.String("target", p.Name()), zap.String("location", loc))
	sm.emitter.Emit(ctx, events.Event{Type: events.TypePublishCompleted, Percent: 100, Message: loc},
		events.PublishData{Target: p.Name(), Location: loc})
}

// observeStage records how long one stage ran and how many repair drafts
// its units needed.
func (sm *machine) observeStage(name pipeline.Stage, elapsed time.Duration, res *stage.Result, err error) {
	outcome := "completed"
	switch {
	case errors.Is(err, stage.ErrCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
	}
	sm.m.observe(metrics.StageDuration, elapsed, metrics.Tags{"stage": string(name), "outcome": outcome})
	if res == nil {
		return
	}
	repairs := 0
	for key, n := range res.Counters {
		if strings.HasSuffix(key, "/"+pipeline.CounterRepairs) {
			repairs += n
		}
	}
	if repairs > 0 {
		sm.m.count(metrics.RepairAttempts, float64(repairs), metrics.Tags{"stage": string(name)})
	}
}

// RecordCost implements agent.CostRecorder.
func (sm *machine) RecordCost(ctx context.Context, snap *pipeline.CostSnapshot) error {
	return sm.m.repo.AppendCostSnapshot(context.WithoutCancel(ctx), snap)
}

// CostCharged implements agent.CostObserver: report the running total once
// the ledger includes snap.
func (sm *machine) CostCharged(ctx context.Context, snap *pipeline.CostSnapshot) {
	total, _ := sm.ledger.Spent()
	sm.emitter.Emit(ctx, events.Event{
		Type: events.TypeCostUpdate, Stage: snap.Stage, Unit: snap.Unit, Cost: total,
	}, events.CostData{Snapshot: *snap, Total: total, Limit: sm.ledger.Ceiling()})
}

func (sm *machine) onBudgetWarning(status pipeline.BudgetStatus) {
	sm.log.Warn("budget warning threshold crossed",
		zap.Float64("used", status.Used),
		zap.Float64("limit", status.Limit))
	sm.emitter.Emit(context.Background(), events.Event{
		Type:    events.TypeBudgetWarning,
		Cost:    status.Used,
		Message: fmt.Sprintf("spent $%.2f of $%.2f", status.Used, status.Limit),
	}, events.BudgetData{Status: status})
}

func (sm *machine) stopRequested() bool {
	select {
	case <-sm.h.stop:
		return true
	default:
		return false
	}
}

func (sm *machine) percent() float64 {
	total := len(sm.m.cfg.Stages)
	if total == 0 {
		return 0
	}
	return float64(len(sm.job.CompletedStages)) / float64(total) * 100
}

func (sm *machine) spent() float64 {
	cost, _ := sm.ledger.Spent()
	return cost
}

func (sm *machine) persist(ctx context.Context) error {
	if sm.h.lockLost.Load() {
		return fmt.Errorf("%w: %s", ErrLockLost, sm.job.ID)
	}
	sm.job.EventSeq = sm.emitter.Seq()
	if err := sm.m.repo.UpdateJob(context.WithoutCancel(ctx), sm.job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// persistSeq records the event sequence after events that followed the last
// job write.
func (sm *machine) persistSeq(ctx context.Context) error {
	if sm.job.EventSeq == sm.emitter.Seq() {
		return nil
	}
	return sm.persist(ctx)
}
