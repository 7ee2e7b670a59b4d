// Package storetest holds the behavior every store.Repository must share.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goscribe/pkg/pipeline"
	"github.com/3leaps/goscribe/pkg/store"
)

// Run exercises repo. newRepo must return an empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) store.Repository) {
	t.Run("jobs", func(t *testing.T) { testJobs(t, newRepo(t)) })
	t.Run("artifacts", func(t *testing.T) { testArtifacts(t, newRepo(t)) })
	t.Run("costs", func(t *testing.T) { testCosts(t, newRepo(t)) })
	t.Run("locks", func(t *testing.T) { testLocks(t, newRepo(t)) })
}

// NewJob builds a pending job for tests.
func NewJob(id string, created time.Time) *pipeline.Job {
	return &pipeline.Job{
		ID: id,
		Brief: pipeline.Brief{
			Title:          "The Long Tide",
			Genre:          "literary",
			ProductionType: pipeline.ProductionNovel,
			TargetWords:    80_000,
			Premise:        "A lighthouse keeper inherits a debt.",
			Owner:          "ana",
		},
		BudgetLimit: 25,
		Status:      pipeline.JobPending,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func testJobs(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	defer func() { _ = repo.Close() }()

	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.CreateJob(ctx, NewJob("job-1", t0)))
	require.NoError(t, repo.CreateJob(ctx, NewJob("job-2", t0.Add(time.Hour))))
	assert.ErrorIs(t, repo.CreateJob(ctx, NewJob("job-1", t0)), store.ErrConflict)

	got, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "The Long Tide", got.Brief.Title)
	assert.Equal(t, pipeline.JobPending, got.Status)

	started := t0.Add(time.Minute)
	got.Status = pipeline.JobFailed
	got.CompletedStages = []pipeline.Stage{pipeline.StageStructure}
	got.ActualCost = 1.5
	got.TokensUsed = 900
	got.EventSeq = 7
	got.StartedAt = &started
	got.Failure = &pipeline.JobFailure{
		Stage:           pipeline.StagePlan,
		Category:        pipeline.FailureBudgetExceeded,
		Message:         "over",
		CompletedStages: []pipeline.Stage{pipeline.StageStructure},
		CostAtFailure:   1.5,
	}
	require.NoError(t, repo.UpdateJob(ctx, got))

	again, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.JobFailed, again.Status)
	assert.Equal(t, []pipeline.Stage{pipeline.StageStructure}, again.CompletedStages)
	assert.Equal(t, int64(7), again.EventSeq)
	require.NotNil(t, again.Failure)
	assert.Equal(t, pipeline.FailureBudgetExceeded, again.Failure.Category)
	require.NotNil(t, again.StartedAt)
	assert.True(t, started.Equal(*again.StartedAt))

	_, err = repo.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, repo.UpdateJob(ctx, NewJob("missing", t0)), store.ErrNotFound)

	all, err := repo.ListJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "job-2", all[0].ID, "newest first")

	failed, err := repo.ListJobs(ctx, store.JobFilter{Status: pipeline.JobFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "job-1", failed[0].ID)

	limited, err := repo.ListJobs(ctx, store.JobFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testArtifacts(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	defer func() { _ = repo.Close() }()
	require.NoError(t, repo.CreateJob(ctx, NewJob("job-a", time.Now().UTC())))

	put := func(id string, typ pipeline.ArtifactType, key string) *pipeline.Artifact {
		a := &pipeline.Artifact{
			ID: id, JobID: "job-a", Stage: pipeline.StageProse, Type: typ, Key: key,
			Content: "text " + id, Agent: "prose-writer", Model: "m2", Tier: pipeline.TierBalanced,
			CreatedAt: time.Now().UTC(),
			Quality: &pipeline.QualityCheckResult{
				ID: "q-" + id, ArtifactID: id, Score: 0.9, Passed: true,
				Axes: []pipeline.AxisVerdict{{Axis: pipeline.AxisLogic, Score: 0.9, Threshold: 0.85, Passed: true}},
			},
		}
		require.NoError(t, repo.PutArtifact(ctx, a))
		return a
	}

	a1 := put("a1", pipeline.ArtifactProse, "ch01-sc01")
	a2 := put("a2", pipeline.ArtifactProse, "ch01-sc01")
	a3 := put("a3", pipeline.ArtifactProse, "ch02-sc01")
	put("a4", pipeline.ArtifactWorld, pipeline.MainUnit)
	assert.Equal(t, 1, a1.Version)
	assert.Equal(t, 2, a2.Version)
	assert.Equal(t, 1, a3.Version)

	got, err := repo.GetArtifact(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, "text a2", got.Content)
	assert.Equal(t, 2, got.Version)
	require.NotNil(t, got.Quality)
	assert.True(t, got.Quality.Passed)

	_, err = repo.GetArtifact(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	all, err := repo.ListArtifacts(ctx, "job-a", store.ArtifactFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	prose, err := repo.ListArtifacts(ctx, "job-a", store.ArtifactFilter{Type: pipeline.ArtifactProse, LatestOnly: true})
	require.NoError(t, err)
	require.Len(t, prose, 2)
	versions := map[string]int{}
	for _, a := range prose {
		versions[a.Key] = a.Version
	}
	assert.Equal(t, map[string]int{"ch01-sc01": 2, "ch02-sc01": 1}, versions)

	ch1, err := repo.ListArtifacts(ctx, "job-a", store.ArtifactFilter{RefGlob: "prose/ch01-*"})
	require.NoError(t, err)
	assert.Len(t, ch1, 2)

	_, err = repo.ListArtifacts(ctx, "job-a", store.ArtifactFilter{RefGlob: "prose/[ch"})
	assert.Error(t, err)
}

func testCosts(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	defer func() { _ = repo.Close() }()
	require.NoError(t, repo.CreateJob(ctx, NewJob("job-c", time.Now().UTC())))

	for i := 0; i < 3; i++ {
		s := &pipeline.CostSnapshot{
			ID: fmt.Sprintf("c%d", i), JobID: "job-c", Stage: pipeline.StageWorld, Unit: pipeline.MainUnit,
			Agent: "worldbuilder", Task: pipeline.TaskWorld, Model: "m2", Tier: pipeline.TierBalanced,
			TokensIn: 100, TokensOut: 50, Cost: 0.5, CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, repo.AppendCostSnapshot(ctx, s))
		assert.Equal(t, int64(i+1), s.Seq)
	}

	snaps, err := repo.ListCostSnapshots(ctx, "job-c")
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	for i, s := range snaps {
		assert.Equal(t, int64(i+1), s.Seq, "append order preserved")
	}
	cost, tokens := store.SumCosts(snaps)
	assert.InDelta(t, 1.5, cost, 1e-9)
	assert.Equal(t, int64(450), tokens)

	empty, err := repo.ListCostSnapshots(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testLocks(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	defer func() { _ = repo.Close() }()

	require.NoError(t, repo.AcquireJobLock(ctx, "job-l", "owner-a"))
	require.NoError(t, repo.AcquireJobLock(ctx, "job-l", "owner-a"), "re-entrant for the same owner")
	assert.ErrorIs(t, repo.AcquireJobLock(ctx, "job-l", "owner-b"), store.ErrLocked)

	owner, err := repo.JobLockOwner(ctx, "job-l")
	require.NoError(t, err)
	assert.Equal(t, "owner-a", owner)

	require.NoError(t, repo.ReleaseJobLock(ctx, "job-l", "owner-b"))
	owner, err = repo.JobLockOwner(ctx, "job-l")
	require.NoError(t, err)
	assert.Equal(t, "owner-a", owner, "release by a non-owner is a no-op")

	lock, err := repo.JobLock(ctx, "job-l")
	require.NoError(t, err)
	assert.Equal(t, "owner-a", lock.Owner)
	assert.False(t, lock.HeartbeatAt.IsZero())
	assert.False(t, lock.Stale(lock.HeartbeatAt.Add(time.Second), time.Minute))
	assert.True(t, lock.Stale(lock.HeartbeatAt.Add(2*time.Minute), time.Minute))

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, repo.HeartbeatJobLock(ctx, "job-l", "owner-a"))
	renewed, err := repo.JobLock(ctx, "job-l")
	require.NoError(t, err)
	assert.True(t, renewed.HeartbeatAt.After(lock.HeartbeatAt))
	assert.ErrorIs(t, repo.HeartbeatJobLock(ctx, "job-l", "owner-b"), store.ErrLocked)

	require.NoError(t, repo.ReleaseJobLock(ctx, "job-l", "owner-a"))
	assert.ErrorIs(t, repo.HeartbeatJobLock(ctx, "job-l", "owner-a"), store.ErrLocked)
	unlocked, err := repo.JobLock(ctx, "job-l")
	require.NoError(t, err)
	assert.True(t, unlocked.Stale(time.Now(), time.Hour))

	require.NoError(t, repo.AcquireJobLock(ctx, "job-l", "owner-b"))
	require.NoError(t, repo.BreakJobLock(ctx, "job-l"))
	owner, err = repo.JobLockOwner(ctx, "job-l")
	require.NoError(t, err)
	assert.Empty(t, owner)
}
