package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

func sampleCheckpoint(jobID string, seq int, stages ...pipeline.Stage) *pipeline.Checkpoint {
	return &pipeline.Checkpoint{
		ID:              "cp-" + jobID,
		JobID:           jobID,
		Seq:             seq,
		CompletedStages: stages,
		ArtifactVersion: map[string]int{"structure/main": 1},
		CostToDate:      float64(seq) * 1.25,
		TokensToDate:    int64(seq) * 1000,
		RetryCounters:   map[string]int{"WORLD/main": 1},
		CreatedAt:       time.Date(2026, 3, 1, 12, 0, seq, 0, time.UTC),
	}
}

// exerciseStore runs the behavior every Store must share.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Load(ctx, "job-a")
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(err))

	require.NoError(t, s.Save(ctx, sampleCheckpoint("job-a", 1, pipeline.StageStructure)))
	require.NoError(t, s.Save(ctx, sampleCheckpoint("job-a", 2, pipeline.StageStructure, pipeline.StagePlan)))

	got, err := s.Load(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Seq)
	assert.Equal(t, []pipeline.Stage{pipeline.StageStructure, pipeline.StagePlan}, got.CompletedStages)
	assert.Equal(t, 1, got.ArtifactVersion["structure/main"])
	assert.Equal(t, 1, got.RetryCounters["WORLD/main"])
	assert.InDelta(t, 2.5, got.CostToDate, 1e-9)

	err = s.Save(ctx, sampleCheckpoint("job-a", 2, pipeline.StageStructure))
	assert.ErrorIs(t, err, ErrOutOfOrder)

	hist, err := s.List(ctx, "job-a")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 1, hist[0].Seq)
	assert.Equal(t, 2, hist[1].Seq)

	_, err = s.Load(ctx, "job-b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore(t *testing.T) {
	exerciseStore(t, NewFileStore(t.TempDir()))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSaveRejectsInvalidCheckpoint(t *testing.T) {
	s := NewMemoryStore()
	cp := sampleCheckpoint("job-a", 1, pipeline.StagePlan, pipeline.StagePlan)
	assert.Error(t, s.Save(context.Background(), cp))
}

func TestFileStoreCorruptLatestIsNotSkipped(t *testing.T) {
	root := t.TempDir()
	s := NewFileStore(root)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleCheckpoint("job-c", 1, pipeline.StageStructure)))
	require.NoError(t, os.WriteFile(filepath.Join(root, "job-c", "checkpoint-000002.json"), []byte("{not json"), 0o644))

	_, err := s.Load(ctx, "job-c")
	require.Error(t, err)
	assert.True(t, IsCorrupt(err))

	hist, err := s.List(ctx, "job-c")
	require.NoError(t, err)
	assert.Len(t, hist, 1, "unreadable history entries are skipped")
}

func TestFileStoreIgnoresTempFiles(t *testing.T) {
	root := t.TempDir()
	s := NewFileStore(root)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleCheckpoint("job-d", 1)))
	require.NoError(t, os.WriteFile(filepath.Join(root, "job-d", "checkpoint.tmp.123"), []byte("partial"), 0o644))

	got, err := s.Load(ctx, "job-d")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Seq)
}

func TestMemoryStoreCorrupt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleCheckpoint("job-e", 1)))

	s.Corrupt("job-e", []byte(`{"job_id":"other","seq":1}`))
	_, err := s.Load(ctx, "job-e")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDecodeRejectsNegativeCost(t *testing.T) {
	_, err := Decode("job-f", []byte(`{"job_id":"job-f","seq":1,"cost_to_date":-1}`))
	assert.ErrorIs(t, err, ErrCorrupt)

	cp, err := Decode("job-f", []byte(`{"job_id":"job-f","seq":1}`))
	require.NoError(t, err)
	assert.NotNil(t, cp.ArtifactVersion)
}
