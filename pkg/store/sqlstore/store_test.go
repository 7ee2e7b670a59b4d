package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/goscribe/pkg/checkpoint"
	"github.com/3leaps/goscribe/pkg/pipeline"
	"github.com/3leaps/goscribe/pkg/store"
	"github.com/3leaps/goscribe/pkg/store/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "nested", "goscribe.db")})
	require.NoError(t, err)
	return s
}

func TestSQLiteRepository(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Repository {
		return openTestStore(t)
	})
}

func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("GOSCRIBE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GOSCRIBE_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) store.Repository {
		s, err := Open(context.Background(), Config{Driver: DriverPostgres, DSN: dsn})
		require.NoError(t, err)
		for _, tbl := range []string{"jobs", "artifacts", "cost_snapshots", "job_locks", "checkpoints"} {
			_, err := s.DB().Exec("DELETE FROM " + tbl)
			require.NoError(t, err)
		}
		return s
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Migrate(context.Background()))
	var v int
	require.NoError(t, s.DB().QueryRow(`SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&v))
	assert.Equal(t, SchemaVersion, v)
}

func TestCheckpointStore(t *testing.T) {
	s := openTestStore(t)
	defer func() { _ = s.Close() }()
	cps := s.Checkpoints()
	ctx := context.Background()

	_, err := cps.Load(ctx, "job-x")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)

	for seq := 0; seq < 3; seq++ {
		require.NoError(t, cps.Save(ctx, &pipeline.Checkpoint{
			ID: "cp", JobID: "job-x", Seq: seq, CostToDate: float64(seq),
			ArtifactVersion: map[string]int{}, CreatedAt: time.Now().UTC(),
		}))
	}
	err = cps.Save(ctx, &pipeline.Checkpoint{JobID: "job-x", Seq: 1})
	assert.ErrorIs(t, err, checkpoint.ErrOutOfOrder)

	latest, err := cps.Load(ctx, "job-x")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Seq)

	hist, err := cps.List(ctx, "job-x")
	require.NoError(t, err)
	assert.Len(t, hist, 3)

	_, err = s.DB().Exec(`UPDATE checkpoints SET payload='garbage' WHERE job_id='job-x' AND seq=2`)
	require.NoError(t, err)
	_, err = cps.Load(ctx, "job-x")
	assert.ErrorIs(t, err, checkpoint.ErrCorrupt)
}

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()

	dsn, err := buildDSN(Config{Path: filepath.Join(dir, "a", "db.sqlite")})
	require.NoError(t, err)
	assert.Equal(t, "file:"+filepath.Join(dir, "a", "db.sqlite"), dsn)

	dsn, err = buildDSN(Config{URL: "libsql://example.turso.io", AuthToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "libsql://example.turso.io?authToken=tok", dsn)

	dsn, err = buildDSN(Config{Path: ":memory:"})
	require.NoError(t, err)
	assert.Equal(t, ":memory:", dsn)

	_, err = buildDSN(Config{})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x=? AND y=?`
	assert.Equal(t, q, dialectSQLite.rebind(q))
	assert.Equal(t, `SELECT a FROM t WHERE x=$1 AND y=$2`, dialectPostgres.rebind(q))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"})
	assert.Error(t, err)
}
