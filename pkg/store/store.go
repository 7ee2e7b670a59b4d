// Package store defines the narrow repository the orchestrator reads and
// writes jobs, artifacts, cost snapshots and execution locks through.
//
// Implementations: MemoryRepository (this package) and the SQL repository in
// pkg/store/sqlstore.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a record with the same identity already exists.
	ErrConflict = errors.New("conflict")

	// ErrLocked indicates another owner holds the job execution lock.
	ErrLocked = errors.New("job is locked")
)

// IsNotFound returns true if err indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status pipeline.JobStatus
	Owner  string
	Limit  int
}

// ArtifactFilter narrows ListArtifacts.
type ArtifactFilter struct {
	Type pipeline.ArtifactType

	// RefGlob is a doublestar pattern matched against "<type>/<key>",
	// e.g. "prose/ch01-*".
	RefGlob string

	// LatestOnly keeps only the highest version per (type, key).
	LatestOnly bool
}

// Validate checks the glob syntax.
func (f ArtifactFilter) Validate() error {
	if f.RefGlob != "" && !doublestar.ValidatePattern(f.RefGlob) {
		return fmt.Errorf("invalid artifact glob %q", f.RefGlob)
	}
	return nil
}

// Match reports whether a passes the filter (LatestOnly is applied by callers).
func (f ArtifactFilter) Match(a *pipeline.Artifact) bool {
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.RefGlob != "" {
		ok, err := doublestar.Match(f.RefGlob, a.Ref())
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// Repository is the persistence surface of the orchestrator.
type Repository interface {
	CreateJob(ctx context.Context, job *pipeline.Job) error
	UpdateJob(ctx context.Context, job *pipeline.Job) error
	GetJob(ctx context.Context, id string) (*pipeline.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*pipeline.Job, error)

	// PutArtifact stores a new artifact version. The repository assigns
	// a.Version as one more than the latest version of (job, type, key).
	PutArtifact(ctx context.Context, a *pipeline.Artifact) error
	GetArtifact(ctx context.Context, id string) (*pipeline.Artifact, error)
	ListArtifacts(ctx context.Context, jobID string, f ArtifactFilter) ([]*pipeline.Artifact, error)

	// AppendCostSnapshot appends s and assigns its per-job Seq.
	AppendCostSnapshot(ctx context.Context, s *pipeline.CostSnapshot) error
	ListCostSnapshots(ctx context.Context, jobID string) ([]pipeline.CostSnapshot, error)

	// AcquireJobLock takes the execution lock for jobID or returns ErrLocked.
	AcquireJobLock(ctx context.Context, jobID, owner string) error
	// ReleaseJobLock releases a lock held by owner. Releasing a lock that is
	// not held is not an error.
	ReleaseJobLock(ctx context.Context, jobID, owner string) error
	// HeartbeatJobLock renews the lease of a lock held by owner, or returns
	// ErrLocked when owner no longer holds it.
	HeartbeatJobLock(ctx context.Context, jobID, owner string) error
	// JobLockOwner returns the current owner, or "" if unlocked.
	JobLockOwner(ctx context.Context, jobID string) (string, error)
	// JobLock returns the lock record; the zero value means unlocked.
	JobLock(ctx context.Context, jobID string) (JobLock, error)
	// BreakJobLock releases the lock regardless of owner.
	BreakJobLock(ctx context.Context, jobID string) error

	Close() error
}

// JobLock is the execution lock of one job. HeartbeatAt is renewed by the
// running owner; a lock whose heartbeat is older than the lease is stale.
type JobLock struct {
	Owner       string
	AcquiredAt  time.Time
	HeartbeatAt time.Time
}

// Stale reports whether the lease expired at now.
func (l JobLock) Stale(now time.Time, ttl time.Duration) bool {
	return l.Owner == "" || now.Sub(l.HeartbeatAt) > ttl
}

// SumCosts totals a snapshot list.
func SumCosts(snaps []pipeline.CostSnapshot) (float64, int64) {
	var cost float64
	var tokens int64
	for _, s := range snaps {
		cost += s.Cost
		tokens += int64(s.TokensIn + s.TokensOut)
	}
	return cost, tokens
}

// LatestVersions reduces artifacts to the highest version per ref.
func LatestVersions(in []*pipeline.Artifact) []*pipeline.Artifact {
	idx := make(map[string]int, len(in))
	out := make([]*pipeline.Artifact, 0, len(in))
	for _, a := range in {
		ref := a.Ref()
		if i, ok := idx[ref]; ok {
			if a.Version > out[i].Version {
				out[i] = a
			}
			continue
		}
		idx[ref] = len(out)
		out = append(out, a)
	}
	return out
}

func normalizeOwner(owner string) string {
	return strings.TrimSpace(owner)
}
