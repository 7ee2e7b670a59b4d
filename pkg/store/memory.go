package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

// MemoryRepository is a process-local Repository. Records are deep-copied on
// the way in and out.
type MemoryRepository struct {
	mu        sync.RWMutex
	jobs      map[string]*pipeline.Job
	artifacts map[string]*pipeline.Artifact
	byJob     map[string][]string
	costs     map[string][]pipeline.CostSnapshot
	locks     map[string]JobLock
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:      make(map[string]*pipeline.Job),
		artifacts: make(map[string]*pipeline.Artifact),
		byJob:     make(map[string][]string),
		costs:     make(map[string][]pipeline.CostSnapshot),
		locks:     make(map[string]JobLock),
	}
}

func (r *MemoryRepository) CreateJob(_ context.Context, job *pipeline.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("%w: job %s", ErrConflict, job.ID)
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryRepository) UpdateJob(_ context.Context, job *pipeline.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; !ok {
		return fmt.Errorf("%w: job %s", ErrNotFound, job.ID)
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryRepository) GetJob(_ context.Context, id string) (*pipeline.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return j.Clone(), nil
}

func (r *MemoryRepository) ListJobs(_ context.Context, f JobFilter) ([]*pipeline.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*pipeline.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Owner != "" && j.Brief.Owner != f.Owner {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) PutArtifact(_ context.Context, a *pipeline.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.artifacts[a.ID]; ok {
		return fmt.Errorf("%w: artifact %s", ErrConflict, a.ID)
	}
	latest := 0
	for _, id := range r.byJob[a.JobID] {
		e := r.artifacts[id]
		if e.Type == a.Type && e.Key == a.Key && e.Version > latest {
			latest = e.Version
		}
	}
	a.Version = latest + 1
	cp := *a
	r.artifacts[a.ID] = &cp
	r.byJob[a.JobID] = append(r.byJob[a.JobID], a.ID)
	return nil
}

func (r *MemoryRepository) GetArtifact(_ context.Context, id string) (*pipeline.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, id)
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) ListArtifacts(_ context.Context, jobID string, f ArtifactFilter) ([]*pipeline.Artifact, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*pipeline.Artifact
	for _, id := range r.byJob[jobID] {
		a := r.artifacts[id]
		if !f.Match(a) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	if f.LatestOnly {
		out = LatestVersions(out)
	}
	return out, nil
}

func (r *MemoryRepository) AppendCostSnapshot(_ context.Context, s *pipeline.CostSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.Seq = int64(len(r.costs[s.JobID]) + 1)
	r.costs[s.JobID] = append(r.costs[s.JobID], *s)
	return nil
}

func (r *MemoryRepository) ListCostSnapshots(_ context.Context, jobID string) ([]pipeline.CostSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]pipeline.CostSnapshot(nil), r.costs[jobID]...), nil
}

func (r *MemoryRepository) AcquireJobLock(_ context.Context, jobID, owner string) error {
	owner = normalizeOwner(owner)
	if owner == "" {
		return fmt.Errorf("lock owner is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.locks[jobID]; ok {
		if cur.Owner != owner {
			return fmt.Errorf("%w: %s held by %s", ErrLocked, jobID, cur.Owner)
		}
		return nil
	}
	now := time.Now().UTC()
	r.locks[jobID] = JobLock{Owner: owner, AcquiredAt: now, HeartbeatAt: now}
	return nil
}

func (r *MemoryRepository) HeartbeatJobLock(_ context.Context, jobID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.locks[jobID]
	if !ok || cur.Owner != normalizeOwner(owner) {
		return fmt.Errorf("%w: %s is not held by %s", ErrLocked, jobID, owner)
	}
	cur.HeartbeatAt = time.Now().UTC()
	r.locks[jobID] = cur
	return nil
}

func (r *MemoryRepository) ReleaseJobLock(_ context.Context, jobID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks[jobID].Owner == normalizeOwner(owner) {
		delete(r.locks, jobID)
	}
	return nil
}

func (r *MemoryRepository) JobLockOwner(_ context.Context, jobID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locks[jobID].Owner, nil
}

func (r *MemoryRepository) JobLock(_ context.Context, jobID string) (JobLock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locks[jobID], nil
}

func (r *MemoryRepository) BreakJobLock(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, jobID)
	return nil
}

func (r *MemoryRepository) Close() error { return nil }

var _ Repository = (*MemoryRepository)(nil)
