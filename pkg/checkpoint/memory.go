package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

// MemoryStore keeps encoded checkpoints in memory. Snapshots round-trip
// through Encode/Decode so it behaves like the durable stores.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][][]byte)}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, cp *pipeline.Checkpoint) error {
	b, err := Encode(cp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.data[cp.JobID]
	if n := len(hist); n > 0 {
		last, err := Decode(cp.JobID, hist[n-1])
		if err == nil && cp.Seq <= last.Seq {
			return fmt.Errorf("%w: job %s has seq %d, got %d", ErrOutOfOrder, cp.JobID, last.Seq, cp.Seq)
		}
	}
	s.data[cp.JobID] = append(hist, b)
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, jobID string) (*pipeline.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.data[jobID]
	if len(hist) == 0 {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return Decode(jobID, hist[len(hist)-1])
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, jobID string) ([]*pipeline.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*pipeline.Checkpoint
	for _, b := range s.data[jobID] {
		if cp, err := Decode(jobID, b); err == nil {
			out = append(out, cp)
		}
	}
	return out, nil
}

// Corrupt replaces the latest snapshot of jobID with raw bytes. Tests use it
// to simulate an unreadable checkpoint.
func (s *MemoryStore) Corrupt(jobID string, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.data[jobID]
	if len(hist) == 0 {
		s.data[jobID] = [][]byte{raw}
		return
	}
	hist[len(hist)-1] = raw
}

var _ Store = (*MemoryStore)(nil)
