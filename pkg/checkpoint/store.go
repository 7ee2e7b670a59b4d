// Package checkpoint persists the durable progress snapshots a job resumes
// from.
//
// Snapshots are immutable: Save only ever adds a checkpoint with a higher
// sequence number than the latest one, and older snapshots are retained for
// audit. Load returns the latest snapshot only; if that snapshot cannot be
// decoded the job is not resumable and Load returns ErrCorrupt rather than
// silently falling back to an older one.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

var (
	// ErrNotFound indicates no checkpoint exists for the job.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt indicates the latest checkpoint is unreadable or invalid.
	ErrCorrupt = errors.New("checkpoint corrupt")

	// ErrOutOfOrder indicates a Save whose sequence does not advance.
	ErrOutOfOrder = errors.New("checkpoint sequence does not advance")
)

// IsNotFound returns true if err indicates a missing checkpoint.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCorrupt returns true if err indicates an unreadable checkpoint.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}

// Store is the narrow persistence interface the state machine depends on.
type Store interface {
	// Save persists cp. cp.Seq must be greater than the latest saved seq.
	Save(ctx context.Context, cp *pipeline.Checkpoint) error

	// Load returns the latest checkpoint for jobID, ErrNotFound, or ErrCorrupt.
	Load(ctx context.Context, jobID string) (*pipeline.Checkpoint, error)

	// List returns every retained checkpoint for jobID in ascending seq order.
	// Unreadable entries are skipped.
	List(ctx context.Context, jobID string) ([]*pipeline.Checkpoint, error)
}

// Encode serializes a checkpoint for storage.
func Encode(cp *pipeline.Checkpoint) ([]byte, error) {
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint: %w", err)
	}
	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return append(b, '\n'), nil
}

// Decode parses and validates a stored checkpoint. Every failure wraps
// ErrCorrupt.
func Decode(jobID string, b []byte) (*pipeline.Checkpoint, error) {
	var cp pipeline.Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, fmt.Errorf("%w: job %s: %v", ErrCorrupt, jobID, err)
	}
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("%w: job %s: %v", ErrCorrupt, jobID, err)
	}
	if cp.JobID != jobID {
		return nil, fmt.Errorf("%w: job %s: snapshot belongs to %s", ErrCorrupt, jobID, cp.JobID)
	}
	if cp.ArtifactVersion == nil {
		cp.ArtifactVersion = map[string]int{}
	}
	return &cp, nil
}
