package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/3leaps/goscribe/pkg/checkpoint"
	"github.com/3leaps/goscribe/pkg/pipeline"
)

// CheckpointStore is a checkpoint.Store sharing the repository database.
type CheckpointStore struct {
	s *Store
}

// Checkpoints returns the checkpoint store backed by s.
func (s *Store) Checkpoints() *CheckpointStore {
	return &CheckpointStore{s: s}
}

// Save implements checkpoint.Store.
func (c *CheckpointStore) Save(ctx context.Context, cp *pipeline.Checkpoint) error {
	b, err := checkpoint.Encode(cp)
	if err != nil {
		return err
	}
	tx, err := c.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx, c.s.q(`SELECT MAX(seq) FROM checkpoints WHERE job_id=?`), cp.JobID).Scan(&latest); err != nil {
		return fmt.Errorf("read checkpoint seq: %w", err)
	}
	if latest.Valid && int64(cp.Seq) <= latest.Int64 {
		return fmt.Errorf("%w: job %s has seq %d, got %d", checkpoint.ErrOutOfOrder, cp.JobID, latest.Int64, cp.Seq)
	}
	if _, err := tx.ExecContext(ctx, c.s.q(`INSERT INTO checkpoints (job_id, seq, payload, created_at) VALUES (?, ?, ?, ?)`),
		cp.JobID, cp.Seq, string(b), formatTime(cp.CreatedAt)); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: job %s seq %d already written", checkpoint.ErrOutOfOrder, cp.JobID, cp.Seq)
		}
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Load implements checkpoint.Store.
func (c *CheckpointStore) Load(ctx context.Context, jobID string) (*pipeline.Checkpoint, error) {
	var payload string
	err := c.s.db.QueryRowContext(ctx, c.s.q(`SELECT payload FROM checkpoints WHERE job_id=? ORDER BY seq DESC LIMIT 1`),
		jobID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", checkpoint.ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return checkpoint.Decode(jobID, []byte(payload))
}

// List implements checkpoint.Store.
func (c *CheckpointStore) List(ctx context.Context, jobID string) ([]*pipeline.Checkpoint, error) {
	rows, err := c.s.db.QueryContext(ctx, c.s.q(`SELECT payload FROM checkpoints WHERE job_id=? ORDER BY seq ASC`), jobID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*pipeline.Checkpoint
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if cp, err := checkpoint.Decode(jobID, []byte(payload)); err == nil {
			out = append(out, cp)
		}
	}
	return out, rows.Err()
}

var _ checkpoint.Store = (*CheckpointStore)(nil)
