package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

// FileStore keeps checkpoints as JSON files.
//
// Directory layout:
//
//	<root>/<job_id>/checkpoint-000001.json
//	<root>/<job_id>/checkpoint-000002.json
//
// Files are written to a temp file and renamed into place, so a crash never
// leaves a half-written snapshot under its final name.
type FileStore struct {
	root string
}

// NewFileStore returns a store rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: strings.TrimSpace(root)}
}

// RootDir returns the store root.
func (s *FileStore) RootDir() string {
	return s.root
}

// JobDir returns the directory holding jobID's checkpoints.
func (s *FileStore) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *FileStore) path(jobID string, seq int) string {
	return filepath.Join(s.JobDir(jobID), fmt.Sprintf("checkpoint-%06d.json", seq))
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, cp *pipeline.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.root == "" {
		return fmt.Errorf("checkpoint root dir is empty")
	}
	b, err := Encode(cp)
	if err != nil {
		return err
	}

	seqs, err := s.seqs(cp.JobID)
	if err != nil {
		return err
	}
	if n := len(seqs); n > 0 && cp.Seq <= seqs[n-1] {
		return fmt.Errorf("%w: job %s has seq %d, got %d", ErrOutOfOrder, cp.JobID, seqs[n-1], cp.Seq)
	}

	jobDir := s.JobDir(cp.JobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(jobDir, "checkpoint.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path(cp.JobID, cp.Seq)); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, jobID string) (*pipeline.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seqs, err := s.seqs(jobID)
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return s.read(jobID, seqs[len(seqs)-1])
}

// List implements Store.
func (s *FileStore) List(ctx context.Context, jobID string) ([]*pipeline.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seqs, err := s.seqs(jobID)
	if err != nil {
		return nil, err
	}
	out := make([]*pipeline.Checkpoint, 0, len(seqs))
	for _, seq := range seqs {
		cp, err := s.read(jobID, seq)
		if err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *FileStore) read(jobID string, seq int) (*pipeline.Checkpoint, error) {
	b, err := os.ReadFile(s.path(jobID, seq))
	if err != nil {
		return nil, fmt.Errorf("%w: job %s: %v", ErrCorrupt, jobID, err)
	}
	cp, err := Decode(jobID, b)
	if err != nil {
		return nil, err
	}
	if cp.Seq != seq {
		return nil, fmt.Errorf("%w: job %s: file seq %d holds seq %d", ErrCorrupt, jobID, seq, cp.Seq)
	}
	return cp, nil
}

// seqs returns the sequence numbers on disk for jobID, ascending.
func (s *FileStore) seqs(jobID string) ([]int, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	entries, err := os.ReadDir(s.JobDir(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	var out []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "checkpoint-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "checkpoint-"), ".json"))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

var _ Store = (*FileStore)(nil)
