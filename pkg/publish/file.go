package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

// FilePublisher writes manuscripts under a local directory, next to a
// job.json summary.
type FilePublisher struct {
	dir string
}

// NewFilePublisher returns a publisher rooted at dir.
func NewFilePublisher(dir string) (*FilePublisher, error) {
	if dir == "" {
		return nil, fmt.Errorf("publish dir is required")
	}
	return &FilePublisher{dir: dir}, nil
}

// Name implements orchestrator.Publisher.
func (p *FilePublisher) Name() string { return TargetFile }

type jobSummary struct {
	JobID       string           `json:"job_id"`
	Title       string           `json:"title"`
	ArtifactID  string           `json:"artifact_id"`
	Version     int              `json:"version"`
	Cost        float64          `json:"cost"`
	Tokens      int64            `json:"tokens"`
	Stages      []pipeline.Stage `json:"stages"`
	PublishedAt time.Time        `json:"published_at"`
}

// Publish writes the manuscript atomically and returns its path.
func (p *FilePublisher) Publish(ctx context.Context, job *pipeline.Job, m *pipeline.Artifact) (string, error) {
	if err := checkManuscript(m); err != nil {
		return "", &Error{Op: "check", Target: TargetFile, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target := filepath.Join(p.dir, filepath.FromSlash(ObjectName("", job)))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", &Error{Op: "mkdir", Target: TargetFile, Location: target, Err: err}
	}
	if err := writeAtomic(target, []byte(m.Content)); err != nil {
		return "", &Error{Op: "write", Target: TargetFile, Location: target, Err: err}
	}

	summary, err := json.MarshalIndent(jobSummary{
		JobID: job.ID, Title: job.Brief.Title, ArtifactID: m.ID, Version: m.Version,
		Cost: job.ActualCost, Tokens: job.TokensUsed, Stages: job.CompletedStages,
		PublishedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return "", err
	}
	meta := filepath.Join(filepath.Dir(target), "job.json")
	if err := writeAtomic(meta, append(summary, '\n')); err != nil {
		return "", &Error{Op: "write", Target: TargetFile, Location: meta, Err: err}
	}
	return target, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".publish-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}
