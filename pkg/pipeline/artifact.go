package pipeline

import (
	"fmt"
	"time"
)

// MainUnit is the unit key used by stages that do not fan out.
const MainUnit = "main"

// Artifact is one immutable, versioned output of a stage.
//
// Artifacts are keyed by (JobID, Type, Key, Version). Key identifies the
// sub-unit ("main" for stages without fan-out, "ch03" or "ch03-sc02" otherwise).
// A repair writes a new version; an existing version is never edited.
type Artifact struct {
	ID        string       `json:"id"`
	JobID     string       `json:"job_id"`
	Stage     Stage        `json:"stage"`
	Type      ArtifactType `json:"type"`
	Key       string       `json:"key"`
	Version   int          `json:"version"`
	Content   string       `json:"content"`
	Agent     string       `json:"agent"`
	Model     string       `json:"model"`
	Tier      Tier         `json:"tier"`
	CreatedAt time.Time    `json:"created_at"`

	// Quality is the gate verdict for this version, if it was evaluated.
	Quality *QualityCheckResult `json:"quality,omitempty"`
}

// Ref returns the stable reference "<type>/<key>" for an artifact.
func (a Artifact) Ref() string {
	return ArtifactRef(a.Type, a.Key)
}

// ArtifactRef builds the "<type>/<key>" reference used in checkpoints.
func ArtifactRef(t ArtifactType, key string) string {
	return fmt.Sprintf("%s/%s", t, key)
}

// Axis is one dimension the quality gate scores.
type Axis string

const (
	AxisCoherence  Axis = "coherence"
	AxisLogic      Axis = "logic"
	AxisPsychology Axis = "psychology"
	AxisTemporal   Axis = "temporal_consistency"
)

// AllAxes lists the fixed evaluation axes in reporting order.
var AllAxes = []Axis{AxisCoherence, AxisLogic, AxisPsychology, AxisTemporal}

// AxisVerdict is the score and pass/fail decision for one axis.
type AxisVerdict struct {
	Axis      Axis    `json:"axis"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Passed    bool    `json:"passed"`
}

// QualityCheckResult is the quality gate's verdict on one artifact version.
type QualityCheckResult struct {
	ID          string        `json:"id"`
	ArtifactID  string        `json:"artifact_id"`
	Score       float64       `json:"score"`
	Passed      bool          `json:"passed"`
	Axes        []AxisVerdict `json:"axes"`
	Issues      []string      `json:"issues,omitempty"`
	Attempt     int           `json:"attempt"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// FailingAxes returns the axes that did not meet their threshold.
func (q *QualityCheckResult) FailingAxes() []Axis {
	if q == nil {
		return nil
	}
	var out []Axis
	for _, a := range q.Axes {
		if !a.Passed {
			out = append(out, a.Axis)
		}
	}
	return out
}

// CostSnapshot records one provider call. Snapshots are append-only; the sum
// over a job is its actual cost.
type CostSnapshot struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Seq       int64     `json:"seq"`
	Stage     Stage     `json:"stage"`
	Unit      string    `json:"unit,omitempty"`
	Agent     string    `json:"agent"`
	Task      TaskKind  `json:"task"`
	Model     string    `json:"model"`
	Tier      Tier      `json:"tier"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	Cost      float64   `json:"cost"`
	CreatedAt time.Time `json:"created_at"`
}

// Retry counter kinds recorded on a checkpoint.
const (
	// CounterRepairs counts drafts after the first for a gated unit.
	CounterRepairs = "repairs"
	// CounterReruns counts unit calls re-run after provider retries ran out.
	CounterReruns = "reruns"
)

// RetryCounterKey names a checkpoint retry counter, e.g. "WORLD/main/repairs".
func RetryCounterKey(s Stage, unit, kind string) string {
	return string(s) + "/" + unit + "/" + kind
}

// Checkpoint is the durable snapshot that lets a job resume without re-running
// completed stages. It is the only state trusted across a restart.
type Checkpoint struct {
	ID              string         `json:"id"`
	JobID           string         `json:"job_id"`
	Seq             int            `json:"seq"`
	CompletedStages []Stage        `json:"completed_stages"`
	ArtifactVersion map[string]int `json:"artifact_versions"`
	CostToDate      float64        `json:"cost_to_date"`
	TokensToDate    int64          `json:"tokens_to_date"`
	RetryCounters   map[string]int `json:"retry_counters,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Clone returns a deep copy of c.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.CompletedStages = append([]Stage(nil), c.CompletedStages...)
	out.ArtifactVersion = make(map[string]int, len(c.ArtifactVersion))
	for k, v := range c.ArtifactVersion {
		out.ArtifactVersion[k] = v
	}
	if c.RetryCounters != nil {
		out.RetryCounters = make(map[string]int, len(c.RetryCounters))
		for k, v := range c.RetryCounters {
			out.RetryCounters[k] = v
		}
	}
	return &out
}

// Validate checks the structural invariants a loaded checkpoint must satisfy.
func (c *Checkpoint) Validate() error {
	if c == nil {
		return fmt.Errorf("checkpoint is nil")
	}
	if c.JobID == "" {
		return fmt.Errorf("checkpoint job_id is empty")
	}
	if c.Seq < 0 {
		return fmt.Errorf("checkpoint seq is negative")
	}
	if c.CostToDate < 0 {
		return fmt.Errorf("checkpoint cost_to_date is negative")
	}
	seen := make(map[Stage]struct{}, len(c.CompletedStages))
	for _, s := range c.CompletedStages {
		if _, dup := seen[s]; dup {
			return fmt.Errorf("checkpoint lists stage %s twice", s)
		}
		seen[s] = struct{}{}
	}
	return nil
}
