// Package events carries typed, ordered progress events from a running job to
// its subscribers.
//
// A job run owns one Emitter. The Emitter stamps every event with the job id,
// a per-job monotonic sequence number and a non-decreasing percentage, then
// hands it to each Sink in order. Sinks never feed errors back into the job.
package events

import (
	"encoding/json"
	"time"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

// Type identifies an event kind.
//
// NOTE: These values are part of the stable wire contract (SSE, JSONL, Pub/Sub).
type Type string

const (
	TypeJobStarted       Type = "job.started"
	TypeJobResumed       Type = "job.resumed"
	TypeJobCompleted     Type = "job.completed"
	TypeJobFailed        Type = "job.failed"
	TypeJobCancelled     Type = "job.cancelled"
	TypeStageStarted     Type = "stage.started"
	TypeStageCompleted   Type = "stage.completed"
	TypeUnitCompleted    Type = "unit.completed"
	TypeArtifactChunk    Type = "artifact.chunk"
	TypeQualityResult    Type = "quality.result"
	TypeRepairAttempt    Type = "repair.attempt"
	TypeCostUpdate       Type = "cost.update"
	TypeBudgetWarning    Type = "budget.warning"
	TypeArtifactsOrphans Type = "artifacts.orphaned"
	TypePublishCompleted Type = "publish.completed"
	TypePublishFailed    Type = "publish.failed"
)

// Terminal reports whether t ends a run.
func (t Type) Terminal() bool {
	switch t {
	case TypeJobCompleted, TypeJobFailed, TypeJobCancelled:
		return true
	default:
		return false
	}
}

// Event is one progress record.
type Event struct {
	ID      string          `json:"id"`
	JobID   string          `json:"job_id"`
	Seq     int64           `json:"seq"`
	Type    Type            `json:"type"`
	Stage   pipeline.Stage  `json:"stage,omitempty"`
	Unit    string          `json:"unit,omitempty"`
	Percent float64         `json:"percent"`
	Cost    float64         `json:"cost"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	TS      time.Time       `json:"ts"`
}

// ChunkData is the payload of artifact.chunk events.
type ChunkData struct {
	ArtifactID string `json:"artifact_id"`
	Version    int    `json:"version"`
	Index      int    `json:"index"`
	Total      int    `json:"total"`
	Text       string `json:"text"`
}

// QualityData is the payload of quality.result events.
type QualityData struct {
	ArtifactID string                       `json:"artifact_id"`
	Result     *pipeline.QualityCheckResult `json:"result"`
}

// RepairData is the payload of repair.attempt events.
type RepairData struct {
	Attempt int      `json:"attempt"`
	Max     int      `json:"max"`
	Issues  []string `json:"issues,omitempty"`
}

// CostData is the payload of cost.update events.
type CostData struct {
	Snapshot pipeline.CostSnapshot `json:"snapshot"`
	Total    float64               `json:"total"`
	Limit    float64               `json:"limit"`
}

// BudgetData is the payload of budget.warning events.
type BudgetData struct {
	Status pipeline.BudgetStatus `json:"status"`
}

// FailureData is the payload of job.failed events.
type FailureData struct {
	Failure *pipeline.JobFailure `json:"failure"`
}

// OrphanData is the payload of artifacts.orphaned events.
type OrphanData struct {
	ArtifactIDs []string `json:"artifact_ids"`
}

// PublishData is the payload of publish.* events.
type PublishData struct {
	Target   string `json:"target"`
	Location string `json:"location,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}
