package pipeline

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a generation job.
//
// NOTE: These values are persisted and are part of the stable contract.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further automatic transitions happen from s.
// A failed job may still be resumed explicitly.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

var allowedTransitions = map[JobStatus]map[JobStatus]struct{}{
	JobPending: {
		JobRunning:   {},
		JobCancelled: {},
		JobFailed:    {},
	},
	JobRunning: {
		JobCompleted: {},
		JobFailed:    {},
		JobCancelled: {},
	},
	// Resume is the only way out of failed.
	JobFailed: {
		JobRunning: {},
	},
	JobCompleted: {},
	JobCancelled: {},
}

// ValidateTransition returns an error if from -> to is not a legal job transition.
func ValidateTransition(from, to JobStatus) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("invalid job status: %q", from)
	}
	if _, ok := allowedTransitions[to]; !ok {
		return fmt.Errorf("invalid job status: %q", to)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("invalid job transition: %s -> %s", from, to)
	}
	return nil
}

// ProductionType is the kind of long-form work requested.
type ProductionType string

const (
	ProductionNovel   ProductionType = "novel"
	ProductionNovella ProductionType = "novella"
	ProductionSerial  ProductionType = "serial"
)

// Word-count bounds accepted for a brief.
const (
	MinTargetWords = 30_000
	MaxTargetWords = 500_000
)

// Brief holds the requested production parameters for a job.
type Brief struct {
	Title          string         `json:"title" yaml:"title"`
	Genre          string         `json:"genre" yaml:"genre"`
	ProductionType ProductionType `json:"production_type" yaml:"production_type"`
	TargetWords    int            `json:"target_words" yaml:"target_words"`
	BudgetLimit    float64        `json:"budget_limit,omitempty" yaml:"budget_limit,omitempty"`
	Premise        string         `json:"premise" yaml:"premise"`
	Tone           string         `json:"tone,omitempty" yaml:"tone,omitempty"`
	Audience       string         `json:"audience,omitempty" yaml:"audience,omitempty"`
	Owner          string         `json:"owner,omitempty" yaml:"owner,omitempty"`
	Notes          string         `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// FailureCategory is the job-visible error taxonomy.
type FailureCategory string

const (
	FailureTransientExhausted FailureCategory = "provider_transient_exhausted"
	FailureProviderFatal      FailureCategory = "provider_fatal"
	FailureBudgetExceeded     FailureCategory = "budget_exceeded"
	FailureQualityGate        FailureCategory = "quality_gate"
	FailureCheckpointCorrupt  FailureCategory = "checkpoint_corrupt"
	FailureInterrupted        FailureCategory = "interrupted"
	FailureInternal           FailureCategory = "internal"
)

// JobFailure is the diagnosis attached to a failed job.
type JobFailure struct {
	Stage             Stage               `json:"stage,omitempty"`
	Unit              string              `json:"unit,omitempty"`
	Category          FailureCategory     `json:"category"`
	Message           string              `json:"message"`
	LastCheckpointSeq int                 `json:"last_checkpoint_seq"`
	CompletedStages   []Stage             `json:"completed_stages"`
	CostAtFailure     float64             `json:"cost_at_failure"`
	Quality           *QualityCheckResult `json:"quality,omitempty"`
	OccurredAt        time.Time           `json:"occurred_at"`
}

// Job is a long-form generation request and its progress.
//
// A Job is mutated only by the State Machine that owns it while running.
type Job struct {
	ID              string      `json:"id"`
	Brief           Brief       `json:"brief"`
	BudgetLimit     float64     `json:"budget_limit"`
	Status          JobStatus   `json:"status"`
	CurrentStage    Stage       `json:"current_stage,omitempty"`
	CompletedStages []Stage     `json:"completed_stages"`
	ActualCost      float64     `json:"actual_cost"`
	TokensUsed      int64       `json:"tokens_used"`
	Failure         *JobFailure `json:"failure,omitempty"`
	EventSeq        int64       `json:"event_seq"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	EndedAt         *time.Time  `json:"ended_at,omitempty"`
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.CompletedStages = append([]Stage(nil), j.CompletedStages...)
	if j.Failure != nil {
		f := *j.Failure
		f.CompletedStages = append([]Stage(nil), j.Failure.CompletedStages...)
		out.Failure = &f
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		out.EndedAt = &t
	}
	return &out
}

// HasCompleted reports whether stage s is in the job's completed list.
func (j *Job) HasCompleted(s Stage) bool {
	for _, c := range j.CompletedStages {
		if c == s {
			return true
		}
	}
	return false
}

// BudgetStatus answers the cost/budget query for a job.
type BudgetStatus struct {
	JobID     string  `json:"job_id"`
	Limit     float64 `json:"limit"`
	Used      float64 `json:"used"`
	Remaining float64 `json:"remaining"`
	Exceeded  bool    `json:"exceeded"`
}

// NewBudgetStatus derives remaining/exceeded from limit and used.
func NewBudgetStatus(jobID string, limit, used float64) BudgetStatus {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return BudgetStatus{
		JobID:     jobID,
		Limit:     limit,
		Used:      used,
		Remaining: remaining,
		Exceeded:  used >= limit && limit > 0,
	}
}
