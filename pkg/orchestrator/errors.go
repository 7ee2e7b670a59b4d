package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/3leaps/goscribe/pkg/agent"
	"github.com/3leaps/goscribe/pkg/budget"
	"github.com/3leaps/goscribe/pkg/checkpoint"
	"github.com/3leaps/goscribe/pkg/llm"
	"github.com/3leaps/goscribe/pkg/pipeline"
	"github.com/3leaps/goscribe/pkg/quality"
	"github.com/3leaps/goscribe/pkg/stage"
)

var (
	// ErrJobNotFound indicates an unknown job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobLocked indicates another state machine owns the job.
	ErrJobLocked = errors.New("job is locked by another runner")

	// ErrLockLost indicates the job lock was broken while this process ran it.
	ErrLockLost = errors.New("job lock lost to another runner")

	// ErrNotResumable indicates the job's state or failure category forbids resume.
	ErrNotResumable = errors.New("job is not resumable")

	// ErrBudgetNotRaised indicates a budget-exceeded job was resumed without a higher ceiling.
	ErrBudgetNotRaised = errors.New("resume after budget exhaustion requires a raised budget")

	// ErrJobFinished indicates the operation needs a job that has not reached a terminal state.
	ErrJobFinished = errors.New("job already finished")

	// ErrQuotaExceeded is returned by quota checkers that refuse a new job.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidBudget indicates a budget outside (0, max_ceiling].
	ErrInvalidBudget = errors.New("invalid budget")
)

// StageError is a stage-level unrecoverable failure.
type StageError struct {
	Stage    pipeline.Stage
	Unit     string
	Category pipeline.FailureCategory
	Quality  *pipeline.QualityCheckResult
	Err      error
}

func (e *StageError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Category, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Classify maps an error escaping a stage to the job-visible failure category.
func Classify(err error) pipeline.FailureCategory {
	var ce *agent.CallError
	switch {
	case err == nil:
		return ""
	case budget.IsBudgetExceeded(err):
		return pipeline.FailureBudgetExceeded
	case quality.IsExhausted(err):
		return pipeline.FailureQualityGate
	case checkpoint.IsCorrupt(err):
		return pipeline.FailureCheckpointCorrupt
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return pipeline.FailureInterrupted
	case agent.IsRetriesExhausted(err):
		return pipeline.FailureTransientExhausted
	case errors.As(err, &ce), errors.Is(err, llm.ErrEmptyResponse):
		return pipeline.FailureProviderFatal
	default:
		return pipeline.FailureInternal
	}
}

func newStageError(s pipeline.Stage, err error) *StageError {
	se := &StageError{Stage: s, Category: Classify(err), Err: err}
	var ue *stage.UnitError
	if errors.As(err, &ue) {
		se.Unit = ue.Unit
	}
	var ee *quality.ExhaustedError
	if errors.As(err, &ee) {
		se.Quality = ee.Result
	}
	return se
}
