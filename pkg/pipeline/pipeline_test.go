package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobPending, JobRunning, true},
		{JobPending, JobCancelled, true},
		{JobPending, JobFailed, true},
		{JobRunning, JobCompleted, true},
		{JobRunning, JobFailed, true},
		{JobRunning, JobCancelled, true},
		{JobFailed, JobRunning, true},
		{JobPending, JobCompleted, false},
		{JobCompleted, JobRunning, false},
		{JobCancelled, JobRunning, false},
		{JobFailed, JobCompleted, false},
		{JobRunning, JobPending, false},
		{"unknown", JobRunning, false},
		{JobPending, "unknown", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.True(t, JobCompleted.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.True(t, JobCancelled.Terminal())
}

func TestJobClone(t *testing.T) {
	started := time.Now()
	j := &Job{
		ID:              "j1",
		CompletedStages: []Stage{StageStructure},
		Failure:         &JobFailure{Category: FailureInternal, CompletedStages: []Stage{StageStructure}},
		StartedAt:       &started,
	}
	c := j.Clone()
	c.CompletedStages[0] = StagePlan
	c.Failure.CompletedStages[0] = StagePlan
	*c.StartedAt = started.Add(time.Hour)

	assert.Equal(t, StageStructure, j.CompletedStages[0])
	assert.Equal(t, StageStructure, j.Failure.CompletedStages[0])
	assert.Equal(t, started, *j.StartedAt)
	assert.True(t, j.HasCompleted(StageStructure))
	assert.False(t, j.HasCompleted(StagePlan))

	var nilJob *Job
	assert.Nil(t, nilJob.Clone())
}

func TestNewBudgetStatus(t *testing.T) {
	st := NewBudgetStatus("j1", 10, 4)
	assert.InDelta(t, 6, st.Remaining, 1e-9)
	assert.False(t, st.Exceeded)

	st = NewBudgetStatus("j1", 10, 12)
	assert.Zero(t, st.Remaining)
	assert.True(t, st.Exceeded)

	st = NewBudgetStatus("j1", 0, 0)
	assert.False(t, st.Exceeded)
}

func TestArtifactRef(t *testing.T) {
	a := Artifact{Type: ArtifactProse, Key: "ch01-sc02"}
	assert.Equal(t, "prose/ch01-sc02", a.Ref())
	assert.Equal(t, "outline/main", ArtifactRef(ArtifactOutline, MainUnit))
}

func TestFailingAxes(t *testing.T) {
	q := &QualityCheckResult{Axes: []AxisVerdict{
		{Axis: AxisCoherence, Passed: false},
		{Axis: AxisLogic, Passed: true},
		{Axis: AxisTemporal, Passed: false},
	}}
	assert.Equal(t, []Axis{AxisCoherence, AxisTemporal}, q.FailingAxes())

	var nilResult *QualityCheckResult
	assert.Nil(t, nilResult.FailingAxes())
}

func TestCheckpointValidate(t *testing.T) {
	good := &Checkpoint{JobID: "j1", Seq: 2, CompletedStages: []Stage{StageStructure, StagePlan}}
	require.NoError(t, good.Validate())

	tests := []struct {
		name string
		cp   *Checkpoint
		want string
	}{
		{"nil", nil, "nil"},
		{"missing job", &Checkpoint{Seq: 1}, "job_id"},
		{"negative seq", &Checkpoint{JobID: "j1", Seq: -1}, "seq"},
		{"negative cost", &Checkpoint{JobID: "j1", CostToDate: -0.5}, "cost_to_date"},
		{"duplicate stage", &Checkpoint{JobID: "j1", CompletedStages: []Stage{StagePlan, StagePlan}}, "twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cp.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCheckpointClone(t *testing.T) {
	cp := &Checkpoint{
		JobID:           "j1",
		CompletedStages: []Stage{StageStructure},
		ArtifactVersion: map[string]int{"structure/main": 1},
		RetryCounters:   map[string]int{"PROSE/ch01-sc01": 1},
	}
	c := cp.Clone()
	c.CompletedStages[0] = StagePlan
	c.ArtifactVersion["structure/main"] = 2
	c.RetryCounters["PROSE/ch01-sc01"] = 2

	assert.Equal(t, StageStructure, cp.CompletedStages[0])
	assert.Equal(t, 1, cp.ArtifactVersion["structure/main"])
	assert.Equal(t, 1, cp.RetryCounters["PROSE/ch01-sc01"])
}

func TestDefaultStagesAreValid(t *testing.T) {
	defs := DefaultStages()
	require.NoError(t, ValidateOrdering(defs))
	assert.Equal(t, StageStructure, defs[0].Name)
	assert.Equal(t, StagePackage, defs[len(defs)-1].Name)
	assert.Len(t, DefaultStageNames(), len(defs))

	// Callers get a copy.
	defs[0].Name = "MUTATED"
	assert.Equal(t, StageStructure, DefaultStages()[0].Name)
}

func TestLookupStage(t *testing.T) {
	d, ok := LookupStage(" prose ")
	require.True(t, ok)
	assert.Equal(t, StageProse, d.Name)
	assert.Equal(t, FanOutScene, d.FanOut)

	_, ok = LookupStage("EDITING")
	assert.False(t, ok)
}

func TestResolveStages(t *testing.T) {
	defs, err := ResolveStages([]string{"STRUCTURE", "PLAN", "QA"})
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageStructure, StagePlan, StageQA}, StageNames(defs))

	tests := []struct {
		name  string
		names []string
		want  string
	}{
		{"empty", nil, "empty"},
		{"unknown", []string{"STRUCTURE", "EDITING"}, "unknown stage"},
		{"duplicate", []string{"STRUCTURE", "STRUCTURE"}, "more than once"},
		{"input not produced", []string{"STRUCTURE", "QA"}, "not produced"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveStages(tt.names)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateOrderingRejectsMalformedStages(t *testing.T) {
	base, ok := LookupStage("STRUCTURE")
	require.True(t, ok)

	noProduct := base
	noProduct.Produces = ""
	assert.ErrorContains(t, ValidateOrdering([]StageDef{noProduct}), "produced artifact type")

	badFanOut := base
	badFanOut.FanOut = "paragraph"
	assert.ErrorContains(t, ValidateOrdering([]StageDef{badFanOut}), "fan-out")

	badKind := base
	badKind.Kind = "review"
	assert.ErrorContains(t, ValidateOrdering([]StageDef{badKind}), "kind")

	noName := base
	noName.Name = ""
	assert.ErrorContains(t, ValidateOrdering([]StageDef{noName}), "name is required")
}

func TestTierValid(t *testing.T) {
	assert.True(t, TierEconomy.Valid())
	assert.True(t, TierPremium.Valid())
	assert.False(t, Tier(0).Valid())
	assert.False(t, Tier(4).Valid())
}
