// Package tier maps agent tasks to a cost/quality tier and a concrete model.
//
// The mapping is a static table validated once at construction. Selection is a
// pure function of (task kind, pivotal override).
package tier

import (
	"errors"
	"fmt"
	"math"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

// ErrUnknownTask indicates a task kind missing from the tier table.
var ErrUnknownTask = errors.New("unknown task kind")

// Model is a concrete model identifier with its token pricing.
type Model struct {
	Tier pipeline.Tier `json:"tier" mapstructure:"tier"`
	ID   string        `json:"id" mapstructure:"model"`

	// InputPer1K and OutputPer1K are USD prices per 1000 tokens.
	InputPer1K  float64 `json:"input_per_1k" mapstructure:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" mapstructure:"output_per_1k"`
}

// Cost returns the price of a call with the given token counts.
func (m Model) Cost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1000*m.InputPer1K + float64(tokensOut)/1000*m.OutputPer1K
}

// Estimate returns an upper-bound cost for a prompt of promptChars characters
// that may generate up to maxTokens tokens.
func (m Model) Estimate(promptChars, maxTokens int) float64 {
	return m.Cost(EstimateTokens(promptChars), maxTokens)
}

// EstimateTokens is a conservative character-to-token estimate (4 chars/token,
// rounded up).
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return int(math.Ceil(float64(chars) / 4))
}

// Selection is the resolved tier and model for one call.
type Selection struct {
	Task  pipeline.TaskKind
	Tier  pipeline.Tier
	Model Model
}

var defaultTable = map[pipeline.TaskKind]pipeline.Tier{
	pipeline.TaskStructure:     pipeline.TierEconomy,
	pipeline.TaskValidation:    pipeline.TierEconomy,
	pipeline.TaskFormatting:    pipeline.TierEconomy,
	pipeline.TaskQualityReview: pipeline.TierEconomy,
	pipeline.TaskPlan:          pipeline.TierBalanced,
	pipeline.TaskWorld:         pipeline.TierBalanced,
	pipeline.TaskCharacter:     pipeline.TierBalanced,
	pipeline.TaskProse:         pipeline.TierBalanced,
	pipeline.TaskStyle:         pipeline.TierBalanced,
	pipeline.TaskDialog:        pipeline.TierBalanced,
	pipeline.TaskPivotalProse:  pipeline.TierPremium,
}

// DefaultTable returns a copy of the built-in task -> tier table.
func DefaultTable() map[pipeline.TaskKind]pipeline.Tier {
	out := make(map[pipeline.TaskKind]pipeline.Tier, len(defaultTable))
	for k, v := range defaultTable {
		out[k] = v
	}
	return out
}

// Selector resolves task kinds to models.
type Selector struct {
	table  map[pipeline.TaskKind]pipeline.Tier
	models map[pipeline.Tier]Model
}

// New builds a Selector from tier models and the default task table.
func New(models []Model) (*Selector, error) {
	return NewWithTable(models, DefaultTable())
}

// NewWithTable builds a Selector and validates that every task kind resolves
// to a configured tier with a model and non-negative prices.
func NewWithTable(models []Model, table map[pipeline.TaskKind]pipeline.Tier) (*Selector, error) {
	s := &Selector{
		table:  make(map[pipeline.TaskKind]pipeline.Tier, len(table)),
		models: make(map[pipeline.Tier]Model, len(models)),
	}
	for _, m := range models {
		if !m.Tier.Valid() {
			return nil, fmt.Errorf("tier %d is out of range 1..3", m.Tier)
		}
		if m.ID == "" {
			return nil, fmt.Errorf("tier %d: model id is required", m.Tier)
		}
		if m.InputPer1K < 0 || m.OutputPer1K < 0 {
			return nil, fmt.Errorf("tier %d: prices must be non-negative", m.Tier)
		}
		if _, dup := s.models[m.Tier]; dup {
			return nil, fmt.Errorf("tier %d configured twice", m.Tier)
		}
		s.models[m.Tier] = m
	}
	for _, t := range []pipeline.Tier{pipeline.TierEconomy, pipeline.TierBalanced, pipeline.TierPremium} {
		if _, ok := s.models[t]; !ok {
			return nil, fmt.Errorf("tier %d has no model", t)
		}
	}
	for k, v := range table {
		if !v.Valid() {
			return nil, fmt.Errorf("task %s maps to invalid tier %d", k, v)
		}
		s.table[k] = v
	}
	for _, k := range pipeline.AllTaskKinds {
		if _, ok := s.table[k]; !ok {
			return nil, fmt.Errorf("%w: %s has no tier", ErrUnknownTask, k)
		}
	}
	return s, nil
}

// Select resolves a task to its tier and model. When pivotal is true the
// premium tier is used regardless of the table.
func (s *Selector) Select(task pipeline.TaskKind, pivotal bool) (Selection, error) {
	t, ok := s.table[task]
	if !ok {
		return Selection{}, fmt.Errorf("%w: %s", ErrUnknownTask, task)
	}
	if pivotal {
		t = pipeline.TierPremium
	}
	return Selection{Task: task, Tier: t, Model: s.models[t]}, nil
}

// Model returns the model configured for a tier.
func (s *Selector) Model(t pipeline.Tier) (Model, bool) {
	m, ok := s.models[t]
	return m, ok
}
