// Package pipeline defines the core types shared by the goscribe orchestration
// engine: stages, task kinds, jobs, artifacts, cost snapshots, checkpoints and
// quality results.
//
// Stages are data. The State Machine walks an ordered []StageDef; nothing in the
// engine switches on a specific stage name except the default definitions below.
package pipeline

import (
	"fmt"
	"strings"
)

// Stage identifies one ordered phase of the generation pipeline.
//
// NOTE: These values are persisted in job records and checkpoints and are part
// of the stable on-disk contract.
type Stage string

const (
	StageStructure        Stage = "STRUCTURE"
	StagePlan             Stage = "PLAN"
	StageQA               Stage = "QA"
	StageWorld            Stage = "WORLD"
	StageCharacterProfile Stage = "CHARACTER_PROFILE"
	StageProse            Stage = "PROSE"
	StageStyle            Stage = "STYLE"
	StageDialog           Stage = "DIALOG"
	StagePackage          Stage = "PACKAGE"
)

// TaskKind is the closed set of agent tasks. The tier selector maps each kind
// to a cost/quality tier through a static table.
type TaskKind string

const (
	TaskStructure     TaskKind = "structure"
	TaskPlan          TaskKind = "plan"
	TaskValidation    TaskKind = "validation"
	TaskWorld         TaskKind = "world"
	TaskCharacter     TaskKind = "character"
	TaskProse         TaskKind = "prose"
	TaskPivotalProse  TaskKind = "pivotal_prose"
	TaskStyle         TaskKind = "style"
	TaskDialog        TaskKind = "dialog"
	TaskFormatting    TaskKind = "formatting"
	TaskQualityReview TaskKind = "quality_review"
)

// AllTaskKinds lists every TaskKind. Startup validation uses it to prove the
// tier table is total.
var AllTaskKinds = []TaskKind{
	TaskStructure,
	TaskPlan,
	TaskValidation,
	TaskWorld,
	TaskCharacter,
	TaskProse,
	TaskPivotalProse,
	TaskStyle,
	TaskDialog,
	TaskFormatting,
	TaskQualityReview,
}

// Tier is a cost/quality class of model: 1 = cheap/fast, 2 = balanced, 3 = premium.
type Tier int

const (
	TierEconomy  Tier = 1
	TierBalanced Tier = 2
	TierPremium  Tier = 3
)

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	return t >= TierEconomy && t <= TierPremium
}

// FanOut describes how a stage decomposes into sub-units.
type FanOut string

const (
	FanOutNone    FanOut = "none"
	FanOutScene   FanOut = "scene"
	FanOutChapter FanOut = "chapter"
)

// StageKind selects the executor strategy for a stage.
type StageKind string

const (
	// StageKindGenerate runs agent calls (optionally fanned out) and gates the output.
	StageKindGenerate StageKind = "generate"

	// StageKindPackage assembles the manuscript locally from chapter artifacts
	// and makes a single formatting call for front matter.
	StageKindPackage StageKind = "package"
)

// ArtifactType names the kind of output a stage produces.
type ArtifactType string

const (
	ArtifactStructure  ArtifactType = "structure"
	ArtifactOutline    ArtifactType = "outline"
	ArtifactQAReport   ArtifactType = "qa_report"
	ArtifactWorld      ArtifactType = "world"
	ArtifactCharacters ArtifactType = "characters"
	ArtifactProse      ArtifactType = "prose"
	ArtifactStyled     ArtifactType = "styled_chapter"
	ArtifactDialog     ArtifactType = "dialog_chapter"
	ArtifactManuscript ArtifactType = "manuscript"
)

// StageDef is the data description of a stage.
type StageDef struct {
	Name        Stage          `json:"name" yaml:"name"`
	Kind        StageKind      `json:"kind" yaml:"kind"`
	Task        TaskKind       `json:"task" yaml:"task"`
	Agent       string         `json:"agent" yaml:"agent"`
	Produces    ArtifactType   `json:"produces" yaml:"produces"`
	Inputs      []ArtifactType `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	FanOut      FanOut         `json:"fan_out" yaml:"fan_out"`
	QualityGate bool           `json:"quality_gate" yaml:"quality_gate"`
	Instruction string         `json:"instruction,omitempty" yaml:"instruction,omitempty"`
}

var defaultStages = []StageDef{
	{
		Name: StageStructure, Kind: StageKindGenerate, Task: TaskStructure, Agent: "architect",
		Produces: ArtifactStructure, FanOut: FanOutNone,
		Instruction: "Design the macro structure: acts, turning points, and the arc of the central conflict.",
	},
	{
		Name: StagePlan, Kind: StageKindGenerate, Task: TaskPlan, Agent: "planner",
		Produces: ArtifactOutline, Inputs: []ArtifactType{ArtifactStructure}, FanOut: FanOutNone,
		Instruction: `Produce a chapter and scene outline as JSON: {"chapters":[{"title":"...","scenes":[{"summary":"...","pivotal":false}]}]}. Mark the climax scene pivotal.`,
	},
	{
		Name: StageQA, Kind: StageKindGenerate, Task: TaskValidation, Agent: "plan-auditor",
		Produces: ArtifactQAReport, Inputs: []ArtifactType{ArtifactStructure, ArtifactOutline}, FanOut: FanOutNone,
		Instruction: "Audit the outline for plot holes, pacing problems, and timeline contradictions. List concrete fixes.",
	},
	{
		Name: StageWorld, Kind: StageKindGenerate, Task: TaskWorld, Agent: "worldbuilder",
		Produces: ArtifactWorld, Inputs: []ArtifactType{ArtifactStructure, ArtifactOutline, ArtifactQAReport},
		FanOut: FanOutNone, QualityGate: true,
		Instruction: "Write the world specification: setting, rules, institutions, history relevant to the plot.",
	},
	{
		Name: StageCharacterProfile, Kind: StageKindGenerate, Task: TaskCharacter, Agent: "character-designer",
		Produces: ArtifactCharacters, Inputs: []ArtifactType{ArtifactOutline, ArtifactWorld},
		FanOut: FanOutNone, QualityGate: true,
		Instruction: "Write character profiles: motivation, wound, voice, relationships, and arc per principal character.",
	},
	{
		Name: StageProse, Kind: StageKindGenerate, Task: TaskProse, Agent: "prose-writer",
		Produces: ArtifactProse, Inputs: []ArtifactType{ArtifactOutline, ArtifactWorld, ArtifactCharacters},
		FanOut: FanOutScene, QualityGate: true,
		Instruction: "Write the scene in full prose. Stay consistent with the world, the characters, and the timeline.",
	},
	{
		Name: StageStyle, Kind: StageKindGenerate, Task: TaskStyle, Agent: "stylist",
		Produces: ArtifactStyled, Inputs: []ArtifactType{ArtifactProse, ArtifactCharacters},
		FanOut: FanOutChapter, QualityGate: true,
		Instruction: "Revise the chapter for a consistent voice and rhythm. Preserve every plot event.",
	},
	{
		Name: StageDialog, Kind: StageKindGenerate, Task: TaskDialog, Agent: "dialog-editor",
		Produces: ArtifactDialog, Inputs: []ArtifactType{ArtifactStyled, ArtifactCharacters},
		FanOut: FanOutChapter, QualityGate: true,
		Instruction: "Polish dialogue so each character sounds distinct. Preserve every plot event.",
	},
	{
		Name: StagePackage, Kind: StageKindPackage, Task: TaskFormatting, Agent: "packager",
		Produces: ArtifactManuscript, Inputs: []ArtifactType{ArtifactDialog, ArtifactOutline}, FanOut: FanOutNone,
		Instruction: "Write front matter: title page, a two-paragraph blurb, and a table of contents.",
	},
}

// DefaultStages returns a copy of the built-in stage definitions in their
// canonical order.
func DefaultStages() []StageDef {
	out := make([]StageDef, len(defaultStages))
	for i, d := range defaultStages {
		d.Inputs = append([]ArtifactType(nil), d.Inputs...)
		out[i] = d
	}
	return out
}

// DefaultStageNames returns the canonical stage ordering.
func DefaultStageNames() []string {
	out := make([]string, 0, len(defaultStages))
	for _, d := range defaultStages {
		out = append(out, string(d.Name))
	}
	return out
}

// LookupStage returns the built-in definition for a stage name.
func LookupStage(name string) (StageDef, bool) {
	want := Stage(strings.ToUpper(strings.TrimSpace(name)))
	for _, d := range DefaultStages() {
		if d.Name == want {
			return d, true
		}
	}
	return StageDef{}, false
}

// ResolveStages turns an ordered list of stage names into definitions and
// validates the ordering.
func ResolveStages(names []string) ([]StageDef, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("stage ordering is empty")
	}
	defs := make([]StageDef, 0, len(names))
	for _, n := range names {
		d, ok := LookupStage(n)
		if !ok {
			return nil, fmt.Errorf("unknown stage %q", n)
		}
		defs = append(defs, d)
	}
	if err := ValidateOrdering(defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// ValidateOrdering checks that stage names are unique, every stage is well
// formed, and each input artifact is produced by an earlier stage.
func ValidateOrdering(defs []StageDef) error {
	if len(defs) == 0 {
		return fmt.Errorf("stage ordering is empty")
	}
	seen := make(map[Stage]struct{}, len(defs))
	produced := make(map[ArtifactType]struct{}, len(defs))
	for i, d := range defs {
		if d.Name == "" {
			return fmt.Errorf("stage %d: name is required", i)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("stage %s appears more than once", d.Name)
		}
		seen[d.Name] = struct{}{}
		if d.Produces == "" {
			return fmt.Errorf("stage %s: produced artifact type is required", d.Name)
		}
		switch d.FanOut {
		case FanOutNone, FanOutScene, FanOutChapter:
		default:
			return fmt.Errorf("stage %s: unknown fan-out %q", d.Name, d.FanOut)
		}
		switch d.Kind {
		case StageKindGenerate, StageKindPackage:
		default:
			return fmt.Errorf("stage %s: unknown kind %q", d.Name, d.Kind)
		}
		for _, in := range d.Inputs {
			if _, ok := produced[in]; !ok {
				return fmt.Errorf("stage %s: input %s is not produced by an earlier stage", d.Name, in)
			}
		}
		produced[d.Produces] = struct{}{}
	}
	return nil
}

// StageNames extracts the names from a slice of definitions.
func StageNames(defs []StageDef) []Stage {
	out := make([]Stage, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}
