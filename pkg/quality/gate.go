// Package quality implements the quality gate: an LLM review of an artifact
// scored on fixed axes, the pass rule, and the repair notes fed back into the
// next draft.
package quality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/goscribe/pkg/agent"
	"github.com/3leaps/goscribe/pkg/pipeline"
)

// ErrGateExhausted is wrapped when a unit used every repair attempt without passing.
var ErrGateExhausted = errors.New("quality gate repair attempts exhausted")

// ExhaustedError carries the last verdict of a unit that never passed.
type ExhaustedError struct {
	Unit   string
	Drafts int
	Result *pipeline.QualityCheckResult
}

func (e *ExhaustedError) Error() string {
	score := 0.0
	if e.Result != nil {
		score = e.Result.Score
	}
	return fmt.Sprintf("unit %s failed quality gate after %d draft(s), last score %.3f", e.Unit, e.Drafts, score)
}

// Unwrap returns ErrGateExhausted.
func (e *ExhaustedError) Unwrap() error {
	return ErrGateExhausted
}

// IsExhausted reports whether err is a quality gate exhaustion.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrGateExhausted)
}

// Default gate settings.
const (
	DefaultThreshold         = 0.85
	DefaultMaxRepairAttempts = 3
	DefaultReviewMaxTokens   = 800
	DefaultMaxContentChars   = 60_000

	// ReviewerAgent is the agent name recorded on review cost snapshots.
	ReviewerAgent = "quality-reviewer"
)

// Config tunes the gate.
type Config struct {
	// Thresholds holds the per-axis pass line. Axes missing from the map use
	// DefaultThreshold.
	Thresholds        map[pipeline.Axis]float64
	MaxRepairAttempts int
	ReviewMaxTokens   int
	MaxContentChars   int
}

// DefaultConfig returns the gate defaults.
func DefaultConfig() Config {
	t := make(map[pipeline.Axis]float64, len(pipeline.AllAxes))
	for _, a := range pipeline.AllAxes {
		t[a] = DefaultThreshold
	}
	return Config{
		Thresholds:        t,
		MaxRepairAttempts: DefaultMaxRepairAttempts,
		ReviewMaxTokens:   DefaultReviewMaxTokens,
		MaxContentChars:   DefaultMaxContentChars,
	}
}

// Validate checks thresholds and limits.
func (c Config) Validate() error {
	for a, v := range c.Thresholds {
		if !knownAxis(a) {
			return fmt.Errorf("unknown quality axis %q", a)
		}
		if v <= 0 || v > 1 {
			return fmt.Errorf("threshold for %s must be in (0,1], got %.3f", a, v)
		}
	}
	if c.MaxRepairAttempts < 0 {
		return fmt.Errorf("max_repair_attempts must be >= 0, got %d", c.MaxRepairAttempts)
	}
	return nil
}

func knownAxis(a pipeline.Axis) bool {
	for _, k := range pipeline.AllAxes {
		if k == a {
			return true
		}
	}
	return false
}

// Caller issues one agent call bound to the job's ledger and cost recorder.
type Caller func(ctx context.Context, call agent.Call) (agent.Result, error)

// Subject is the artifact version under review.
type Subject struct {
	Artifact *pipeline.Artifact

	// Brief and Context give the reviewer what the draft must stay consistent with.
	Brief   pipeline.Brief
	Context string

	// Draft is the 1-based generation number for this unit.
	Draft int
}

// Gate evaluates drafts.
type Gate struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGate validates cfg and returns a gate.
func NewGate(cfg Config, opts ...Option) (*Gate, error) {
	if cfg.Thresholds == nil {
		cfg.Thresholds = map[pipeline.Axis]float64{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReviewMaxTokens <= 0 {
		cfg.ReviewMaxTokens = DefaultReviewMaxTokens
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = DefaultMaxContentChars
	}
	g := &Gate{cfg: cfg, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// MaxRepairAttempts returns the configured repair bound.
func (g *Gate) MaxRepairAttempts() int {
	return g.cfg.MaxRepairAttempts
}

// Threshold returns the pass line for axis a.
func (g *Gate) Threshold(a pipeline.Axis) float64 {
	if v, ok := g.cfg.Thresholds[a]; ok {
		return v
	}
	return DefaultThreshold
}

// Evaluate reviews s with a tier-1 call through call. A reply that cannot be
// parsed yields a failing verdict rather than an error; errors are reserved
// for the call itself (budget, exhausted retries, cancellation).
func (g *Gate) Evaluate(ctx context.Context, call Caller, s Subject) (*pipeline.QualityCheckResult, error) {
	a := s.Artifact
	res, err := call(ctx, agent.Call{
		JobID:     a.JobID,
		Stage:     a.Stage,
		Unit:      a.Key,
		Agent:     ReviewerAgent,
		Task:      pipeline.TaskQualityReview,
		System:    reviewSystem,
		Prompt:    g.reviewPrompt(s),
		MaxTokens: g.cfg.ReviewMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("quality review of %s: %w", a.Ref(), err)
	}

	scores, issues, perr := ParseVerdict(res.Text)
	if perr != nil {
		g.logger.Warn("unparseable quality verdict",
			zap.String("job_id", a.JobID),
			zap.String("artifact", a.Ref()),
			zap.Error(perr))
		issues = append(issues, "reviewer verdict could not be parsed: "+perr.Error())
	}
	return g.Judge(a, scores, issues, s.Draft), nil
}

// Judge applies the pass rule: every axis must meet its threshold. Score is
// the mean over all axes; a missing axis scores zero.
func (g *Gate) Judge(a *pipeline.Artifact, scores map[pipeline.Axis]float64, issues []string, draft int) *pipeline.QualityCheckResult {
	out := &pipeline.QualityCheckResult{
		ID:          uuid.NewString(),
		ArtifactID:  a.ID,
		Passed:      true,
		Attempt:     draft,
		EvaluatedAt: g.now().UTC(),
	}
	var sum float64
	for _, axis := range pipeline.AllAxes {
		score, ok := scores[axis]
		if !ok && len(scores) > 0 {
			issues = append(issues, fmt.Sprintf("reviewer gave no score for %s", axis))
		}
		th := g.Threshold(axis)
		v := pipeline.AxisVerdict{Axis: axis, Score: score, Threshold: th, Passed: score >= th}
		if !v.Passed {
			out.Passed = false
		}
		out.Axes = append(out.Axes, v)
		sum += score
	}
	out.Score = sum / float64(len(pipeline.AllAxes))
	out.Issues = issues
	return out
}

// RepairNotes renders a failing verdict as prompt context for the next draft.
func RepairNotes(r *pipeline.QualityCheckResult) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("The previous draft failed review.\n")
	for _, v := range r.Axes {
		if !v.Passed {
			fmt.Fprintf(&b, "- %s scored %.2f (needs %.2f)\n", v.Axis, v.Score, v.Threshold)
		}
	}
	for _, issue := range r.Issues {
		fmt.Fprintf(&b, "- %s\n", issue)
	}
	b.WriteString("Address every point above in the new draft.")
	return b.String()
}

type verdict struct {
	Coherence  *float64           `json:"coherence"`
	Logic      *float64           `json:"logic"`
	Psychology *float64           `json:"psychology"`
	Temporal   *float64           `json:"temporal_consistency"`
	Scores     map[string]float64 `json:"scores"`
	Issues     []string           `json:"issues"`
}

// ParseVerdict extracts axis scores and issues from a reviewer reply. The
// reply may wrap the JSON object in prose or a code fence. Scores may appear
// at top level or under "scores"; values are clamped to [0,1].
func ParseVerdict(text string) (map[pipeline.Axis]float64, []string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, nil, errors.New("no JSON object in reply")
	}
	var v verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return nil, nil, err
	}

	scores := make(map[pipeline.Axis]float64, len(pipeline.AllAxes))
	for k, s := range v.Scores {
		if knownAxis(pipeline.Axis(k)) {
			scores[pipeline.Axis(k)] = clamp(s)
		}
	}
	for axis, p := range map[pipeline.Axis]*float64{
		pipeline.AxisCoherence:  v.Coherence,
		pipeline.AxisLogic:      v.Logic,
		pipeline.AxisPsychology: v.Psychology,
		pipeline.AxisTemporal:   v.Temporal,
	} {
		if p != nil {
			scores[axis] = clamp(*p)
		}
	}
	if len(scores) == 0 {
		return nil, v.Issues, errors.New("reply has no axis scores")
	}
	return scores, v.Issues, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

const reviewSystem = `You are a demanding fiction editor. Score the draft from 0 to 1 on each axis and list concrete issues.
Reply with JSON only: {"coherence":0.0,"logic":0.0,"psychology":0.0,"temporal_consistency":0.0,"issues":["..."]}`

func (g *Gate) reviewPrompt(s Subject) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work: %q (%s, %s)\n", s.Brief.Title, s.Brief.Genre, s.Brief.ProductionType)
	if s.Brief.Premise != "" {
		fmt.Fprintf(&b, "Premise: %s\n", s.Brief.Premise)
	}
	fmt.Fprintf(&b, "Artifact: %s (stage %s, draft %d)\n", s.Artifact.Ref(), s.Artifact.Stage, s.Draft)

	axes := make([]string, 0, len(pipeline.AllAxes))
	for _, a := range pipeline.AllAxes {
		axes = append(axes, fmt.Sprintf("%s>=%.2f", a, g.Threshold(a)))
	}
	sort.Strings(axes)
	fmt.Fprintf(&b, "Pass lines: %s\n", strings.Join(axes, ", "))

	if s.Context != "" {
		b.WriteString("\n## Reference material\n")
		b.WriteString(truncate(s.Context, g.cfg.MaxContentChars/2))
		b.WriteString("\n")
	}
	b.WriteString("\n## Draft\n")
	b.WriteString(truncate(s.Artifact.Content, g.cfg.MaxContentChars))
	return b.String()
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[...truncated]"
}
