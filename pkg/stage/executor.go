// Package stage runs one pipeline stage: it lays out the stage's units, runs
// them on a bounded worker pool, drives each unit through the quality gate's
// repair loop, and stores every draft as a new artifact version.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/goscribe/pkg/agent"
	"github.com/3leaps/goscribe/pkg/budget"
	"github.com/3leaps/goscribe/pkg/events"
	"github.com/3leaps/goscribe/pkg/llm"
	"github.com/3leaps/goscribe/pkg/pipeline"
	"github.com/3leaps/goscribe/pkg/quality"
	"github.com/3leaps/goscribe/pkg/store"
)

// ErrCancelled is returned when cancellation was observed at a unit boundary.
var ErrCancelled = errors.New("stage cancelled")

// UnitError wraps the failure of one unit.
type UnitError struct {
	Stage pipeline.Stage
	Unit  string
	Err   error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("stage %s unit %s: %v", e.Stage, e.Unit, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// Executor defaults.
const (
	DefaultWorkers          = 4
	DefaultUnitAttempts     = 2
	DefaultMaxTokens        = 4096
	DefaultWordsPerChapter  = 3000
	DefaultScenesPerChapter = 3
	DefaultChunkSize        = 2000
	DefaultMaxInputChars    = 40_000
)

// Config tunes the executor.
type Config struct {
	// Workers bounds concurrent units within a stage.
	Workers int

	// UnitAttempts is how many times a unit call is re-run after its provider
	// retries are exhausted.
	UnitAttempts int

	DefaultMaxTokens int
	MaxTokens        map[pipeline.TaskKind]int

	WordsPerChapter  int
	ScenesPerChapter int

	// ChunkSize is the rune length of artifact.chunk payloads.
	ChunkSize     int
	MaxInputChars int
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		Workers:          DefaultWorkers,
		UnitAttempts:     DefaultUnitAttempts,
		DefaultMaxTokens: DefaultMaxTokens,
		WordsPerChapter:  DefaultWordsPerChapter,
		ScenesPerChapter: DefaultScenesPerChapter,
		ChunkSize:        DefaultChunkSize,
		MaxInputChars:    DefaultMaxInputChars,
	}
}

// Validate checks the executor limits.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.UnitAttempts < 1 {
		return fmt.Errorf("unit_attempts must be >= 1, got %d", c.UnitAttempts)
	}
	for task, n := range c.MaxTokens {
		if n <= 0 {
			return fmt.Errorf("max_tokens for %s must be > 0", task)
		}
	}
	return nil
}

// Run is the per-job context a stage executes in.
type Run struct {
	Job      *pipeline.Job
	Ledger   *budget.Ledger
	Recorder agent.CostRecorder
	Emitter  *events.Emitter

	// Accepted holds the accepted artifacts of completed stages by type.
	Accepted map[pipeline.ArtifactType][]*pipeline.Artifact

	// Stop is closed when cancellation is requested.
	Stop <-chan struct{}

	// Percent is the job progress attached to events from this stage.
	Percent float64
}

func (r *Run) stopped() bool {
	if r.Stop == nil {
		return false
	}
	select {
	case <-r.Stop:
		return true
	default:
		return false
	}
}

// Result is the accepted output of a stage, one artifact per unit in key order.
type Result struct {
	Artifacts []*pipeline.Artifact

	// Counters holds the non-zero retry counters of the stage's units, keyed
	// by pipeline.RetryCounterKey.
	Counters map[string]int
}

// unitStats counts the retries one unit needed.
type unitStats struct {
	repairs int
	reruns  int
}

func (s unitStats) addTo(counters map[string]int, st pipeline.Stage, unit string) map[string]int {
	if s.repairs == 0 && s.reruns == 0 {
		return counters
	}
	if counters == nil {
		counters = make(map[string]int)
	}
	if s.repairs > 0 {
		counters[pipeline.RetryCounterKey(st, unit, pipeline.CounterRepairs)] = s.repairs
	}
	if s.reruns > 0 {
		counters[pipeline.RetryCounterKey(st, unit, pipeline.CounterReruns)] = s.reruns
	}
	return counters
}

// Unit is one independently schedulable piece of a stage.
type Unit struct {
	Key     string
	Chapter int
	Scene   int
	Title   string
	Summary string
	Pivotal bool

	TargetWords int
	Inputs      []Section
}

// Executor runs stages.
type Executor struct {
	invoker *agent.Invoker
	gate    *quality.Gate
	repo    store.Repository
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(x *Executor) {
		if l != nil {
			x.logger = l
		}
	}
}

// New returns an executor.
func New(invoker *agent.Invoker, gate *quality.Gate, repo store.Repository, cfg Config, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = DefaultMaxTokens
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = DefaultMaxInputChars
	}
	x := &Executor{
		invoker: invoker,
		gate:    gate,
		repo:    repo,
		cfg:     cfg,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

// Execute runs def end to end under run.
func (x *Executor) Execute(ctx context.Context, run *Run, def pipeline.StageDef) (*Result, error) {
	if run.stopped() {
		return nil, ErrCancelled
	}
	if def.Kind == pipeline.StageKindPackage {
		return x.executePackage(ctx, run, def)
	}

	units := x.Units(run, def)
	log := x.logger.With(zap.String("job_id", run.Job.ID), zap.String("stage", string(def.Name)))
	log.Info("stage units planned", zap.Int("units", len(units)), zap.String("fan_out", string(def.FanOut)))

	results := make([]*pipeline.Artifact, len(units))
	stats := make([]unitStats, len(units))

	sem := make(chan struct{}, x.cfg.Workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	halted := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}
	launched := 0

	for i, u := range units {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}
		// No new unit starts after cancellation or a unit failure.
		if run.stopped() || halted() {
			<-sem
			break
		}

		launched++
		wg.Add(1)
		go func(i int, u Unit) {
			defer wg.Done()
			defer func() { <-sem }()

			art, err := x.runUnit(ctx, run, def, u, &stats[i])
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			results[i] = art
		}(i, u)
	}
	wg.Wait()

	if firstErr != nil {
		if errors.Is(firstErr, ErrCancelled) {
			return nil, ErrCancelled
		}
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if launched < len(units) {
		log.Info("stage stopped at unit boundary", zap.Int("completed_units", launched), zap.Int("units", len(units)))
		return nil, ErrCancelled
	}
	res := &Result{Artifacts: results}
	for i, u := range units {
		res.Counters = stats[i].addTo(res.Counters, def.Name, u.Key)
	}
	return res, nil
}

// runUnit generates, gates and stores drafts for u until one is accepted or
// the repair bound is reached. Every draft is stored as a new version.
func (x *Executor) runUnit(ctx context.Context, run *Run, def pipeline.StageDef, u Unit, stats *unitStats) (*pipeline.Artifact, error) {
	maxDrafts := 1
	if def.QualityGate {
		maxDrafts = x.gate.MaxRepairAttempts() + 1
	}
	task := def.Task
	if task == pipeline.TaskProse && u.Pivotal {
		task = pipeline.TaskPivotalProse
	}

	system, err := render("system", promptData{Brief: run.Job.Brief, Agent: def.Agent})
	if err != nil {
		return nil, &UnitError{Stage: def.Name, Unit: u.Key, Err: err}
	}

	var last *pipeline.QualityCheckResult
	for draft := 1; draft <= maxDrafts; draft++ {
		if draft > 1 {
			if run.stopped() {
				return nil, ErrCancelled
			}
			stats.repairs++
			run.Emitter.Emit(ctx, events.Event{
				Type: events.TypeRepairAttempt, Stage: def.Name, Unit: u.Key, Percent: run.Percent,
			}, events.RepairData{Attempt: draft - 1, Max: maxDrafts - 1, Issues: last.Issues})
		}

		prompt, err := render("prompt", promptData{
			Brief:       run.Job.Brief,
			Stage:       def.Name,
			Agent:       def.Agent,
			Instruction: def.Instruction,
			Unit:        u,
			TargetWords: u.TargetWords,
			Inputs:      u.Inputs,
			Repair:      quality.RepairNotes(last),
		})
		if err != nil {
			return nil, &UnitError{Stage: def.Name, Unit: u.Key, Err: err}
		}

		res, err := x.call(ctx, run, agent.Call{
			JobID:     run.Job.ID,
			Stage:     def.Name,
			Unit:      u.Key,
			Agent:     def.Agent,
			Task:      task,
			Pivotal:   u.Pivotal,
			System:    system,
			Prompt:    prompt,
			MaxTokens: x.maxTokens(task),
		}, &stats.reruns)
		if err != nil {
			return nil, &UnitError{Stage: def.Name, Unit: u.Key, Err: err}
		}
		if strings.TrimSpace(res.Text) == "" {
			return nil, &UnitError{Stage: def.Name, Unit: u.Key, Err: llm.ErrEmptyResponse}
		}

		art := &pipeline.Artifact{
			ID:        uuid.NewString(),
			JobID:     run.Job.ID,
			Stage:     def.Name,
			Type:      def.Produces,
			Key:       u.Key,
			Content:   res.Text,
			Agent:     def.Agent,
			Model:     res.Selection.Model.ID,
			Tier:      res.Selection.Tier,
			CreatedAt: x.now().UTC(),
		}
		if def.QualityGate {
			q, err := x.gate.Evaluate(ctx, x.caller(run, &stats.reruns), quality.Subject{
				Artifact: art,
				Brief:    run.Job.Brief,
				Context:  joinSections(u.Inputs),
				Draft:    draft,
			})
			if err != nil {
				return nil, &UnitError{Stage: def.Name, Unit: u.Key, Err: err}
			}
			art.Quality = q
		}
		if err := x.repo.PutArtifact(ctx, art); err != nil {
			return nil, &UnitError{Stage: def.Name, Unit: u.Key, Err: fmt.Errorf("store artifact: %w", err)}
		}

		if art.Quality != nil {
			run.Emitter.Emit(ctx, events.Event{
				Type: events.TypeQualityResult, Stage: def.Name, Unit: u.Key, Percent: run.Percent,
			}, events.QualityData{ArtifactID: art.ID, Result: art.Quality})
		}
		if art.Quality == nil || art.Quality.Passed {
			x.emitAccepted(ctx, run, art)
			return art, nil
		}
		last = art.Quality
		x.logger.Info("draft failed quality gate",
			zap.String("job_id", run.Job.ID),
			zap.String("stage", string(def.Name)),
			zap.String("unit", u.Key),
			zap.Int("draft", draft),
			zap.Float64("score", last.Score))
	}
	return nil, &UnitError{Stage: def.Name, Unit: u.Key, Err: &quality.ExhaustedError{Unit: u.Key, Drafts: maxDrafts, Result: last}}
}

// call invokes the agent, re-running the whole call up to UnitAttempts times
// when its provider retries are exhausted. Each re-run is added to reruns.
func (x *Executor) call(ctx context.Context, run *Run, c agent.Call, reruns *int) (agent.Result, error) {
	for attempt := 1; ; attempt++ {
		res, err := x.invoker.Invoke(ctx, run.Ledger, run.Recorder, c)
		if err == nil || !agent.IsRetriesExhausted(err) || attempt >= x.cfg.UnitAttempts {
			return res, err
		}
		*reruns++
		x.logger.Warn("unit call exhausted retries, re-running",
			zap.String("job_id", c.JobID),
			zap.String("stage", string(c.Stage)),
			zap.String("unit", c.Unit),
			zap.Int("unit_attempt", attempt),
			zap.Error(err))
	}
}

func (x *Executor) caller(run *Run, reruns *int) quality.Caller {
	return func(ctx context.Context, c agent.Call) (agent.Result, error) {
		return x.call(ctx, run, c, reruns)
	}
}

func (x *Executor) maxTokens(task pipeline.TaskKind) int {
	if n, ok := x.cfg.MaxTokens[task]; ok {
		return n
	}
	return x.cfg.DefaultMaxTokens
}

func (x *Executor) emitAccepted(ctx context.Context, run *Run, art *pipeline.Artifact) {
	parts := chunk(art.Content, x.cfg.ChunkSize)
	for i, p := range parts {
		run.Emitter.Emit(ctx, events.Event{
			Type: events.TypeArtifactChunk, Stage: art.Stage, Unit: art.Key, Percent: run.Percent,
		}, events.ChunkData{ArtifactID: art.ID, Version: art.Version, Index: i, Total: len(parts), Text: p})
	}
	run.Emitter.Emit(ctx, events.Event{
		Type: events.TypeUnitCompleted, Stage: art.Stage, Unit: art.Key, Percent: run.Percent,
		Message: fmt.Sprintf("%s v%d accepted", art.Ref(), art.Version),
	}, nil)
}

// Outline returns the layout for run: the accepted outline artifact when it
// parses, otherwise one derived from the brief.
func (x *Executor) Outline(run *Run) *Outline {
	for _, a := range run.Accepted[pipeline.ArtifactOutline] {
		if a.Key != pipeline.MainUnit {
			continue
		}
		o, err := ParseOutline(a.Content)
		if err == nil {
			return o
		}
		x.logger.Warn("outline artifact unusable, deriving layout from brief",
			zap.String("job_id", run.Job.ID), zap.Error(err))
	}
	return DeriveOutline(run.Job.Brief, x.cfg.WordsPerChapter, x.cfg.ScenesPerChapter)
}

// Units lays out def's units for run.
func (x *Executor) Units(run *Run, def pipeline.StageDef) []Unit {
	switch def.FanOut {
	case pipeline.FanOutScene:
		o := x.Outline(run)
		shared := x.sections(run, def, func(a *pipeline.Artifact) bool { return a.Key == pipeline.MainUnit })
		perScene := 0
		if n := o.SceneCount(); n > 0 {
			perScene = run.Job.Brief.TargetWords / n
		}
		var out []Unit
		for i, c := range o.Chapters {
			for j, s := range c.Scenes {
				out = append(out, Unit{
					Key: SceneKey(i+1, j+1), Chapter: i + 1, Scene: j + 1,
					Title: c.Title, Summary: s.Summary, Pivotal: s.Pivotal,
					TargetWords: perScene, Inputs: shared,
				})
			}
		}
		return out

	case pipeline.FanOutChapter:
		o := x.Outline(run)
		perChapter := run.Job.Brief.TargetWords / len(o.Chapters)
		out := make([]Unit, 0, len(o.Chapters))
		for i, c := range o.Chapters {
			key := ChapterKey(i + 1)
			out = append(out, Unit{
				Key: key, Chapter: i + 1, Title: c.Title, TargetWords: perChapter,
				Inputs: x.sections(run, def, func(a *pipeline.Artifact) bool {
					return a.Key == pipeline.MainUnit || a.Key == key || strings.HasPrefix(a.Key, key+"-")
				}),
			})
		}
		return out

	default:
		return []Unit{{
			Key:    pipeline.MainUnit,
			Inputs: x.sections(run, def, func(*pipeline.Artifact) bool { return true }),
		}}
	}
}

// sections renders def's accepted inputs that pass keep, one section per
// input type, with fanned-out artifacts concatenated in outline order.
func (x *Executor) sections(run *Run, def pipeline.StageDef, keep func(*pipeline.Artifact) bool) []Section {
	var out []Section
	for _, t := range def.Inputs {
		arts := sortedByUnit(run.Accepted[t])
		var b strings.Builder
		for _, a := range arts {
			if !keep(a) {
				continue
			}
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			if a.Key != pipeline.MainUnit {
				fmt.Fprintf(&b, "### %s\n", a.Key)
			}
			b.WriteString(a.Content)
		}
		if b.Len() == 0 {
			continue
		}
		out = append(out, Section{Title: sectionTitle(t), Body: truncate(b.String(), x.cfg.MaxInputChars)})
	}
	return out
}

func sectionTitle(t pipeline.ArtifactType) string {
	s := strings.ReplaceAll(string(t), "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func sortedByUnit(in []*pipeline.Artifact) []*pipeline.Artifact {
	out := append([]*pipeline.Artifact(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return unitKeyLess(out[i].Key, out[j].Key) })
	return out
}

func joinSections(secs []Section) string {
	var b strings.Builder
	for _, s := range secs {
		fmt.Fprintf(&b, "## %s\n%s\n\n", s.Title, s.Body)
	}
	return strings.TrimSpace(b.String())
}
