package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/goscribe/pkg/agent"
	"github.com/3leaps/goscribe/pkg/events"
	"github.com/3leaps/goscribe/pkg/pipeline"
)

// executePackage assembles the manuscript from the latest chapter-level
// artifacts of the first fanned-out input type and adds front matter from a
// single formatting call.
func (x *Executor) executePackage(ctx context.Context, run *Run, def pipeline.StageDef) (*Result, error) {
	o := x.Outline(run)
	body := x.bodyArtifacts(run, def)
	if len(body) == 0 {
		return nil, &UnitError{Stage: def.Name, Unit: pipeline.MainUnit, Err: fmt.Errorf("no chapter artifacts among inputs %v", def.Inputs)}
	}

	var toc strings.Builder
	for i, c := range o.Chapters {
		fmt.Fprintf(&toc, "%d. %s\n", i+1, c.Title)
	}
	u := Unit{
		Key:    pipeline.MainUnit,
		Inputs: []Section{{Title: "Chapters", Body: toc.String()}},
	}

	system, err := render("system", promptData{Brief: run.Job.Brief, Agent: def.Agent})
	if err != nil {
		return nil, err
	}
	prompt, err := render("prompt", promptData{
		Brief: run.Job.Brief, Stage: def.Name, Agent: def.Agent,
		Instruction: def.Instruction, Unit: u, Inputs: u.Inputs,
	})
	if err != nil {
		return nil, err
	}
	var stats unitStats
	res, err := x.call(ctx, run, agent.Call{
		JobID: run.Job.ID, Stage: def.Name, Unit: u.Key, Agent: def.Agent,
		Task: def.Task, System: system, Prompt: prompt, MaxTokens: x.maxTokens(def.Task),
	}, &stats.reruns)
	if err != nil {
		return nil, &UnitError{Stage: def.Name, Unit: u.Key, Err: err}
	}

	var m strings.Builder
	fmt.Fprintf(&m, "# %s\n\n", run.Job.Brief.Title)
	m.WriteString(strings.TrimSpace(res.Text))
	for _, a := range body {
		title := a.Key
		if n, _, ok := ParseUnitKey(a.Key); ok && n <= len(o.Chapters) {
			title = fmt.Sprintf("Chapter %d: %s", n, o.Chapters[n-1].Title)
		}
		fmt.Fprintf(&m, "\n\n## %s\n\n%s", title, strings.TrimSpace(a.Content))
	}
	m.WriteString("\n")

	art := &pipeline.Artifact{
		ID:        uuid.NewString(),
		JobID:     run.Job.ID,
		Stage:     def.Name,
		Type:      def.Produces,
		Key:       pipeline.MainUnit,
		Content:   m.String(),
		Agent:     def.Agent,
		Model:     res.Selection.Model.ID,
		Tier:      res.Selection.Tier,
		CreatedAt: x.now().UTC(),
	}
	if err := x.repo.PutArtifact(ctx, art); err != nil {
		return nil, &UnitError{Stage: def.Name, Unit: u.Key, Err: fmt.Errorf("store artifact: %w", err)}
	}
	x.logger.Info("manuscript assembled",
		zap.String("job_id", run.Job.ID),
		zap.Int("chapters", len(body)),
		zap.Int("bytes", len(art.Content)))

	run.Emitter.Emit(ctx, events.Event{
		Type: events.TypeUnitCompleted, Stage: def.Name, Unit: art.Key, Percent: run.Percent,
		Message: fmt.Sprintf("%s v%d assembled from %d chapters", art.Ref(), art.Version, len(body)),
	}, nil)
	return &Result{
		Artifacts: []*pipeline.Artifact{art},
		Counters:  stats.addTo(nil, def.Name, u.Key),
	}, nil
}

// bodyArtifacts returns the chapter-keyed artifacts of the first input type
// that has any, in chapter order. Scene-level inputs are grouped by chapter.
func (x *Executor) bodyArtifacts(run *Run, def pipeline.StageDef) []*pipeline.Artifact {
	for _, t := range def.Inputs {
		arts := sortedByUnit(run.Accepted[t])
		var chapters []*pipeline.Artifact
		byChapter := map[int]*pipeline.Artifact{}
		for _, a := range arts {
			n, _, ok := ParseUnitKey(a.Key)
			if !ok {
				continue
			}
			if prev, ok := byChapter[n]; ok {
				prev.Content += "\n\n" + a.Content
				continue
			}
			merged := *a
			merged.Key = ChapterKey(n)
			byChapter[n] = &merged
			chapters = append(chapters, &merged)
		}
		if len(chapters) > 0 {
			return chapters
		}
	}
	return nil
}
