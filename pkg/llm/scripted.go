package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

// Step is one scripted reply. When Err is set the call fails with it; token
// counts set alongside Err are reported as billed usage.
type Step struct {
	Text      string
	TokensIn  int
	TokensOut int
	Err       error
	Delay     time.Duration
}

// Scripted is a deterministic Provider. Replies are looked up by "task/unit"
// first and then by "task"; each key consumes its steps in order and falls
// back to a generated default once they run out.
type Scripted struct {
	mu    sync.Mutex
	steps map[string][]Step
	log   []Request

	// Words is the length of default prose replies.
	Words int
}

// NewScripted returns a scripted provider with default replies only.
func NewScripted() *Scripted {
	return &Scripted{steps: make(map[string][]Step), Words: 120}
}

// On queues steps for task (and unit, when non-empty).
func (s *Scripted) On(task pipeline.TaskKind, unit string, steps ...Step) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scriptKey(task, unit)
	s.steps[k] = append(s.steps[k], steps...)
	return s
}

// Calls returns a copy of every request received so far.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.log...)
}

// CallCount returns how many requests matched task (and unit, when non-empty).
func (s *Scripted) CallCount(task pipeline.TaskKind, unit string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.log {
		if r.Task == task && (unit == "" || r.Unit == unit) {
			n++
		}
	}
	return n
}

// Generate implements Provider.
func (s *Scripted) Generate(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	s.log = append(s.log, req)
	step, ok := s.next(req)
	s.mu.Unlock()

	if !ok {
		step = s.defaultStep(req)
	}
	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Response{}, &ProviderError{Op: "generate", Model: req.Model, Err: classifyTransport(ctx, ctx.Err())}
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return Response{}, &ProviderError{Op: "generate", Model: req.Model, Err: classifyTransport(ctx, err)}
	}
	if step.Err != nil {
		return Response{TokensIn: step.TokensIn, TokensOut: step.TokensOut}, &ProviderError{Op: "generate", Model: req.Model, Err: step.Err}
	}

	out := Response{Text: step.Text, TokensIn: step.TokensIn, TokensOut: step.TokensOut, FinishReason: "stop"}
	if out.TokensIn == 0 {
		out.TokensIn = approxTokens(req.System) + approxTokens(req.Prompt)
	}
	if out.TokensOut == 0 {
		out.TokensOut = approxTokens(out.Text)
	}
	return out, nil
}

func (s *Scripted) next(req Request) (Step, bool) {
	for _, k := range []string{scriptKey(req.Task, req.Unit), scriptKey(req.Task, "")} {
		queue := s.steps[k]
		if len(queue) == 0 {
			continue
		}
		s.steps[k] = queue[1:]
		return queue[0], true
	}
	return Step{}, false
}

func (s *Scripted) defaultStep(req Request) Step {
	switch req.Task {
	case pipeline.TaskPlan:
		return Step{Text: DefaultOutline}
	case pipeline.TaskQualityReview:
		return Step{Text: `{"coherence":0.92,"logic":0.91,"psychology":0.9,"temporal_consistency":0.93,"issues":[]}`}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s", req.Task)
	if req.Unit != "" && req.Unit != pipeline.MainUnit {
		fmt.Fprintf(&b, " %s", req.Unit)
	}
	b.WriteString("]")
	for i := 0; i < s.Words; i++ {
		b.WriteString(" lorem")
	}
	b.WriteString("\n")
	return Step{Text: b.String()}
}

// DefaultOutline is the plan the scripted provider returns: two chapters of
// two scenes, with the closing scene of the first chapter as the climax.
const DefaultOutline = `{"chapters":[` +
	`{"title":"Arrival","scenes":[{"summary":"The stranger arrives."},{"summary":"The storm breaks.","pivotal":true}]},` +
	`{"title":"Aftermath","scenes":[{"summary":"Counting losses."},{"summary":"A new road."}]}]}`

func scriptKey(task pipeline.TaskKind, unit string) string {
	if unit == "" {
		return string(task)
	}
	return string(task) + "/" + unit
}
