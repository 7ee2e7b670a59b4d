// Package llm defines the text-generation capability the orchestrator calls
// and ships two implementations: an OpenAI-compatible HTTP client and a
// deterministic scripted provider for local runs and tests.
package llm

import (
	"context"
	"math"

	"github.com/3leaps/goscribe/pkg/pipeline"
)

// Request is one generation call.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int

	// Task, Agent and Unit describe the caller. Providers may ignore them;
	// the scripted provider keys its responses on them.
	Task  pipeline.TaskKind
	Agent string
	Unit  string
}

// Response is the generated text and its token usage.
type Response struct {
	Text         string
	TokensIn     int
	TokensOut    int
	FinishReason string
}

// Provider generates text. Implementations must honor ctx cancellation and
// return errors classifiable with IsTransient.
type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (Response, error)

// Generate implements Provider.
func (f ProviderFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// approxTokens estimates tokens for providers that do not report usage.
func approxTokens(s string) int {
	if s == "" {
		return 0
	}
	return int(math.Ceil(float64(len(s)) / 4))
}
