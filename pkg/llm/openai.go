package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "http://localhost:1234/v1"

// OpenAIConfig configures the OpenAI-compatible client.
type OpenAIConfig struct {
	// BaseURL is the API root, with or without the trailing /v1.
	BaseURL string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// Temperature is passed through unchanged; zero omits it.
	Temperature float32

	// HTTPClient overrides the default transport (tests).
	HTTPClient *http.Client
}

// OpenAIClient calls a /chat/completions endpoint.
//
// The client sets no overall timeout of its own: every call is bounded by the
// context deadline the caller supplies.
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	temperature float32
	http        *http.Client
}

// NewOpenAIClient creates a client from cfg.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	base := normalizeBaseURL(cfg.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		}
	}
	return &OpenAIClient{
		baseURL:     base,
		apiKey:      cfg.APIKey,
		temperature: cfg.Temperature,
		http:        hc,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate implements Provider.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Response{}, &ProviderError{Op: "generate", Model: req.Model, Err: fmt.Errorf("%w: prompt is empty", ErrInvalidRequest)}
	}
	if req.Model == "" {
		return Response{}, &ProviderError{Op: "generate", Err: fmt.Errorf("%w: model is empty", ErrInvalidRequest)}
	}

	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return Response{}, &ProviderError{Op: "generate", Model: req.Model, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, &ProviderError{Op: "generate", Model: req.Model, Err: fmt.Errorf("%w: %v", ErrInvalidRequest, err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, &ProviderError{Op: "generate", Model: req.Model, Err: classifyTransport(ctx, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Response{}, &ProviderError{
			Op:     "generate",
			Model:  req.Model,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%w: %s", classifyStatus(resp.StatusCode), strings.TrimSpace(string(body))),
		}
	}

	// A 2xx reply is billed even when it is unusable, so error returns below
	// still carry the usage.
	promptTokens := approxTokens(req.System) + approxTokens(req.Prompt)
	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Response{TokensIn: promptTokens}, &ProviderError{Op: "generate", Model: req.Model, Status: resp.StatusCode, Err: fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)}
	}

	var text string
	out := Response{TokensIn: promptTokens}
	if len(decoded.Choices) > 0 {
		text = decoded.Choices[0].Message.Content
		out.FinishReason = strings.TrimSpace(decoded.Choices[0].FinishReason)
	}
	if decoded.Usage != nil {
		out.TokensIn = decoded.Usage.PromptTokens
		out.TokensOut = decoded.Usage.CompletionTokens
	} else {
		out.TokensOut = approxTokens(text)
	}
	if strings.TrimSpace(text) == "" {
		return Response{TokensIn: out.TokensIn, TokensOut: out.TokensOut}, &ProviderError{Op: "generate", Model: req.Model, Status: resp.StatusCode, Err: ErrEmptyResponse}
	}
	out.Text = text
	return out, nil
}

func normalizeBaseURL(baseURL string) string {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return trimmed
	}
	return trimmed + "/v1"
}
