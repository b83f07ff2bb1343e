package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// httpClientTimeout bounds a whole streamed completion, not one chunk.
const httpClientTimeout = 10 * time.Minute

var defaultHTTPClient = &http.Client{Timeout: httpClientTimeout}

// DefaultBaseURL is the OpenRouter API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// SecretSource supplies the gateway API key. Looked up per request so a key
// saved in settings applies without restarting.
type SecretSource interface {
	Get(name string) (string, error)
}

// GatewayError is a non-2xx answer from the gateway. The body is kept so the
// provider's own error message reaches the user.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error (status %d): %s", e.StatusCode, e.Body)
}

// Gateway is an OpenRouter-compatible chat completions client.
type Gateway struct {
	baseURL    string
	secretName string
	secrets    SecretSource
	appURL     string
	appTitle   string
	client     *http.Client
}

// GatewayConfig carries the construction options for a Gateway.
type GatewayConfig struct {
	BaseURL    string
	SecretName string
	AppURL     string
	AppTitle   string
}

func NewGateway(cfg GatewayConfig, secrets SecretSource) *Gateway {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Gateway{
		baseURL:    baseURL,
		secretName: cfg.SecretName,
		secrets:    secrets,
		appURL:     cfg.AppURL,
		appTitle:   cfg.AppTitle,
		client:     defaultHTTPClient,
	}
}

// Wire structures for the OpenAI-compatible chat completions API.
type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []Message     `json:"messages"`
	Tools     []wireTool    `json:"tools,omitempty"`
	Stream    bool          `json:"stream"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Usage     *usageOptions `json:"usage,omitempty"`
}

type usageOptions struct {
	Include bool `json:"include"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type chatChunk struct {
	ID      string        `json:"id"`
	Choices []chunkChoice `json:"choices"`
	Usage   *wireUsage    `json:"usage,omitempty"`
	Error   *wireAPIError `json:"error,omitempty"`
}

type chunkChoice struct {
	Index        int         `json:"index"`
	Delta        *chunkDelta `json:"delta,omitempty"`
	FinishReason string      `json:"finish_reason"`
}

type chunkDelta struct {
	Content   string         `json:"content,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireUsage struct {
	PromptTokens            int     `json:"prompt_tokens"`
	CompletionTokens        int     `json:"completion_tokens"`
	TotalTokens             int     `json:"total_tokens"`
	Cost                    float64 `json:"cost,omitempty"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details,omitempty"`
}

type wireAPIError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

func (g *Gateway) makeRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+endpoint, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if g.secrets != nil && g.secretName != "" {
		key, err := g.secrets.Get(g.secretName)
		if err != nil {
			return nil, fmt.Errorf("resolve api key: %w", err)
		}
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}
	// App attribution headers; OpenRouter uses them for rankings.
	if g.appURL != "" {
		req.Header.Set("HTTP-Referer", g.appURL)
	}
	if g.appTitle != "" {
		req.Header.Set("X-Title", g.appTitle)
	}

	return g.client.Do(req)
}

// Stream starts a streaming completion. Content and reasoning deltas are
// emitted as they arrive; tool calls are assembled across chunks and emitted
// after the body ends, then usage, then done.
func (g *Gateway) Stream(ctx context.Context, req Request) (Stream, error) {
	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		if len(req.Messages) == 0 {
			return fmt.Errorf("no messages provided")
		}

		chatReq := chatRequest{
			Model:    req.Model,
			Messages: req.Messages,
			Tools:    buildWireTools(req.Tools),
			Stream:   true,
			Usage:    &usageOptions{Include: true},
		}
		body, err := json.Marshal(chatReq)
		if err != nil {
			return err
		}

		resp, err := g.makeRequest(ctx, "POST", "/chat/completions", body)
		if err != nil {
			return fmt.Errorf("gateway request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != 200 {
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			return &GatewayError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(errBody))}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		toolState := newToolCallState()
		var lastUsage *Usage
		toolFinish := false

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				// Comments and event lines carry no payload here.
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			if chunk.Error != nil {
				return fmt.Errorf("gateway error: %s", chunk.Error.Message)
			}

			if chunk.Usage != nil {
				lastUsage = &Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
					TotalTokens:  chunk.Usage.TotalTokens,
					Cost:         chunk.Usage.Cost,
				}
				if d := chunk.Usage.CompletionTokensDetails; d != nil {
					lastUsage.ReasoningTokens = d.ReasoningTokens
				}
			}

			for _, choice := range chunk.Choices {
				if choice.FinishReason == "tool_calls" {
					toolFinish = true
				}
				if choice.Delta == nil {
					continue
				}
				if choice.Delta.Reasoning != "" {
					events <- Event{Type: EventReasoningDelta, Text: choice.Delta.Reasoning}
				}
				if choice.Delta.Content != "" {
					events <- Event{Type: EventTextDelta, Text: choice.Delta.Content}
				}
				if len(choice.Delta.ToolCalls) > 0 {
					toolState.Add(choice.Delta.ToolCalls)
				}
			}
		}

		if err := scanner.Err(); err != nil {
			return fmt.Errorf("streaming error: %w", err)
		}

		// Fragments from a truncated stream are not executable calls; only a
		// tool_calls finish makes them real.
		if toolFinish {
			for _, call := range toolState.Calls() {
				call := call
				events <- Event{Type: EventToolCall, Tool: &call}
			}
		}
		if lastUsage != nil {
			events <- Event{Type: EventUsage, Usage: lastUsage}
		}
		events <- Event{Type: EventDone}
		return nil
	}), nil
}

// TestConnection verifies the gateway is reachable and the stored API key is
// accepted, using a one-token non-streaming completion.
func (g *Gateway) TestConnection(ctx context.Context, model string) error {
	body, err := json.Marshal(chatRequest{
		Model:     model,
		Messages:  []Message{UserText("ping")},
		MaxTokens: 1,
	})
	if err != nil {
		return err
	}
	resp, err := g.makeRequest(ctx, "POST", "/chat/completions", body)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
		return &GatewayError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(errBody))}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return nil
}

// toolCallState assembles streamed tool-call fragments. Fragments are keyed
// by choice index; argument strings are concatenated verbatim and never
// parsed until the call is complete.
type toolCallState struct {
	byIndex map[int]*partialCall
	order   []int
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallState() *toolCallState {
	return &toolCallState{byIndex: make(map[int]*partialCall)}
}

func (s *toolCallState) Add(calls []wireToolCall) {
	for _, call := range calls {
		partial, ok := s.byIndex[call.Index]
		if !ok {
			partial = &partialCall{}
			s.byIndex[call.Index] = partial
			s.order = append(s.order, call.Index)
		}
		if call.ID != "" {
			partial.id = call.ID
		}
		if call.Function.Name != "" {
			partial.name = call.Function.Name
		}
		if call.Function.Arguments != "" {
			partial.args.WriteString(call.Function.Arguments)
		}
	}
}

func (s *toolCallState) Calls() []ToolCall {
	if len(s.order) == 0 {
		return nil
	}
	sort.Ints(s.order)
	calls := make([]ToolCall, 0, len(s.order))
	for _, idx := range s.order {
		partial := s.byIndex[idx]
		if partial == nil || partial.name == "" {
			continue
		}
		calls = append(calls, ToolCall{
			ID:        partial.id,
			Name:      partial.name,
			Arguments: partial.args.String(),
		})
	}
	return calls
}
