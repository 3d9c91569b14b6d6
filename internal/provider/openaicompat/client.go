// Package openaicompat is the one thin HTTP adapter: it speaks the
// OpenAI-compatible /chat/completions wire shape to any configured
// provider, republishes the upstream SSE as normalized stream events and
// feeds call outcomes back to the capacity tracker.
//
// The adapter never retries. Retry and fallback belong to the orchestrator,
// which goes back through the dispatcher.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/averis-ai/dispatch/internal/capacity"
	"github.com/averis-ai/dispatch/internal/provider"
)

// Client implements provider.Streamer for every OpenAI-compatible upstream.
type Client struct {
	httpClient *http.Client
	reporter   capacity.Reporter
}

// New builds a Client. The http.Client should carry the per-upstream-call
// timeout; reporter may be nil in tests.
func New(httpClient *http.Client, reporter capacity.Reporter) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, reporter: reporter}
}

type wireRequest struct {
	Model         string         `json:"model"`
	Messages      []wireMessage  `json:"messages"`
	Tools         []wireTool     `json:"tools,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   float64        `json:"temperature,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireToolCall struct {
	Index    int          `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function wireCallFunc `json:"function"`
}

type wireCallFunc struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type wireChunk struct {
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage"`
}

type wireChoice struct {
	Delta        wireDelta `json:"delta"`
	FinishReason string    `json:"finish_reason"`
}

type wireDelta struct {
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Stream issues one streamed chat completion against the profile's base URL.
func (c *Client) Stream(ctx context.Context, prof *provider.Profile, model string, req *provider.Request) (<-chan provider.StreamEvent, error) {
	if !prof.Streaming {
		return nil, ErrNotStreaming
	}
	body, err := json.Marshal(c.mapRequest(model, req))
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(prof.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+prof.APIKey)

	if c.reporter != nil {
		c.reporter.RecordAttempt(prof.ID, model)
	}

	ch := make(chan provider.StreamEvent)
	go c.run(ctx, prof, model, req, httpReq, ch)
	return ch, nil
}

func (c *Client) run(ctx context.Context, prof *provider.Profile, model string, req *provider.Request, httpReq *http.Request, ch chan<- provider.StreamEvent) {
	defer close(ch)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.report(prof, model, provider.Outcome{Kind: provider.OutcomeServerError})
		emit(ctx, ch, provider.StreamEvent{Type: provider.EventError, Err: &provider.UpstreamError{
			Provider: prof.ID, Status: http.StatusBadGateway, Body: err.Error(),
		}})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		upErr := c.classify(prof, resp)
		c.report(prof, model, provider.Outcome{Kind: upErr.OutcomeKind(), RetryAfter: upErr.RetryAfter})
		emit(ctx, ch, provider.StreamEvent{Type: provider.EventError, Err: upErr})
		return
	}

	var (
		reader       = bufio.NewReader(resp.Body)
		outputChars  int
		usageSeen    bool
		tokensUsed   int
		finishReason string
	)

	finish := func() {
		if !usageSeen {
			in := estimateRequestTokens(req)
			out := (outputChars + 3) / 4
			tokensUsed = in + out
			emit(ctx, ch, provider.StreamEvent{
				Type: provider.EventUsage, InputTokens: in, OutputTokens: out, Estimated: true,
			})
		}
		c.report(prof, model, provider.Outcome{Kind: provider.OutcomeSuccess, TokensUsed: tokensUsed})
		emit(ctx, ch, provider.StreamEvent{Type: provider.EventDone, FinishReason: finishReason})
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// Some upstreams close without sending [DONE].
				finish()
				return
			}
			if ctx.Err() != nil {
				return
			}
			c.report(prof, model, provider.Outcome{Kind: provider.OutcomeServerError})
			emit(ctx, ch, provider.StreamEvent{Type: provider.EventError, Err: &provider.UpstreamError{
				Provider: prof.ID, Status: http.StatusBadGateway, Body: err.Error(),
			}})
			return
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			finish()
			return
		}

		var chunk wireChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed keep-alive noise rather than killing the stream.
			continue
		}

		if chunk.Usage != nil {
			usageSeen = true
			tokensUsed = chunk.Usage.PromptTokens + chunk.Usage.CompletionTokens
			emit(ctx, ch, provider.StreamEvent{
				Type:         provider.EventUsage,
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			})
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			outputChars += len(choice.Delta.Content)
			if !emit(ctx, ch, provider.StreamEvent{Type: provider.EventDelta, Delta: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			ev := provider.StreamEvent{
				Type:  provider.EventToolCallFragment,
				Index: tc.Index,
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Args:  tc.Function.Arguments,
			}
			if !emit(ctx, ch, ev) {
				return
			}
		}
	}
}

func (c *Client) mapRequest(model string, req *provider.Request) wireRequest {
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		if len(m.ImageURLs) > 0 {
			parts := []any{map[string]any{"type": "text", "text": m.Content}}
			for _, u := range m.ImageURLs {
				parts = append(parts, map[string]any{
					"type":      "image_url",
					"image_url": map[string]string{"url": u},
				})
			}
			wm.Content = parts
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireCallFunc{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, wm)
	}

	out := wireRequest{
		Model:         model,
		Messages:      messages,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func (c *Client) classify(prof *provider.Profile, resp *http.Response) *provider.UpstreamError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	upErr := &provider.UpstreamError{
		Provider: prof.ID,
		Status:   resp.StatusCode,
		Body:     strings.TrimSpace(string(body)),
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		upErr.RetryAfter = retryAfter(resp.Header)
	}
	return upErr
}

// retryAfter extracts the upstream reset hint from a 429 response.
func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}
	// OpenAI-style reset headers, e.g. "x-ratelimit-reset-requests: 12s".
	for _, name := range []string{"x-ratelimit-reset-requests", "x-ratelimit-reset-tokens"} {
		if v := h.Get(name); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				return d
			}
		}
	}
	return 0
}

func estimateRequestTokens(req *provider.Request) int {
	total := 0
	for _, m := range req.Messages {
		total += provider.EstimateTokens(m.Content)
	}
	return total
}

func (c *Client) report(prof *provider.Profile, model string, out provider.Outcome) {
	if c.reporter != nil {
		c.reporter.RecordOutcome(prof.ID, model, out)
	}
}

// emit sends one event unless the consumer has gone away.
func emit(ctx context.Context, ch chan<- provider.StreamEvent, ev provider.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

var _ provider.Streamer = (*Client)(nil)

// ErrNotStreaming is returned by Stream when a profile declares no
// streaming support.
var ErrNotStreaming = fmt.Errorf("openaicompat: profile does not support streaming")
