package proxy

import (
	"encoding/json"
	"fmt"

	"github.com/averis-ai/dispatch/internal/provider"
)

// chatRequest is the inbound OpenAI-compatible payload.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCalls  []chatToolCall  `json:"tool_calls"`
	ToolCallID string          `json:"tool_call_id"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

// contentPart is one element of an array-form message content.
type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

// toProviderRequest normalizes the inbound payload: array-form content is
// flattened to text plus image URLs.
func (r *chatRequest) toProviderRequest() (*provider.Request, error) {
	if len(r.Messages) == 0 {
		return nil, fmt.Errorf("messages is required")
	}

	out := &provider.Request{
		Model:       r.Model,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
	}

	for i, m := range r.Messages {
		if m.Role == "" {
			return nil, fmt.Errorf("messages[%d]: role is required", i)
		}
		msg := provider.Message{Role: m.Role, ToolCallID: m.ToolCallID}

		if len(m.Content) > 0 {
			var text string
			if err := json.Unmarshal(m.Content, &text); err == nil {
				msg.Content = text
			} else {
				var parts []contentPart
				if err := json.Unmarshal(m.Content, &parts); err != nil {
					return nil, fmt.Errorf("messages[%d]: content must be a string or part array", i)
				}
				for _, p := range parts {
					switch p.Type {
					case "text":
						msg.Content += p.Text
					case "image_url":
						msg.ImageURLs = append(msg.ImageURLs, p.ImageURL.URL)
					}
				}
			}
		}

		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, provider.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		out.Messages = append(out.Messages, msg)
	}

	for _, t := range r.Tools {
		if t.Function.Name == "" {
			continue
		}
		out.Tools = append(out.Tools, provider.ToolSpec{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	return out, nil
}

// estimateInboundTokens weighs the request for the tenant limiter.
func estimateInboundTokens(req *provider.Request) int {
	total := 0
	for _, m := range req.Messages {
		total += provider.EstimateTokens(m.Content)
	}
	if req.MaxTokens > 0 {
		total += req.MaxTokens
	} else {
		total += 1000
	}
	return total
}
