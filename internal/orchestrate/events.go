package orchestrate

import "github.com/averis-ai/dispatch/internal/billing"

// Event names on the client-visible SSE stream. Ordering contract per
// turn: zero or more (llm_request, delta*, usage,
// [tool_call_start, tool_call_result]*) blocks, terminated by exactly one
// done or one error.
const (
	EventLLMRequest     = "llm_request"
	EventDelta          = "delta"
	EventToolCallStart  = "tool_call_start"
	EventToolCallResult = "tool_call_result"
	EventUsage          = "usage"
	EventDone           = "done"
	EventError          = "error"
)

// Terminal error codes.
const (
	ErrCodeNoProvider    = "no_provider_available"
	ErrCodeUpstream      = "upstream_error"
	ErrCodeTurnTimeout   = "turn_timeout"
	ErrCodeInternalError = "internal_error"
)

// Event is one serialized client-visible event.
type Event struct {
	Name    string
	Payload any
}

type LLMRequestPayload struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Iteration int    `json:"iteration"`
	Fallback  bool   `json:"fallback,omitempty"`
}

type DeltaPayload struct {
	Text string `json:"text"`
}

type ToolCallStartPayload struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ToolCallResultPayload struct {
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Content    string `json:"content,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
	ErrCode    string `json:"error_code,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type UsagePayload struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	Estimated    bool `json:"estimated,omitempty"`
}

type DonePayload struct {
	Billing    billing.Record `json:"billing"`
	Iterations int            `json:"iterations"`
	Truncated  bool           `json:"truncated,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Emitter receives orchestrator events in order. Implementations serialize
// them onto a single writer; the orchestrator never emits concurrently.
type Emitter func(Event)
