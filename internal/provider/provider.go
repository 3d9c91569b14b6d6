package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TaskType buckets requests by the kind of model they need. Each task type
// has its own prioritized candidate pool.
type TaskType string

const (
	TaskFast          TaskType = "fast"
	TaskResearch      TaskType = "research"
	TaskCode          TaskType = "code"
	TaskVision        TaskType = "vision"
	TaskTranscription TaskType = "transcription"
)

// Limits are the rate limits a provider declares for itself. Zero means
// "no declared limit" for that dimension.
type Limits struct {
	RequestsPerMin int `json:"requests_per_min"`
	TokensPerMin   int `json:"tokens_per_min"`
	RequestsPerDay int `json:"requests_per_day"`
}

// Pricing is the static price table for one provider. Token prices are USD
// per 1K tokens. When InfraBilled is set the request is billed from the
// infra sub-components instead of token prices alone.
type Pricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`

	InfraBilled    bool    `json:"infra_billed"`
	ComputePerSec  float64 `json:"compute_per_sec"`
	LoggingPerCall float64 `json:"logging_per_call"`
	EgressPer1K    float64 `json:"egress_per_1k"`
	StoragePerCall float64 `json:"storage_per_call"`
}

// Profile describes one upstream inference provider. Profiles are loaded
// from configuration and immutable for the lifetime of a config snapshot;
// a hot reload produces fresh Profile values.
type Profile struct {
	ID        string     `json:"id"`
	BaseURL   string     `json:"base_url"`
	APIKey    string     `json:"-"`
	TaskTypes []TaskType `json:"task_types"`
	Limits    Limits     `json:"limits"`
	Pricing   Pricing    `json:"pricing"`

	Streaming   bool `json:"streaming"`
	ToolCalling bool `json:"tool_calling"`
	Vision      bool `json:"vision"`

	// BYOKey marks a credential supplied by the end user; usage on such a
	// profile is billed at token cost with no margin.
	BYOKey bool `json:"byo_key"`
	// Generic marks a user-configured generic endpoint. Generic entries sit
	// at the lowest priority of every pool they join.
	Generic bool `json:"generic"`
}

// Key identifies one (provider, model) pair for capacity bookkeeping.
func Key(providerID, model string) string {
	return providerID + "/" + model
}

// ToolCall is one function call issued by a model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
}

// CallMeta is the per-model-call metadata attached to exactly one assistant
// message per iteration: who served it and what it cost.
type CallMeta struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Iteration    int     `json:"iteration"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	LatencyMs    int64   `json:"latency_ms"`
	FallbackUsed bool    `json:"fallback_used,omitempty"`
}

// Message is one entry of a conversation. Role is "system", "user",
// "assistant" or "tool". Tool messages carry ToolCallID; assistant messages
// may carry ToolCalls and, for model-produced messages, Meta.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ImageURLs  []string   `json:"image_urls,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Meta       *CallMeta  `json:"meta,omitempty"`
}

// ToolSpec declares a callable tool to the model: name, description and the
// JSON schema of its arguments.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request is the normalized upstream request shape shared by every adapter.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
}

// EventType enumerates the normalized stream events an adapter republishes.
type EventType int

const (
	EventDelta EventType = iota
	EventToolCallFragment
	EventUsage
	EventDone
	EventError
)

// StreamEvent is one normalized streaming event. Which fields are set
// depends on Type.
type StreamEvent struct {
	Type EventType

	// EventDelta
	Delta string

	// EventToolCallFragment: fragments for the call at Index. ID and Name
	// arrive on the first fragment, Args accumulates across fragments.
	Index int
	ID    string
	Name  string
	Args  string

	// EventUsage
	InputTokens  int
	OutputTokens int
	// Estimated is set when the upstream response carried no usage block
	// and tokens were estimated from character counts.
	Estimated bool

	// EventDone
	FinishReason string

	// EventError
	Err error
}

// OutcomeKind classifies the result of one upstream call for the capacity
// tracker.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRateLimited
	OutcomeServerError
	OutcomeAuthError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeServerError:
		return "server_error"
	case OutcomeAuthError:
		return "auth_error"
	default:
		return "unknown"
	}
}

// Outcome is the tracker-facing result of one upstream call.
type Outcome struct {
	Kind       OutcomeKind
	TokensUsed int
	// RetryAfter is the upstream reset hint on rate_limited, zero if absent.
	RetryAfter time.Duration
}

// UpstreamError is a classified upstream HTTP failure.
type UpstreamError struct {
	Provider   string
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream error (status %d): %s", e.Provider, e.Status, e.Body)
}

// Recoverable reports whether the orchestrator may resolve this failure by
// falling back to another candidate within the same iteration.
func (e *UpstreamError) Recoverable() bool {
	return e.Status == 429 || e.Status >= 500
}

// OutcomeKind maps the HTTP status onto the tracker taxonomy.
func (e *UpstreamError) OutcomeKind() OutcomeKind {
	switch {
	case e.Status == 429:
		return OutcomeRateLimited
	case e.Status == 401 || e.Status == 403:
		return OutcomeAuthError
	default:
		return OutcomeServerError
	}
}

// Streamer is the one contract adapters implement: a single streamed call,
// normalized to StreamEvents. Adapters never retry; fallback is the
// orchestrator's job.
type Streamer interface {
	Stream(ctx context.Context, profile *Profile, model string, req *Request) (<-chan StreamEvent, error)
}

// EstimateTokens approximates a token count from character length when the
// upstream response carries no usage block.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}
