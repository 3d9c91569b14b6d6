package orchestrate

import (
	"github.com/averis-ai/dispatch/internal/billing"
	"github.com/averis-ai/dispatch/internal/provider"
	"github.com/averis-ai/dispatch/internal/toolcall"
)

// State is the turn state machine position.
type State int

const (
	StateDispatching State = iota
	StateStreaming
	StateToolPending
	StateFinalizing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDispatching:
		return "dispatching"
	case StateStreaming:
		return "streaming"
	case StateToolPending:
		return "tool_pending"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Iteration records one model call and its aftermath. Keeping these as
// first-class state (instead of inferring boundaries from message
// adjacency) is what pins call-metadata to the right message: the
// AssistantIndex of an iteration is the only message that carries that
// iteration's metadata.
type Iteration struct {
	Index          int
	Provider       string
	Model          string
	AssistantIndex int
	ToolCallIDs    []string
	FallbackUsed   bool
}

// Turn is one full request/response exchange, possibly spanning several
// tool-calling iterations. Created per inbound request, discarded when the
// stream closes.
type Turn struct {
	ID            string
	Task          provider.TaskType
	Messages      []provider.Message
	Iterations    []Iteration
	MaxIterations int
	State         State
	Bill          billing.Record
	Truncated     bool

	tools       []provider.ToolSpec
	maxTokens   int
	temperature float64
}

func NewTurn(id string, task provider.TaskType, req *provider.Request, maxIterations int) *Turn {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Turn{
		ID:            id,
		Task:          task,
		Messages:      append([]provider.Message(nil), req.Messages...),
		MaxIterations: maxIterations,
		State:         StateDispatching,
		tools:         req.Tools,
		maxTokens:     req.MaxTokens,
		temperature:   req.Temperature,
	}
}

// Request builds the upstream request for the next model call from the
// turn's current message list. Tool results appended by a previous
// iteration are therefore always visible to the next dispatch.
func (t *Turn) Request() *provider.Request {
	return &provider.Request{
		Messages:    t.Messages,
		Tools:       t.tools,
		MaxTokens:   t.maxTokens,
		Temperature: t.temperature,
	}
}

// appendAssistant adds the message a model call produced and starts that
// call's iteration record. The call's metadata attaches here and nowhere
// else: even when the immediately preceding message is a tool result, the
// new output is a distinct message and the metadata lands on it, never on
// the earlier tool_calls placeholder.
func (t *Turn) appendAssistant(text string, calls []provider.ToolCall, meta *provider.CallMeta) int {
	idx := len(t.Messages)
	t.Messages = append(t.Messages, provider.Message{
		Role:      "assistant",
		Content:   text,
		ToolCalls: calls,
		Meta:      meta,
	})

	iter := Iteration{
		Index:          len(t.Iterations),
		Provider:       meta.Provider,
		Model:          meta.Model,
		AssistantIndex: idx,
		FallbackUsed:   meta.FallbackUsed,
	}
	for _, c := range calls {
		iter.ToolCallIDs = append(iter.ToolCallIDs, c.ID)
	}
	t.Iterations = append(t.Iterations, iter)
	return idx
}

// appendToolResults adds one tool message per call, preserving the order
// the calls were issued in.
func (t *Turn) appendToolResults(calls []provider.ToolCall, results []toolcall.Result) {
	for i, call := range calls {
		t.Messages = append(t.Messages, provider.Message{
			Role:       "tool",
			ToolCallID: call.ID,
			Content:    results[i].Payload(),
		})
	}
}

// appendTruncationNote closes out a turn that hit the iteration cap. The
// note is synthetic, not model-produced, so it carries no call metadata.
func (t *Turn) appendTruncationNote(note string) {
	t.Truncated = true
	t.Messages = append(t.Messages, provider.Message{
		Role:    "assistant",
		Content: note,
	})
}

// atIterationCap reports whether another model call would exceed the max.
func (t *Turn) atIterationCap() bool {
	return len(t.Iterations) >= t.MaxIterations
}
