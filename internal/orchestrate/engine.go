// Package orchestrate drives the turn state machine: dispatch a candidate,
// relay its stream, execute any tool calls, and loop until the model stops
// asking for tools or the iteration cap is hit.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/averis-ai/dispatch/internal/billing"
	"github.com/averis-ai/dispatch/internal/dispatch"
	"github.com/averis-ai/dispatch/internal/provider"
	"github.com/averis-ai/dispatch/internal/toolcall"
)

const (
	// DefaultMaxIterations caps model calls per turn.
	DefaultMaxIterations = 10
	// DefaultUpstreamTimeout bounds one upstream streamed call.
	DefaultUpstreamTimeout = 2 * time.Minute
	// DefaultTurnTimeout is the overall turn ceiling.
	DefaultTurnTimeout = 10 * time.Minute

	truncationNote = "[response truncated: tool iteration limit reached]"
)

var (
	// ErrClientCancelled means the client went away; all emission stops.
	ErrClientCancelled = errors.New("orchestrate: client cancelled")
	// ErrProviderUnavailable means the pool had no usable candidate,
	// either at dispatch or after exhausting the fallback hop recoverably.
	ErrProviderUnavailable = errors.New("orchestrate: no provider available")
	// ErrUpstreamFailed means an upstream call failed non-recoverably.
	ErrUpstreamFailed = errors.New("orchestrate: upstream failed")
	// ErrTurnTimeout means the overall turn ceiling expired.
	ErrTurnTimeout = errors.New("orchestrate: turn timeout")
)

// Selector hands out candidates; satisfied by *dispatch.Dispatcher.
type Selector interface {
	Select(task provider.TaskType, exclude map[string]bool) (dispatch.Candidate, error)
}

// ToolRunner executes an iteration's tool calls; satisfied by
// *toolcall.Executor.
type ToolRunner interface {
	ExecuteAll(ctx context.Context, calls []provider.ToolCall) []toolcall.Result
}

// Config tunes the engine. Zero values take the defaults above.
type Config struct {
	MaxIterations   int
	UpstreamTimeout time.Duration
	TurnTimeout     time.Duration
	// Margin returns the current margin multiplier (config hot reload).
	Margin func() float64
}

// Engine coordinates dispatcher, adapter and tool executor for one turn at
// a time. One Engine serves all requests; per-turn state lives in Turn.
type Engine struct {
	selector Selector
	streamer provider.Streamer
	tools    ToolRunner
	tracer   trace.Tracer
	cfg      Config
}

func NewEngine(selector Selector, streamer provider.Streamer, tools ToolRunner, tracer trace.Tracer, cfg Config) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.Margin == nil {
		cfg.Margin = func() float64 { return 1 }
	}
	return &Engine{selector: selector, streamer: streamer, tools: tools, tracer: tracer, cfg: cfg}
}

// Run drives one turn to completion, emitting client-visible events in
// order. Every turn ends in exactly one done or one error event, except
// when the client cancels, which suppresses all further emission.
func (e *Engine) Run(ctx context.Context, turnID string, task provider.TaskType, req *provider.Request, byoKey bool, emit Emitter) (*Turn, error) {
	turnCtx, cancel := context.WithTimeout(ctx, e.cfg.TurnTimeout)
	defer cancel()

	var span trace.Span
	if e.tracer != nil {
		turnCtx, span = e.tracer.Start(turnCtx, "orchestrate.turn")
		span.SetAttributes(
			attribute.String("turn_id", turnID),
			attribute.String("task_type", string(task)),
		)
		defer span.End()
	}

	turn := NewTurn(turnID, task, req, e.cfg.MaxIterations)

	for {
		if err := e.checkCancelled(ctx, turnCtx, turn, emit); err != nil {
			return turn, err
		}

		turn.State = StateDispatching
		out, cand, err := e.runModelCall(turnCtx, ctx, turn, emit)
		if err != nil {
			return turn, err
		}

		latencyMs := out.latency.Milliseconds()
		rec := billing.ComputeCost(cand.Profile, cand.Model, out.inTokens, out.outTokens, latencyMs, e.cfg.Margin(), byoKey)
		turn.Bill = billing.Accumulate(turn.Bill, rec)

		meta := &provider.CallMeta{
			Provider:     cand.Profile.ID,
			Model:        cand.Model,
			Iteration:    len(turn.Iterations),
			InputTokens:  out.inTokens,
			OutputTokens: out.outTokens,
			CostUSD:      rec.TotalUSD,
			LatencyMs:    latencyMs,
			FallbackUsed: out.fallbackUsed,
		}
		turn.appendAssistant(out.text, out.calls, meta)

		emit(Event{Name: EventUsage, Payload: UsagePayload{
			InputTokens:  out.inTokens,
			OutputTokens: out.outTokens,
			Estimated:    out.estimated,
		}})

		if len(out.calls) == 0 {
			turn.State = StateFinalizing
			return e.finish(turn, emit)
		}

		turn.State = StateToolPending
		results := e.tools.ExecuteAll(turnCtx, out.calls)
		if ctx.Err() != nil {
			// Client went away while tools were running: the calls were
			// cancelled cooperatively, nothing more is emitted and the
			// dispatcher is never consulted again.
			turn.State = StateFailed
			return turn, ErrClientCancelled
		}
		for i, call := range out.calls {
			emit(Event{Name: EventToolCallStart, Payload: ToolCallStartPayload{
				CallID: call.ID, Name: call.Name, Arguments: call.Arguments,
			}})
			emit(Event{Name: EventToolCallResult, Payload: ToolCallResultPayload{
				CallID:     results[i].CallID,
				Name:       results[i].Name,
				Content:    results[i].Content,
				IsError:    results[i].IsError,
				ErrCode:    results[i].ErrCode,
				DurationMs: results[i].Duration.Milliseconds(),
			}})
		}
		turn.appendToolResults(out.calls, results)

		if turn.atIterationCap() {
			turn.State = StateFinalizing
			turn.appendTruncationNote(truncationNote)
			emit(Event{Name: EventDelta, Payload: DeltaPayload{Text: truncationNote}})
			return e.finish(turn, emit)
		}
	}
}

func (e *Engine) finish(turn *Turn, emit Emitter) (*Turn, error) {
	turn.State = StateDone
	emit(Event{Name: EventDone, Payload: DonePayload{
		Billing:    turn.Bill,
		Iterations: len(turn.Iterations),
		Truncated:  turn.Truncated,
	}})
	return turn, nil
}

// runModelCall dispatches a candidate and streams it, allowing exactly one
// fallback hop within the iteration. The exclusion set is scoped to this
// call and resets on the next iteration.
func (e *Engine) runModelCall(turnCtx, clientCtx context.Context, turn *Turn, emit Emitter) (callOutput, dispatch.Candidate, error) {
	exclude := make(map[string]bool)
	iteration := len(turn.Iterations)

	cand, err := e.selector.Select(turn.Task, exclude)
	if err != nil {
		turn.State = StateFailed
		emit(Event{Name: EventError, Payload: ErrorPayload{
			Code:    ErrCodeNoProvider,
			Message: "no provider available for task type " + string(turn.Task),
		}})
		return callOutput{}, dispatch.Candidate{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	emit(Event{Name: EventLLMRequest, Payload: LLMRequestPayload{
		Provider: cand.Profile.ID, Model: cand.Model, Iteration: iteration,
	}})

	turn.State = StateStreaming
	out, err := e.streamCall(turnCtx, cand, turn.Request(), emit)
	if err == nil {
		return out, cand, nil
	}
	if cerr := e.checkCancelled(clientCtx, turnCtx, turn, emit); cerr != nil {
		return callOutput{}, cand, cerr
	}
	if !recoverable(err) {
		turn.State = StateFailed
		emit(Event{Name: EventError, Payload: ErrorPayload{Code: ErrCodeUpstream, Message: "upstream call failed"}})
		return callOutput{}, cand, fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}

	// One fallback hop: exclude the failed candidate and re-dispatch. A
	// second failure in the same iteration is fatal.
	exclude[cand.Key()] = true
	fallback, err := e.selector.Select(turn.Task, exclude)
	if err != nil {
		turn.State = StateFailed
		emit(Event{Name: EventError, Payload: ErrorPayload{
			Code:    ErrCodeNoProvider,
			Message: "no provider available for task type " + string(turn.Task),
		}})
		return callOutput{}, cand, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	emit(Event{Name: EventLLMRequest, Payload: LLMRequestPayload{
		Provider: fallback.Profile.ID, Model: fallback.Model, Iteration: iteration, Fallback: true,
	}})

	out, err = e.streamCall(turnCtx, fallback, turn.Request(), emit)
	if err != nil {
		if cerr := e.checkCancelled(clientCtx, turnCtx, turn, emit); cerr != nil {
			return callOutput{}, fallback, cerr
		}
		turn.State = StateFailed
		if recoverable(err) {
			// Both hops failed recoverably: the pool has no usable
			// capacity for this task right now.
			emit(Event{Name: EventError, Payload: ErrorPayload{
				Code:    ErrCodeNoProvider,
				Message: "no provider available for task type " + string(turn.Task),
			}})
			return callOutput{}, fallback, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		emit(Event{Name: EventError, Payload: ErrorPayload{Code: ErrCodeUpstream, Message: "upstream call failed after fallback"}})
		return callOutput{}, fallback, fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
	}
	out.fallbackUsed = true
	return out, fallback, nil
}

type callOutput struct {
	text         string
	calls        []provider.ToolCall
	inTokens     int
	outTokens    int
	estimated    bool
	finishReason string
	latency      time.Duration
	fallbackUsed bool
}

// streamCall performs one streamed upstream call, relaying deltas as they
// arrive and assembling tool-call fragments into complete calls.
func (e *Engine) streamCall(ctx context.Context, cand dispatch.Candidate, req *provider.Request, emit Emitter) (callOutput, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.UpstreamTimeout)
	defer cancel()

	start := time.Now()
	ch, err := e.streamer.Stream(callCtx, cand.Profile, cand.Model, req)
	if err != nil {
		return callOutput{}, err
	}

	var (
		out   callOutput
		text  strings.Builder
		frags = make(map[int]*fragment)
		done  bool
	)

	for ev := range ch {
		switch ev.Type {
		case provider.EventDelta:
			text.WriteString(ev.Delta)
			emit(Event{Name: EventDelta, Payload: DeltaPayload{Text: ev.Delta}})
		case provider.EventToolCallFragment:
			f, ok := frags[ev.Index]
			if !ok {
				f = &fragment{}
				frags[ev.Index] = f
			}
			if ev.ID != "" {
				f.id = ev.ID
			}
			if ev.Name != "" {
				f.name = ev.Name
			}
			f.args.WriteString(ev.Args)
		case provider.EventUsage:
			out.inTokens = ev.InputTokens
			out.outTokens = ev.OutputTokens
			out.estimated = ev.Estimated
		case provider.EventDone:
			out.finishReason = ev.FinishReason
			done = true
		case provider.EventError:
			return callOutput{}, ev.Err
		}
	}

	if !done {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return callOutput{}, &provider.UpstreamError{
				Provider: cand.Profile.ID,
				Status:   http.StatusGatewayTimeout,
				Body:     "upstream call timed out",
			}
		}
		if ctx.Err() != nil {
			return callOutput{}, ctx.Err()
		}
		return callOutput{}, &provider.UpstreamError{
			Provider: cand.Profile.ID,
			Status:   http.StatusBadGateway,
			Body:     "upstream stream ended unexpectedly",
		}
	}

	out.text = text.String()
	out.calls = assembleCalls(frags)
	out.latency = time.Since(start)
	return out, nil
}

type fragment struct {
	id   string
	name string
	args strings.Builder
}

func assembleCalls(frags map[int]*fragment) []provider.ToolCall {
	if len(frags) == 0 {
		return nil
	}
	indices := make([]int, 0, len(frags))
	for i := range frags {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	calls := make([]provider.ToolCall, 0, len(frags))
	for _, i := range indices {
		f := frags[i]
		args := f.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, provider.ToolCall{ID: f.id, Name: f.name, Arguments: args})
	}
	return calls
}

// checkCancelled distinguishes a client disconnect (suppress everything)
// from the turn ceiling expiring (terminal error event).
func (e *Engine) checkCancelled(clientCtx, turnCtx context.Context, turn *Turn, emit Emitter) error {
	if clientCtx.Err() != nil {
		turn.State = StateFailed
		return ErrClientCancelled
	}
	if turnCtx.Err() != nil {
		turn.State = StateFailed
		emit(Event{Name: EventError, Payload: ErrorPayload{Code: ErrCodeTurnTimeout, Message: "turn exceeded its time ceiling"}})
		return ErrTurnTimeout
	}
	return nil
}

func recoverable(err error) bool {
	var upErr *provider.UpstreamError
	return errors.As(err, &upErr) && upErr.Recoverable()
}
