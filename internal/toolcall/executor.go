package toolcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/averis-ai/dispatch/internal/provider"
)

const (
	// DefaultMaxParallel bounds how many of an iteration's tool calls run
	// at once.
	DefaultMaxParallel = 8
	// DefaultCallTimeout bounds one tool invocation.
	DefaultCallTimeout = 30 * time.Second
)

// Error codes surfaced on failed results. The raw internal error stays in
// the server log only.
const (
	ErrCodeValidation = "tool_validation_error"
	ErrCodeExecution  = "tool_execution_error"
	ErrCodeTimeout    = "tool_timeout"
	ErrCodeUnknown    = "tool_unknown"
)

// Result is the outcome of exactly one tool call: either Content or
// ErrCode/ErrMessage is populated, never both, never neither.
type Result struct {
	CallID   string
	Name     string
	Content  string
	IsError  bool
	ErrCode  string
	ErrMsg   string
	Duration time.Duration
}

// Payload renders the result as the tool-message body fed back to the model.
func (r Result) Payload() string {
	if !r.IsError {
		return r.Content
	}
	body, _ := json.Marshal(map[string]string{"error": r.ErrCode, "message": r.ErrMsg})
	return string(body)
}

// Executor runs an iteration's tool calls with bounded parallelism and
// reassembles results in issue order.
type Executor struct {
	registry    *Registry
	maxParallel int
	callTimeout time.Duration
}

func NewExecutor(registry *Registry, maxParallel int, callTimeout time.Duration) *Executor {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Executor{registry: registry, maxParallel: maxParallel, callTimeout: callTimeout}
}

// ExecuteAll runs every call concurrently (bounded) and returns results in
// the same order the calls were issued, regardless of completion order.
// One failing call never aborts the others.
func (e *Executor) ExecuteAll(ctx context.Context, calls []provider.ToolCall) []Result {
	results := make([]Result, len(calls))
	if len(calls) == 0 {
		return results
	}

	sem := make(chan struct{}, e.maxParallel)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc provider.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = errorResult(tc, ErrCodeExecution, "cancelled", 0)
				return
			}
			results[idx] = e.Invoke(ctx, tc)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Invoke validates and runs a single call.
func (e *Executor) Invoke(ctx context.Context, call provider.ToolCall) Result {
	start := time.Now()

	tool, ok := e.registry.Lookup(call.Name)
	if !ok {
		return errorResult(call, ErrCodeUnknown, fmt.Sprintf("tool %q is not registered", call.Name), time.Since(start))
	}

	args, err := e.validate(tool, call.Arguments)
	if err != nil {
		return errorResult(call, ErrCodeValidation, err.Error(), time.Since(start))
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	out, err := e.runHandler(callCtx, tool, args)
	dur := time.Since(start)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return errorResult(call, ErrCodeTimeout, fmt.Sprintf("tool %q exceeded %s", call.Name, e.callTimeout), dur)
		}
		// Internal detail goes to the log, not to the client or model.
		log.Printf("toolcall: %s (%s) failed: %v", call.Name, call.ID, err)
		return errorResult(call, ErrCodeExecution, fmt.Sprintf("tool %q failed", call.Name), dur)
	}

	content, err := renderContent(out)
	if err != nil {
		log.Printf("toolcall: %s (%s) produced unserializable result: %v", call.Name, call.ID, err)
		return errorResult(call, ErrCodeExecution, fmt.Sprintf("tool %q failed", call.Name), dur)
	}
	return Result{CallID: call.ID, Name: call.Name, Content: content, Duration: dur}
}

// runHandler executes the handler with panic recovery, honoring the
// per-call deadline even if the handler ignores its context.
func (e *Executor) runHandler(ctx context.Context, tool *Tool, args map[string]any) (out any, err error) {
	type handlerResult struct {
		out any
		err error
	}
	done := make(chan handlerResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		o, herr := tool.handler(ctx, args)
		done <- handlerResult{out: o, err: herr}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// validate parses raw arguments and checks them against the tool's schema
// in strict mode. The handler never sees invalid arguments.
func (e *Executor) validate(tool *Tool, rawArgs string) (map[string]any, error) {
	if rawArgs == "" {
		rawArgs = "{}"
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(rawArgs)))
	if err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := tool.compiled.Validate(inst); err != nil {
		return nil, fmt.Errorf("arguments rejected by schema: %w", err)
	}
	args, ok := inst.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("arguments must be a JSON object")
	}
	return args, nil
}

func renderContent(out any) (string, error) {
	switch v := out.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(body), nil
	}
}

func errorResult(call provider.ToolCall, code, msg string, dur time.Duration) Result {
	return Result{
		CallID:   call.ID,
		Name:     call.Name,
		IsError:  true,
		ErrCode:  code,
		ErrMsg:   msg,
		Duration: dur,
	}
}
