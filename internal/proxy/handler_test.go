package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/averis-ai/dispatch/internal/auth"
	"github.com/averis-ai/dispatch/internal/billing"
	"github.com/averis-ai/dispatch/internal/dispatch"
	"github.com/averis-ai/dispatch/internal/orchestrate"
	"github.com/averis-ai/dispatch/internal/pool"
	"github.com/averis-ai/dispatch/internal/provider"
	"github.com/averis-ai/dispatch/internal/toolcall"
	"github.com/averis-ai/dispatch/pkg/ratelimit"
)

// Mock Billing Store
type mockBillingStore struct {
	getUsageByTenantFunc func(ctx context.Context, tenantID string, from, to time.Time) ([]*billing.UsageLog, error)
	getTotalCostFunc     func(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
}

func (m *mockBillingStore) LogUsage(ctx context.Context, log *billing.UsageLog) error {
	return nil
}

func (m *mockBillingStore) GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*billing.UsageLog, error) {
	if m.getUsageByTenantFunc != nil {
		return m.getUsageByTenantFunc(ctx, tenantID, from, to)
	}
	return nil, nil
}

func (m *mockBillingStore) GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	if m.getTotalCostFunc != nil {
		return m.getTotalCostFunc(ctx, tenantID, from, to)
	}
	return 0, nil
}

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

// Mock Usage Sink
type mockUsage struct {
	entries []*billing.UsageLog
}

func (m *mockUsage) Enqueue(entry *billing.UsageLog) {
	m.entries = append(m.entries, entry)
}

// Scripted engine collaborators
type stubSelector struct {
	cand dispatch.Candidate
	err  error
}

func (s *stubSelector) Select(task provider.TaskType, exclude map[string]bool) (dispatch.Candidate, error) {
	if s.err != nil {
		return dispatch.Candidate{}, s.err
	}
	return s.cand, nil
}

type stubStreamer struct {
	events []provider.StreamEvent
}

func (s *stubStreamer) Stream(ctx context.Context, prof *provider.Profile, model string, req *provider.Request) (<-chan provider.StreamEvent, error) {
	ch := make(chan provider.StreamEvent, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type stubTools struct{}

func (stubTools) ExecuteAll(ctx context.Context, calls []provider.ToolCall) []toolcall.Result {
	results := make([]toolcall.Result, len(calls))
	for i, c := range calls {
		results[i] = toolcall.Result{CallID: c.ID, Name: c.Name, Content: "ok"}
	}
	return results
}

// Test Suite
func setupTest(streamer provider.Streamer, limiterAllowed bool) (*Handler, *mockUsage, *mockBillingStore) {
	tracer := noop.NewTracerProvider().Tracer("test")

	sel := &stubSelector{cand: dispatch.Candidate{
		Profile: &provider.Profile{ID: "test", Pricing: provider.Pricing{InputPer1K: 0.001}},
		Model:   "test-model",
	}}
	if streamer == nil {
		streamer = &stubStreamer{}
	}
	engine := orchestrate.NewEngine(sel, streamer, stubTools{}, tracer, orchestrate.Config{})

	pools := pool.NewRegistry()
	pools.SetPool(provider.TaskFast, []pool.Entry{
		{Profile: sel.cand.Profile, Model: "test-model"},
	})

	usage := &mockUsage{}
	billingStore := &mockBillingStore{}
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})

	return NewHandler(engine, pools, billingStore, usage, limiter, tracer), usage, billingStore
}

func authedRequest(method, target string, body []byte) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	return req.WithContext(auth.WithTenantID(req.Context(), "test-tenant"))
}

func chatBody(stream bool) []byte {
	body, _ := json.Marshal(map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"stream":   stream,
	})
	return body
}

func TestHandleChatCompletions_Unauthorized(t *testing.T) {
	h, _, _ := setupTest(nil, true)
	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleChatCompletions_InvalidBody(t *testing.T) {
	h, _, _ := setupTest(nil, true)
	req := authedRequest("POST", "/v1/chat/completions", []byte(`{invalid json}`))
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "invalid request body" {
		t.Errorf("Expected invalid request body error, got %v", resp["error"])
	}
}

func TestHandleChatCompletions_StreamRequired(t *testing.T) {
	h, _, _ := setupTest(nil, true)
	req := authedRequest("POST", "/v1/chat/completions", chatBody(false))
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleChatCompletions_RateLimited(t *testing.T) {
	h, _, _ := setupTest(nil, false)
	req := authedRequest("POST", "/v1/chat/completions", chatBody(true))
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	// Retry-After must be delta-seconds, not a Go duration string.
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
}

func TestHandleChatCompletions_StreamsNamedEvents(t *testing.T) {
	streamer := &stubStreamer{events: []provider.StreamEvent{
		{Type: provider.EventDelta, Delta: "hello"},
		{Type: provider.EventUsage, InputTokens: 3, OutputTokens: 1},
		{Type: provider.EventDone, FinishReason: "stop"},
	}}
	h, usage, _ := setupTest(streamer, true)
	req := authedRequest("POST", "/v1/chat/completions", chatBody(true))
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	body := w.Body.String()
	for _, name := range []string{"event: llm_request", "event: delta", "event: usage", "event: done"} {
		if !strings.Contains(body, name) {
			t.Errorf("stream missing %q:\n%s", name, body)
		}
	}
	if strings.Contains(body, "event: error") {
		t.Errorf("unexpected error event:\n%s", body)
	}

	// Usage is enqueued once, asynchronously billed.
	if len(usage.entries) != 1 {
		t.Fatalf("got %d usage entries, want 1", len(usage.entries))
	}
	entry := usage.entries[0]
	if entry.TenantID != "test-tenant" || entry.Provider != "test" || entry.Iterations != 1 {
		t.Errorf("usage entry = %+v", entry)
	}
}

func TestHandleChatCompletions_NoProviderEmitsErrorEvent(t *testing.T) {
	h, usage, _ := setupTest(nil, true)
	// Swap in a selector that always fails.
	h.engine = orchestrate.NewEngine(
		&stubSelector{err: dispatch.ErrNoProvider},
		&stubStreamer{}, stubTools{},
		noop.NewTracerProvider().Tracer("test"),
		orchestrate.Config{},
	)
	req := authedRequest("POST", "/v1/chat/completions", chatBody(true))
	w := httptest.NewRecorder()

	h.HandleChatCompletions(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "event: error") {
		t.Errorf("expected error event:\n%s", body)
	}
	if !strings.Contains(body, "no_provider_available") {
		t.Errorf("expected no_provider_available code:\n%s", body)
	}
	if strings.Contains(body, "event: done") {
		t.Errorf("terminal error must not be followed by done:\n%s", body)
	}
	if len(usage.entries) != 0 {
		t.Errorf("no iterations ran, nothing to bill, got %+v", usage.entries)
	}
}

func TestHandleUsage_Unauthorized(t *testing.T) {
	h, _, _ := setupTest(nil, true)
	req := httptest.NewRequest("GET", "/v1/usage", nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleUsage_ReturnsTotals(t *testing.T) {
	h, _, store := setupTest(nil, true)
	store.getUsageByTenantFunc = func(ctx context.Context, tenantID string, from, to time.Time) ([]*billing.UsageLog, error) {
		return []*billing.UsageLog{{TenantID: tenantID, CostUSD: 0.5}}, nil
	}
	store.getTotalCostFunc = func(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
		return 0.5, nil
	}

	req := authedRequest("GET", "/v1/usage", nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["total_cost_usd"] != 0.5 {
		t.Errorf("total_cost_usd = %v, want 0.5", resp["total_cost_usd"])
	}
	if resp["total_requests"] != float64(1) {
		t.Errorf("total_requests = %v, want 1", resp["total_requests"])
	}
}

func TestHandleUsage_InvalidDate(t *testing.T) {
	h, _, _ := setupTest(nil, true)
	req := authedRequest("GET", "/v1/usage?from=yesterday", nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestWriteEvent_Format(t *testing.T) {
	var buf bytes.Buffer
	if err := writeEvent(&buf, "delta", orchestrate.DeltaPayload{Text: "hi"}); err != nil {
		t.Fatalf("writeEvent failed: %v", err)
	}
	want := "event: delta\ndata: {\"text\":\"hi\"}\n\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}
