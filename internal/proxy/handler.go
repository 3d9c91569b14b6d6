// Package proxy is the inbound HTTP surface: it authenticates the tenant,
// infers a task type, runs the orchestration engine and relays its events
// as one ordered SSE stream.
package proxy

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/averis-ai/dispatch/internal/auth"
	"github.com/averis-ai/dispatch/internal/billing"
	"github.com/averis-ai/dispatch/internal/orchestrate"
	"github.com/averis-ai/dispatch/internal/pool"
	"github.com/averis-ai/dispatch/internal/provider"
	"github.com/averis-ai/dispatch/internal/tasktype"
	"github.com/averis-ai/dispatch/internal/worker"
	"github.com/averis-ai/dispatch/pkg/ratelimit"
)

// Usage is the async usage sink; satisfied by *worker.UsageWriter.
type Usage interface {
	Enqueue(entry *billing.UsageLog)
}

type Handler struct {
	engine  *orchestrate.Engine
	pools   *pool.Registry
	billing billing.Store
	usage   Usage
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
}

func NewHandler(engine *orchestrate.Engine, pools *pool.Registry, billingStore billing.Store, usage Usage, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		engine:  engine,
		pools:   pools,
		billing: billingStore,
		usage:   usage,
		limiter: limiter,
		tracer:  tracer,
	}
}

var _ Usage = (*worker.UsageWriter)(nil)

// HandleChatCompletions serves POST /v1/chat/completions as a named-event
// SSE stream.
func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var inbound chatRequest
	if err := json.NewDecoder(r.Body).Decode(&inbound); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !inbound.Stream {
		writeError(w, http.StatusBadRequest, "stream must be true")
		return
	}

	req, err := inbound.toProviderRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	allowed, err := h.limiter.Allow(ctx, tenantID, estimateInboundTokens(req))
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	task := h.resolveTask(req)

	ctx, span := h.tracer.Start(ctx, "proxy.chat_completions")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
		attribute.String("task_type", string(task)),
	)

	sw, err := newStreamWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	events := make(chan orchestrate.Event, 16)
	byoKey := auth.IsBYOKey(ctx)
	start := time.Now()

	type runResult struct {
		turn *orchestrate.Turn
		err  error
	}
	done := make(chan runResult, 1)
	go func() {
		defer close(events)
		turn, runErr := h.engine.Run(ctx, requestID, task, req, byoKey, func(ev orchestrate.Event) {
			events <- ev
		})
		done <- runResult{turn: turn, err: runErr}
	}()

	sw.drain(events)
	res := <-done

	if res.turn != nil && len(res.turn.Iterations) > 0 {
		h.usage.Enqueue(&billing.UsageLog{
			TenantID:     tenantID,
			RequestID:    requestID,
			Provider:     res.turn.Bill.Provider,
			Model:        res.turn.Bill.Model,
			InputTokens:  res.turn.Bill.InputTokens,
			OutputTokens: res.turn.Bill.OutputTokens,
			CostUSD:      res.turn.Bill.TotalUSD,
			LatencyMs:    time.Since(start).Milliseconds(),
			Iterations:   len(res.turn.Iterations),
			BYOKey:       res.turn.Bill.BYOKey,
		})
	}
}

// resolveTask maps an explicit model pin to its pool, or infers a task
// type from the request shape.
func (h *Handler) resolveTask(req *provider.Request) provider.TaskType {
	if req.Model != "" {
		if task, ok := h.pools.TaskForModel(req.Model); ok {
			return task
		}
	}
	return tasktype.Infer(req)
}

// HandleUsage serves GET /v1/usage for the authenticated tenant.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // default: last 30 days
	to := now

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
		to = t
	}

	logs, err := h.billing.GetUsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	totalCost, err := h.billing.GetTotalCostByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"tenant_id":      tenantID,
		"total_requests": len(logs),
		"total_cost_usd": totalCost,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
