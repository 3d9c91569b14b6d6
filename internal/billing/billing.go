// Package billing computes per-request cost and persists usage records for
// the external billing collaborator.
package billing

import (
	"context"
	"time"

	"github.com/averis-ai/dispatch/internal/provider"
)

// Record is the bill for one completed turn (or one model call within it).
type Record struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	ComputeMs    int64   `json:"compute_ms"`
	TokenCostUSD float64 `json:"token_cost_usd"`
	InfraCostUSD float64 `json:"infra_cost_usd"`
	Margin       float64 `json:"margin"`
	BYOKey       bool    `json:"byo_key"`
	TotalUSD     float64 `json:"total_usd"`
}

// ComputeCost prices one model call against the profile's static pricing
// table. Pure function, no side effects.
//
// Infrastructure-billed usage sums the infra sub-components (compute time,
// logging, egress, storage) and applies the margin multiplier to that sum;
// token pricing plays no part for such profiles. Bring-your-own-key usage
// passes token cost through unmarked up; all other token-priced usage
// carries the margin on the token price.
func ComputeCost(prof *provider.Profile, model string, tokensIn, tokensOut int, computeMs int64, margin float64, byoKey bool) Record {
	if margin <= 0 {
		margin = 1
	}
	p := prof.Pricing

	rec := Record{
		Provider:     prof.ID,
		Model:        model,
		InputTokens:  tokensIn,
		OutputTokens: tokensOut,
		ComputeMs:    computeMs,
		Margin:       margin,
		BYOKey:       byoKey || prof.BYOKey,
	}

	switch {
	case p.InfraBilled:
		infra := float64(computeMs)/1000*p.ComputePerSec +
			p.LoggingPerCall +
			float64(tokensOut)/1000*p.EgressPer1K +
			p.StoragePerCall
		rec.InfraCostUSD = infra
		rec.TotalUSD = infra * margin
	case rec.BYOKey:
		rec.TokenCostUSD = float64(tokensIn)/1000*p.InputPer1K + float64(tokensOut)/1000*p.OutputPer1K
		rec.TotalUSD = rec.TokenCostUSD
	default:
		rec.TokenCostUSD = float64(tokensIn)/1000*p.InputPer1K + float64(tokensOut)/1000*p.OutputPer1K
		rec.TotalUSD = rec.TokenCostUSD * margin
	}
	return rec
}

// Accumulate folds one call's record into a running turn total.
func Accumulate(total, call Record) Record {
	if total.Provider == "" {
		total.Provider = call.Provider
		total.Model = call.Model
		total.Margin = call.Margin
		total.BYOKey = call.BYOKey
	}
	total.InputTokens += call.InputTokens
	total.OutputTokens += call.OutputTokens
	total.ComputeMs += call.ComputeMs
	total.TokenCostUSD += call.TokenCostUSD
	total.InfraCostUSD += call.InfraCostUSD
	total.TotalUSD += call.TotalUSD
	return total
}

// UsageLog is one persisted billing row.
type UsageLog struct {
	ID           string
	TenantID     string
	RequestID    string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LatencyMs    int64
	Iterations   int
	BYOKey       bool
	CreatedAt    time.Time
}

// Store is the external billing collaborator contract.
type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error)
	GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
}
