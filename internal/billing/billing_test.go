package billing

import (
	"math"
	"testing"

	"github.com/averis-ai/dispatch/internal/provider"
)

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeCost_TokenPricedWithMargin(t *testing.T) {
	prof := &provider.Profile{
		ID:      "openai",
		Pricing: provider.Pricing{InputPer1K: 0.0025, OutputPer1K: 0.01},
	}

	rec := ComputeCost(prof, "gpt-4o", 2000, 1000, 500, 1.3, false)

	wantToken := 2.0*0.0025 + 1.0*0.01 // 0.015
	if !approxEqual(rec.TokenCostUSD, wantToken) {
		t.Errorf("TokenCostUSD = %f, want %f", rec.TokenCostUSD, wantToken)
	}
	if !approxEqual(rec.TotalUSD, wantToken*1.3) {
		t.Errorf("TotalUSD = %f, want %f", rec.TotalUSD, wantToken*1.3)
	}
	if rec.InfraCostUSD != 0 {
		t.Errorf("InfraCostUSD = %f, want 0", rec.InfraCostUSD)
	}
}

func TestComputeCost_BYOKeyPassThrough(t *testing.T) {
	prof := &provider.Profile{
		ID:      "openai",
		Pricing: provider.Pricing{InputPer1K: 0.0025, OutputPer1K: 0.01},
	}

	rec := ComputeCost(prof, "gpt-4o", 1000, 1000, 0, 1.3, true)

	want := 0.0025 + 0.01
	if !approxEqual(rec.TotalUSD, want) {
		t.Errorf("TotalUSD = %f, want %f (no margin on BYO keys)", rec.TotalUSD, want)
	}
	if !rec.BYOKey {
		t.Error("BYOKey flag not carried onto the record")
	}
}

func TestComputeCost_BYOKeyProfileFlag(t *testing.T) {
	// Generic customer endpoints carry the flag on the profile, not the
	// tenant key.
	prof := &provider.Profile{
		ID:      "customer-ollama",
		BYOKey:  true,
		Pricing: provider.Pricing{InputPer1K: 0.001, OutputPer1K: 0.002},
	}

	rec := ComputeCost(prof, "llama3.1:8b", 1000, 0, 0, 2.0, false)

	if !approxEqual(rec.TotalUSD, 0.001) {
		t.Errorf("TotalUSD = %f, want 0.001", rec.TotalUSD)
	}
}

func TestComputeCost_InfraBilled(t *testing.T) {
	prof := &provider.Profile{
		ID: "onprem",
		Pricing: provider.Pricing{
			InputPer1K:     0.0001,
			OutputPer1K:    0.0003,
			InfraBilled:    true,
			ComputePerSec:  0.00012,
			LoggingPerCall: 0.00001,
			EgressPer1K:    0.00002,
			StoragePerCall: 0.00001,
		},
	}

	rec := ComputeCost(prof, "qwen", 1000, 2000, 3000, 1.5, false)

	wantInfra := 3.0*0.00012 + 0.00001 + 2*0.00002 + 0.00001
	if !approxEqual(rec.InfraCostUSD, wantInfra) {
		t.Errorf("InfraCostUSD = %f, want %f", rec.InfraCostUSD, wantInfra)
	}
	// Infra-billed charges are the margined infra sum alone; the token
	// pricing columns are inert for such profiles.
	if rec.TokenCostUSD != 0 {
		t.Errorf("TokenCostUSD = %f, want 0 on infra-billed profiles", rec.TokenCostUSD)
	}
	if !approxEqual(rec.TotalUSD, wantInfra*1.5) {
		t.Errorf("TotalUSD = %f, want %f", rec.TotalUSD, wantInfra*1.5)
	}
}

func TestComputeCost_ZeroMarginDefaultsToOne(t *testing.T) {
	prof := &provider.Profile{
		ID:      "openai",
		Pricing: provider.Pricing{InputPer1K: 0.001},
	}

	rec := ComputeCost(prof, "m", 1000, 0, 0, 0, false)
	if !approxEqual(rec.TotalUSD, 0.001) {
		t.Errorf("TotalUSD = %f, want 0.001", rec.TotalUSD)
	}
}

func TestAccumulate(t *testing.T) {
	prof := &provider.Profile{
		ID:      "openai",
		Pricing: provider.Pricing{InputPer1K: 0.001, OutputPer1K: 0.002},
	}

	var total Record
	total = Accumulate(total, ComputeCost(prof, "m", 1000, 500, 100, 1.3, false))
	total = Accumulate(total, ComputeCost(prof, "m", 2000, 1000, 200, 1.3, false))

	if total.InputTokens != 3000 || total.OutputTokens != 1500 {
		t.Errorf("tokens = %d/%d, want 3000/1500", total.InputTokens, total.OutputTokens)
	}
	if total.ComputeMs != 300 {
		t.Errorf("ComputeMs = %d, want 300", total.ComputeMs)
	}
	wantToken := (1.0*0.001 + 0.5*0.002) + (2.0*0.001 + 1.0*0.002)
	if !approxEqual(total.TokenCostUSD, wantToken) {
		t.Errorf("TokenCostUSD = %f, want %f", total.TokenCostUSD, wantToken)
	}
	if !approxEqual(total.TotalUSD, wantToken*1.3) {
		t.Errorf("TotalUSD = %f, want %f", total.TotalUSD, wantToken*1.3)
	}
	if total.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", total.Provider)
	}
}
