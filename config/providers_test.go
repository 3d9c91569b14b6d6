package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/averis-ai/dispatch/internal/provider"
)

const validProviders = `{
	"margin_multiplier": 1.3,
	"max_iterations": 5,
	"quarantine_cap_secs": 120,
	"providers": [
		{
			"id": "openai",
			"base_url": "https://api.openai.com/v1",
			"api_key_env": "TEST_OPENAI_KEY",
			"task_types": ["fast", "vision"],
			"limits": {"requests_per_min": 500},
			"pricing": {"input_per_1k": 0.0025, "output_per_1k": 0.01},
			"tool_calling": true,
			"vision": true
		}
	],
	"pools": {
		"fast": [{"provider": "openai", "model": "gpt-4o-mini", "priority": 0}]
	},
	"generic_endpoints": [
		{
			"id": "customer",
			"base_url": "http://customer:11434/v1",
			"model": "llama3.1:8b",
			"task_types": ["fast"]
		}
	]
}`

func writeProvidersFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write providers file: %v", err)
	}
	return path
}

func TestNewStore_ResolvesProviders(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")

	store, err := NewStore(writeProvidersFile(t, validProviders))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	snap := store.Snapshot()

	if snap.Margin != 1.3 {
		t.Errorf("Margin = %f, want 1.3", snap.Margin)
	}
	if snap.MaxIterations != 5 {
		t.Errorf("MaxIterations = %d, want 5", snap.MaxIterations)
	}
	if snap.QuarantineCap != 2*time.Minute {
		t.Errorf("QuarantineCap = %s, want 2m", snap.QuarantineCap)
	}

	prof := snap.Profiles["openai"]
	if prof == nil {
		t.Fatal("openai profile missing")
	}
	if prof.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, want resolved from env", prof.APIKey)
	}
	if !prof.Streaming {
		t.Error("Streaming must default to true")
	}

	fast := snap.Pools[provider.TaskFast]
	if len(fast) != 1 || fast[0].Model != "gpt-4o-mini" {
		t.Errorf("fast pool = %+v", fast)
	}
	if fast[0].Profile != prof {
		t.Error("pool entry must reference the resolved profile")
	}

	if len(snap.Generic) != 1 {
		t.Fatalf("generic = %+v, want 1 entry", snap.Generic)
	}
	g := snap.Generic[0].Profile
	if !g.BYOKey || !g.Generic {
		t.Errorf("generic profile flags = byo:%v generic:%v, want both true", g.BYOKey, g.Generic)
	}
}

func TestNewStore_UnknownPoolProvider(t *testing.T) {
	bad := `{"providers": [], "pools": {"fast": [{"provider": "ghost", "model": "m"}]}}`
	if _, err := NewStore(writeProvidersFile(t, bad)); err == nil {
		t.Error("expected error for pool referencing unknown provider")
	}
}

func TestReload_InvalidFileKeepsPrevious(t *testing.T) {
	path := writeProvidersFile(t, validProviders)
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := os.WriteFile(path, []byte(`{broken`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := store.Reload(); err == nil {
		t.Fatal("expected reload error")
	}

	// The previous snapshot stays live.
	if store.Snapshot() == nil || store.Margin() != 1.3 {
		t.Errorf("previous snapshot lost after failed reload")
	}
}

func TestReload_PicksUpChanges(t *testing.T) {
	path := writeProvidersFile(t, validProviders)
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	updated := `{"margin_multiplier": 2.0, "providers": [], "pools": {}}`
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if store.Margin() != 2.0 {
		t.Errorf("Margin = %f, want 2.0 after reload", store.Margin())
	}
}

func TestResolve_MarginDefaultsToOne(t *testing.T) {
	snap, err := resolve([]byte(`{"providers": [], "pools": {}}`))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if snap.Margin != 1 {
		t.Errorf("Margin = %f, want 1", snap.Margin)
	}
}
