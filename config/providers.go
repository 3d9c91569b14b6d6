package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/averis-ai/dispatch/internal/provider"
)

// ProvidersFile is the on-disk shape of the provider configuration:
// profiles, task-typed pools, pricing margin and orchestration limits.
type ProvidersFile struct {
	MarginMultiplier  float64                  `json:"margin_multiplier"`
	MaxIterations     int                      `json:"max_iterations"`
	QuarantineCapSecs int                      `json:"quarantine_cap_secs"`
	Providers         []ProviderConfig         `json:"providers"`
	Pools             map[string][]PoolEntry   `json:"pools"`
	GenericEndpoints  []GenericEndpointConfig  `json:"generic_endpoints"`
}

type ProviderConfig struct {
	ID          string              `json:"id"`
	BaseURL     string              `json:"base_url"`
	APIKeyEnv   string              `json:"api_key_env"`
	TaskTypes   []provider.TaskType `json:"task_types"`
	Limits      provider.Limits     `json:"limits"`
	Pricing     provider.Pricing    `json:"pricing"`
	Streaming   *bool               `json:"streaming,omitempty"` // default true
	ToolCalling bool                `json:"tool_calling"`
	Vision      bool                `json:"vision"`
	BYOKey      bool                `json:"byo_key"`
}

type PoolEntry struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Priority int    `json:"priority"`
}

// GenericEndpointConfig is a user-supplied OpenAI-compatible endpoint that
// joins its task types' pools at the lowest priority, billed as BYO key.
type GenericEndpointConfig struct {
	ID        string              `json:"id"`
	BaseURL   string              `json:"base_url"`
	APIKeyEnv string              `json:"api_key_env"`
	Model     string              `json:"model"`
	TaskTypes []provider.TaskType `json:"task_types"`
}

// Snapshot is one immutable, resolved view of the providers file.
type Snapshot struct {
	Margin        float64
	MaxIterations int
	QuarantineCap time.Duration
	Profiles      map[string]*provider.Profile
	Pools         map[provider.TaskType][]ResolvedPoolEntry
	Generic       []ResolvedGeneric
	LoadedAt      time.Time
}

type ResolvedPoolEntry struct {
	Profile  *provider.Profile
	Model    string
	Priority int
}

type ResolvedGeneric struct {
	Profile *provider.Profile
	Model   string
}

// Store holds the current snapshot and swaps it atomically on reload.
// Readers take the whole snapshot; profiles inside it never mutate.
type Store struct {
	path    string
	current atomic.Pointer[Snapshot]
}

func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the current resolved configuration.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Margin returns the current margin multiplier; handed to the engine as a
// closure so hot reloads take effect mid-process.
func (s *Store) Margin() float64 {
	return s.Snapshot().Margin
}

// Reload re-reads and re-resolves the providers file. Invalid files leave
// the previous snapshot in place and return the error.
func (s *Store) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read providers file: %w", err)
	}
	snap, err := resolve(raw)
	if err != nil {
		return err
	}
	s.current.Store(snap)
	return nil
}

func resolve(raw []byte) (*Snapshot, error) {
	var file ProvidersFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}

	snap := &Snapshot{
		Margin:        file.MarginMultiplier,
		MaxIterations: file.MaxIterations,
		Profiles:      make(map[string]*provider.Profile),
		Pools:         make(map[provider.TaskType][]ResolvedPoolEntry),
		LoadedAt:      time.Now(),
	}
	if snap.Margin <= 0 {
		snap.Margin = 1
	}
	if file.QuarantineCapSecs > 0 {
		snap.QuarantineCap = time.Duration(file.QuarantineCapSecs) * time.Second
	}

	for _, pc := range file.Providers {
		if pc.ID == "" || pc.BaseURL == "" {
			return nil, fmt.Errorf("provider entry missing id or base_url")
		}
		streaming := true
		if pc.Streaming != nil {
			streaming = *pc.Streaming
		}
		snap.Profiles[pc.ID] = &provider.Profile{
			ID:          pc.ID,
			BaseURL:     pc.BaseURL,
			APIKey:      os.Getenv(pc.APIKeyEnv),
			TaskTypes:   pc.TaskTypes,
			Limits:      pc.Limits,
			Pricing:     pc.Pricing,
			Streaming:   streaming,
			ToolCalling: pc.ToolCalling,
			Vision:      pc.Vision,
			BYOKey:      pc.BYOKey,
		}
	}

	for taskName, entries := range file.Pools {
		task := provider.TaskType(taskName)
		for _, e := range entries {
			prof, ok := snap.Profiles[e.Provider]
			if !ok {
				return nil, fmt.Errorf("pool %q references unknown provider %q", taskName, e.Provider)
			}
			snap.Pools[task] = append(snap.Pools[task], ResolvedPoolEntry{
				Profile:  prof,
				Model:    e.Model,
				Priority: e.Priority,
			})
		}
	}

	for _, g := range file.GenericEndpoints {
		if g.ID == "" || g.BaseURL == "" || g.Model == "" {
			return nil, fmt.Errorf("generic endpoint entry missing id, base_url or model")
		}
		prof := &provider.Profile{
			ID:        g.ID,
			BaseURL:   g.BaseURL,
			APIKey:    os.Getenv(g.APIKeyEnv),
			TaskTypes: g.TaskTypes,
			Streaming: true,
			BYOKey:    true,
			Generic:   true,
		}
		snap.Profiles[g.ID] = prof
		snap.Generic = append(snap.Generic, ResolvedGeneric{Profile: prof, Model: g.Model})
	}

	return snap, nil
}
