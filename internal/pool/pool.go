// Package pool holds the prioritized (provider, model) candidate lists per
// task type. Pools come from configuration; user-configured generic
// endpoints can extend them at runtime at the lowest priority.
package pool

import (
	"sort"
	"sync"

	"github.com/averis-ai/dispatch/internal/provider"
)

// Entry is one candidate in a task type's pool. Lower Priority is tried
// first; equal priorities form a round-robin tier.
type Entry struct {
	Profile  *provider.Profile
	Model    string
	Priority int
}

// Registry maps task types to their ordered pools.
type Registry struct {
	mu    sync.RWMutex
	pools map[provider.TaskType][]Entry
}

func NewRegistry() *Registry {
	return &Registry{pools: make(map[provider.TaskType][]Entry)}
}

// SetPool replaces a task type's pool. Entries are kept sorted by
// ascending priority (stable, so config order breaks ties consistently).
func (r *Registry) SetPool(task provider.TaskType, entries []Entry) {
	sorted := sortEntries(entries)
	r.mu.Lock()
	r.pools[task] = sorted
	r.mu.Unlock()
}

// Generic is a user-configured endpoint appended behind every configured
// candidate of the task types its profile declares.
type Generic struct {
	Profile *provider.Profile
	Model   string
}

// Replace atomically rebuilds every pool from a full config snapshot:
// configured entries first, then generics at the lowest priority of each
// declared task type. Task types absent from the snapshot are dropped, so
// repeated reloads of the same config are idempotent.
func (r *Registry) Replace(configured map[provider.TaskType][]Entry, generics []Generic) {
	next := make(map[provider.TaskType][]Entry, len(configured))
	for task, entries := range configured {
		next[task] = sortEntries(entries)
	}
	for _, g := range generics {
		for _, task := range g.Profile.TaskTypes {
			p := next[task]
			prio := 0
			if len(p) > 0 {
				prio = p[len(p)-1].Priority + 1
			}
			next[task] = append(p, Entry{Profile: g.Profile, Model: g.Model, Priority: prio})
		}
	}
	r.mu.Lock()
	r.pools = next
	r.mu.Unlock()
}

func sortEntries(entries []Entry) []Entry {
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return sorted
}

// AddGeneric appends a user-configured generic endpoint at the lowest
// priority of every task type the profile declares.
func (r *Registry) AddGeneric(profile *provider.Profile, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, task := range profile.TaskTypes {
		p := r.pools[task]
		prio := 0
		if len(p) > 0 {
			prio = p[len(p)-1].Priority + 1
		}
		r.pools[task] = append(p, Entry{Profile: profile, Model: model, Priority: prio})
	}
}

// Candidates returns a copy of the task type's pool in priority order.
func (r *Registry) Candidates(task provider.TaskType) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Entry(nil), r.pools[task]...)
}

// TaskForModel finds the first task type whose pool contains the model.
// Used when a request pins a model explicitly.
func (r *Registry) TaskForModel(model string) (provider.TaskType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	// Deterministic order across the fixed task types.
	for _, task := range []provider.TaskType{
		provider.TaskFast, provider.TaskResearch, provider.TaskCode,
		provider.TaskVision, provider.TaskTranscription,
	} {
		for _, e := range r.pools[task] {
			if e.Model == model {
				return task, true
			}
		}
	}
	return "", false
}

// Tasks lists task types that currently have a non-empty pool.
func (r *Registry) Tasks() []provider.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.TaskType, 0, len(r.pools))
	for task, entries := range r.pools {
		if len(entries) > 0 {
			out = append(out, task)
		}
	}
	return out
}
