// Package dispatch selects the next viable (provider, model) candidate for
// a task type, consulting the capacity tracker and applying round-robin
// among equal-priority entries.
package dispatch

import (
	"errors"
	"sync"

	"github.com/averis-ai/dispatch/internal/capacity"
	"github.com/averis-ai/dispatch/internal/pool"
	"github.com/averis-ai/dispatch/internal/provider"
)

var (
	// ErrEmptyPool means the task type has no configured candidates at all.
	// That is a configuration error, not a transient condition.
	ErrEmptyPool = errors.New("dispatch: empty model pool")

	// ErrNoProvider means every candidate, including generic fallbacks, is
	// currently unavailable or excluded.
	ErrNoProvider = errors.New("dispatch: no provider available")
)

// Candidate is a selected (provider, model) pair.
type Candidate struct {
	Profile *provider.Profile
	Model   string
}

// Key returns the candidate's tracker key.
func (c Candidate) Key() string {
	return provider.Key(c.Profile.ID, c.Model)
}

// Dispatcher walks a task type's priority-ordered pool, skipping
// tracker-unavailable entries, rotating a per-task cursor inside each
// equal-priority tier.
type Dispatcher struct {
	pools   *pool.Registry
	tracker *capacity.Tracker

	mu      sync.Mutex
	cursors map[provider.TaskType]int
}

func New(pools *pool.Registry, tracker *capacity.Tracker) *Dispatcher {
	return &Dispatcher{
		pools:   pools,
		tracker: tracker,
		cursors: make(map[provider.TaskType]int),
	}
}

// Select returns the next viable candidate for the task type. Entries whose
// tracker key appears in exclude are skipped (failed-candidate exclusion
// within one iteration). The cursor advances on every call so that equal-
// priority available candidates are visited round-robin.
func (d *Dispatcher) Select(task provider.TaskType, exclude map[string]bool) (Candidate, error) {
	entries := d.pools.Candidates(task)
	if len(entries) == 0 {
		return Candidate{}, ErrEmptyPool
	}

	d.mu.Lock()
	cursor := d.cursors[task]
	d.cursors[task] = cursor + 1
	d.mu.Unlock()

	for lo := 0; lo < len(entries); {
		// Find the bounds of this priority tier.
		hi := lo + 1
		for hi < len(entries) && entries[hi].Priority == entries[lo].Priority {
			hi++
		}
		n := hi - lo
		for i := 0; i < n; i++ {
			e := entries[lo+(cursor+i)%n]
			key := provider.Key(e.Profile.ID, e.Model)
			if exclude[key] {
				continue
			}
			if !d.tracker.IsAvailable(e.Profile.ID, e.Model) {
				continue
			}
			return Candidate{Profile: e.Profile, Model: e.Model}, nil
		}
		lo = hi
	}

	return Candidate{}, ErrNoProvider
}
