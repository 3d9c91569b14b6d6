// Package capacity tracks live rate-limit and health state for every
// (provider, model) pair so the dispatcher can skip upstreams that are
// quarantined or about to blow a declared limit.
//
// The tracker is a per-process best-effort cache: in multi-instance
// deployments counters are not synchronized, modest over-admission is
// expected, and upstream 429 responses remain the ground truth.
package capacity

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/averis-ai/dispatch/internal/provider"
)

const (
	// serverErrorThreshold is how many consecutive server errors trigger a
	// quarantine.
	serverErrorThreshold = 3

	defaultQuarantineInitial = 5 * time.Second
	defaultQuarantineCeiling = 5 * time.Minute
)

// Reporter is the adapter-facing slice of the tracker: attempts go in
// before the call, outcomes after.
type Reporter interface {
	RecordAttempt(providerID, model string)
	RecordOutcome(providerID, model string, out provider.Outcome)
}

// Notifier receives availability transitions for the dispatcher's fast path.
type Notifier func(providerID, model string, available bool)

// Tracker owns one state per (provider, model). Safe for concurrent use
// across request flows.
type Tracker struct {
	mu      sync.Mutex
	states  map[string]*state
	ceiling time.Duration
	initial time.Duration
	notify  Notifier

	// now is swappable for tests.
	now func() time.Time
}

type state struct {
	limits provider.Limits

	reqMin *window
	tokMin *window
	reqDay *window

	consecutiveServerErrors int
	quarantineUntil         time.Time
	backoff                 *backoff.ExponentialBackOff

	// lastAvailable is what the notifier was last told.
	lastAvailable bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithQuarantineCeiling caps the exponential quarantine backoff.
func WithQuarantineCeiling(d time.Duration) Option {
	return func(t *Tracker) { t.ceiling = d }
}

// WithNotifier registers the availability-change callback.
func WithNotifier(n Notifier) Option {
	return func(t *Tracker) { t.notify = n }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		states:  make(map[string]*state),
		ceiling: defaultQuarantineCeiling,
		initial: defaultQuarantineInitial,
		now:     time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Register declares limits for a (provider, model) pair. Calling it again
// (config hot reload) replaces the limits but keeps window and quarantine
// state.
func (t *Tracker) Register(providerID, model string, limits provider.Limits) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(providerID, model)
	st.limits = limits
}

func (t *Tracker) state(providerID, model string) *state {
	key := provider.Key(providerID, model)
	st, ok := t.states[key]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = t.initial
		b.RandomizationFactor = 0
		b.Multiplier = 2
		b.MaxInterval = t.ceiling
		st = &state{
			reqMin:        newWindow(time.Minute),
			tokMin:        newWindow(time.Minute),
			reqDay:        newWindow(24 * time.Hour),
			backoff:       b,
			lastAvailable: true,
		}
		t.states[key] = st
	}
	return st
}

// RecordAttempt counts one dispatch attempt against the request windows.
func (t *Tracker) RecordAttempt(providerID, model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	st := t.state(providerID, model)
	st.reqMin.add(now, 1)
	st.reqDay.add(now, 1)
	t.notifyLocked(providerID, model, st, now)
}

// RecordOutcome feeds the result of an upstream call back into the state.
func (t *Tracker) RecordOutcome(providerID, model string, out provider.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	st := t.state(providerID, model)

	switch out.Kind {
	case provider.OutcomeSuccess:
		st.tokMin.add(now, out.TokensUsed)
		st.consecutiveServerErrors = 0
		st.backoff.Reset()

	case provider.OutcomeRateLimited:
		st.consecutiveServerErrors = 0
		d := st.backoff.NextBackOff()
		if out.RetryAfter > d {
			d = out.RetryAfter
		}
		if d > t.ceiling {
			d = t.ceiling
		}
		st.quarantineUntil = now.Add(d)

	case provider.OutcomeServerError:
		st.consecutiveServerErrors++
		if st.consecutiveServerErrors >= serverErrorThreshold {
			st.quarantineUntil = now.Add(st.backoff.NextBackOff())
			st.consecutiveServerErrors = 0
		}

	case provider.OutcomeAuthError:
		// Credential problems do not heal by waiting a few seconds.
		st.quarantineUntil = now.Add(t.ceiling)
	}

	t.notifyLocked(providerID, model, st, now)
}

// IsAvailable is a conservative pre-dispatch check: false while quarantined
// or while one more call would exceed any declared window.
func (t *Tracker) IsAvailable(providerID, model string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(providerID, model)
	return t.availableLocked(st, t.now())
}

func (t *Tracker) availableLocked(st *state, now time.Time) bool {
	if now.Before(st.quarantineUntil) {
		return false
	}
	if st.limits.RequestsPerMin > 0 && st.reqMin.sum(now)+1 > st.limits.RequestsPerMin {
		return false
	}
	if st.limits.RequestsPerDay > 0 && st.reqDay.sum(now)+1 > st.limits.RequestsPerDay {
		return false
	}
	if st.limits.TokensPerMin > 0 && st.tokMin.sum(now) >= st.limits.TokensPerMin {
		return false
	}
	return true
}

// QuarantinedUntil reports the current quarantine deadline, zero if none.
func (t *Tracker) QuarantinedUntil(providerID, model string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state(providerID, model).quarantineUntil
}

func (t *Tracker) notifyLocked(providerID, model string, st *state, now time.Time) {
	if t.notify == nil {
		return
	}
	avail := t.availableLocked(st, now)
	if avail != st.lastAvailable {
		st.lastAvailable = avail
		t.notify(providerID, model, avail)
	}
}
