package capacity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averis-ai/dispatch/internal/provider"
)

// fakeClock lets tests move time forward deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(opts ...Option) (*Tracker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	opts = append(opts, WithClock(clk.now))
	return NewTracker(opts...), clk
}

func TestWindow_SlidesOut(t *testing.T) {
	now := time.Now()
	w := newWindow(time.Minute)

	w.add(now, 3)
	w.add(now.Add(30*time.Second), 2)
	assert.Equal(t, 5, w.sum(now.Add(30*time.Second)))

	// First entry falls out of the window, second survives.
	assert.Equal(t, 2, w.sum(now.Add(61*time.Second)))
	assert.Equal(t, 0, w.sum(now.Add(2*time.Minute)))
}

func TestTracker_RequestsPerMinExhaustion(t *testing.T) {
	tr, clk := newTestTracker()
	tr.Register("openai", "gpt-4o", provider.Limits{RequestsPerMin: 2})

	require.True(t, tr.IsAvailable("openai", "gpt-4o"))

	tr.RecordAttempt("openai", "gpt-4o")
	require.True(t, tr.IsAvailable("openai", "gpt-4o"))

	tr.RecordAttempt("openai", "gpt-4o")
	assert.False(t, tr.IsAvailable("openai", "gpt-4o"), "one more call would exceed the limit")

	// Window slides; capacity returns without any explicit reset.
	clk.advance(61 * time.Second)
	assert.True(t, tr.IsAvailable("openai", "gpt-4o"))
}

func TestTracker_TokensPerMinExhaustion(t *testing.T) {
	tr, clk := newTestTracker()
	tr.Register("groq", "llama", provider.Limits{TokensPerMin: 1000})

	tr.RecordOutcome("groq", "llama", provider.Outcome{Kind: provider.OutcomeSuccess, TokensUsed: 999})
	require.True(t, tr.IsAvailable("groq", "llama"))

	tr.RecordOutcome("groq", "llama", provider.Outcome{Kind: provider.OutcomeSuccess, TokensUsed: 1})
	assert.False(t, tr.IsAvailable("groq", "llama"))

	clk.advance(61 * time.Second)
	assert.True(t, tr.IsAvailable("groq", "llama"))
}

func TestTracker_RateLimitQuarantineDoubles(t *testing.T) {
	tr, clk := newTestTracker()
	tr.Register("openai", "gpt-4o", provider.Limits{})

	tr.RecordOutcome("openai", "gpt-4o", provider.Outcome{Kind: provider.OutcomeRateLimited})
	first := tr.QuarantinedUntil("openai", "gpt-4o")
	assert.Equal(t, 5*time.Second, first.Sub(clk.t))
	assert.False(t, tr.IsAvailable("openai", "gpt-4o"))

	// Second consecutive 429 doubles the quarantine.
	clk.advance(6 * time.Second)
	tr.RecordOutcome("openai", "gpt-4o", provider.Outcome{Kind: provider.OutcomeRateLimited})
	second := tr.QuarantinedUntil("openai", "gpt-4o")
	assert.Equal(t, 10*time.Second, second.Sub(clk.t))
}

func TestTracker_RetryAfterOverridesBackoff(t *testing.T) {
	tr, clk := newTestTracker()
	tr.Register("openai", "gpt-4o", provider.Limits{})

	tr.RecordOutcome("openai", "gpt-4o", provider.Outcome{
		Kind:       provider.OutcomeRateLimited,
		RetryAfter: 42 * time.Second,
	})
	until := tr.QuarantinedUntil("openai", "gpt-4o")
	assert.Equal(t, 42*time.Second, until.Sub(clk.t))
}

func TestTracker_QuarantineCappedAtCeiling(t *testing.T) {
	tr, clk := newTestTracker(WithQuarantineCeiling(30 * time.Second))
	tr.Register("openai", "gpt-4o", provider.Limits{})

	tr.RecordOutcome("openai", "gpt-4o", provider.Outcome{
		Kind:       provider.OutcomeRateLimited,
		RetryAfter: 10 * time.Minute,
	})
	until := tr.QuarantinedUntil("openai", "gpt-4o")
	assert.Equal(t, 30*time.Second, until.Sub(clk.t))
}

func TestTracker_SuccessResetsBackoff(t *testing.T) {
	tr, clk := newTestTracker()
	tr.Register("openai", "gpt-4o", provider.Limits{})

	tr.RecordOutcome("openai", "gpt-4o", provider.Outcome{Kind: provider.OutcomeRateLimited})
	clk.advance(6 * time.Second)
	tr.RecordOutcome("openai", "gpt-4o", provider.Outcome{Kind: provider.OutcomeSuccess, TokensUsed: 10})

	// After a success the next quarantine starts from the initial interval
	// again, not from the doubled one.
	tr.RecordOutcome("openai", "gpt-4o", provider.Outcome{Kind: provider.OutcomeRateLimited})
	until := tr.QuarantinedUntil("openai", "gpt-4o")
	assert.Equal(t, 5*time.Second, until.Sub(clk.t))
}

func TestTracker_ConsecutiveServerErrors(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Register("onprem", "qwen", provider.Limits{})

	tr.RecordOutcome("onprem", "qwen", provider.Outcome{Kind: provider.OutcomeServerError})
	tr.RecordOutcome("onprem", "qwen", provider.Outcome{Kind: provider.OutcomeServerError})
	assert.True(t, tr.IsAvailable("onprem", "qwen"), "two failures are not enough")

	tr.RecordOutcome("onprem", "qwen", provider.Outcome{Kind: provider.OutcomeServerError})
	assert.False(t, tr.IsAvailable("onprem", "qwen"))
}

func TestTracker_SuccessBreaksServerErrorStreak(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Register("onprem", "qwen", provider.Limits{})

	tr.RecordOutcome("onprem", "qwen", provider.Outcome{Kind: provider.OutcomeServerError})
	tr.RecordOutcome("onprem", "qwen", provider.Outcome{Kind: provider.OutcomeServerError})
	tr.RecordOutcome("onprem", "qwen", provider.Outcome{Kind: provider.OutcomeSuccess, TokensUsed: 1})
	tr.RecordOutcome("onprem", "qwen", provider.Outcome{Kind: provider.OutcomeServerError})
	tr.RecordOutcome("onprem", "qwen", provider.Outcome{Kind: provider.OutcomeServerError})

	assert.True(t, tr.IsAvailable("onprem", "qwen"))
}

func TestTracker_AuthErrorQuarantinesAtCeiling(t *testing.T) {
	tr, clk := newTestTracker(WithQuarantineCeiling(2 * time.Minute))
	tr.Register("openai", "gpt-4o", provider.Limits{})

	tr.RecordOutcome("openai", "gpt-4o", provider.Outcome{Kind: provider.OutcomeAuthError})
	until := tr.QuarantinedUntil("openai", "gpt-4o")
	assert.Equal(t, 2*time.Minute, until.Sub(clk.t))
}

func TestTracker_NotifierFiresOnTransitionsOnly(t *testing.T) {
	type event struct {
		key       string
		available bool
	}
	var events []event
	tr, clk := newTestTracker(WithNotifier(func(providerID, model string, available bool) {
		events = append(events, event{provider.Key(providerID, model), available})
	}))
	tr.Register("openai", "gpt-4o", provider.Limits{})

	tr.RecordOutcome("openai", "gpt-4o", provider.Outcome{Kind: provider.OutcomeRateLimited})
	tr.RecordOutcome("openai", "gpt-4o", provider.Outcome{Kind: provider.OutcomeRateLimited})

	require.Len(t, events, 1, "repeated quarantine must not re-notify")
	assert.Equal(t, event{"openai/gpt-4o", false}, events[0])

	clk.advance(time.Hour)
	tr.RecordAttempt("openai", "gpt-4o")
	require.Len(t, events, 2)
	assert.True(t, events[1].available)
}

func TestTracker_ReloadKeepsState(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Register("openai", "gpt-4o", provider.Limits{RequestsPerMin: 10})
	tr.RecordOutcome("openai", "gpt-4o", provider.Outcome{Kind: provider.OutcomeRateLimited})

	// A config reload re-registers; quarantine must survive it.
	tr.Register("openai", "gpt-4o", provider.Limits{RequestsPerMin: 20})
	assert.False(t, tr.IsAvailable("openai", "gpt-4o"))
}
