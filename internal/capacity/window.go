package capacity

import "time"

// window is a sliding-window counter over a fixed span. Entries are pruned
// lazily on access; callers hold the tracker lock.
type window struct {
	span    time.Duration
	entries []entry
	total   int
}

type entry struct {
	at time.Time
	n  int
}

func newWindow(span time.Duration) *window {
	return &window{span: span}
}

func (w *window) add(now time.Time, n int) {
	w.prune(now)
	w.entries = append(w.entries, entry{at: now, n: n})
	w.total += n
}

func (w *window) sum(now time.Time) int {
	w.prune(now)
	return w.total
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for ; i < len(w.entries); i++ {
		if w.entries[i].at.After(cutoff) {
			break
		}
		w.total -= w.entries[i].n
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
