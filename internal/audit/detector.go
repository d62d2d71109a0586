package audit

import (
	"sync"
	"time"

	"rollcall.io/internal/apperr"
)

// detector flags principals that collect too many denials inside a rolling
// window, and every replayed verification token.
type detector struct {
	threshold int
	window    time.Duration

	mu     sync.Mutex
	denies map[string][]time.Time
}

func newDetector(threshold int, window time.Duration) *detector {
	return &detector{threshold: threshold, window: window, denies: make(map[string][]time.Time)}
}

func (d *detector) observe(ev Event, at time.Time) bool {
	if ev.Reason == apperr.TokenAlreadyUsed {
		return true
	}
	if !ev.Denied || ev.PrincipalID == "" || d.threshold <= 0 {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := at.Add(-d.window)
	kept := d.denies[ev.PrincipalID][:0]
	for _, ts := range d.denies[ev.PrincipalID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, at)
	d.denies[ev.PrincipalID] = kept
	d.sweep(cutoff)
	return len(kept) >= d.threshold
}

// sweep drops principals whose newest denial has left the window.
func (d *detector) sweep(cutoff time.Time) {
	if len(d.denies) < 1024 {
		return
	}
	for id, times := range d.denies {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(d.denies, id)
		}
	}
}
