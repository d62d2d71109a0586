package token

import (
	"fmt"
	"time"
)

// Limits configures the fixed-window issuance throttle.
type Limits struct {
	// Ceiling is the number of issuances allowed per window.
	Ceiling int
	Window  time.Duration
	// Cooldown is the minimum wait imposed once the ceiling is hit.
	Cooldown time.Duration
}

// DefaultLimits allows five issuances per hour with a fifteen minute cooldown.
func DefaultLimits() Limits {
	return Limits{Ceiling: 5, Window: time.Hour, Cooldown: 15 * time.Minute}
}

// Validate rejects limits that could never admit an issuance.
func (l Limits) Validate() error {
	if l.Ceiling <= 0 {
		return fmt.Errorf("token: throttle ceiling must be positive, got %d", l.Ceiling)
	}
	if l.Window <= 0 {
		return fmt.Errorf("token: throttle window must be positive, got %s", l.Window)
	}
	if l.Cooldown < 0 {
		return fmt.Errorf("token: throttle cooldown must not be negative, got %s", l.Cooldown)
	}
	return nil
}

// ThrottleState is the stored counter for one (principal, purpose) pair.
type ThrottleState struct {
	PrincipalID   string    `json:"principal_id"`
	Purpose       Purpose   `json:"purpose"`
	WindowStart   time.Time `json:"window_start"`
	Count         int       `json:"count"`
	NextAllowedAt time.Time `json:"next_allowed_at"`
}

// Advance applies one issuance attempt at now to st. It returns the state to
// persist and whether the attempt is admitted. A refused attempt carries a
// NextAllowedAt strictly after now.
func (l Limits) Advance(st ThrottleState, now time.Time) (ThrottleState, bool) {
	windowEnd := st.WindowStart.Add(l.Window)
	if st.WindowStart.IsZero() || (!now.Before(windowEnd) && !now.Before(st.NextAllowedAt)) {
		st.WindowStart = now
		st.Count = 0
		st.NextAllowedAt = time.Time{}
		windowEnd = now.Add(l.Window)
	}
	if now.Before(st.NextAllowedAt) {
		return st, false
	}
	if st.Count >= l.Ceiling {
		next := now.Add(l.Cooldown)
		if next.Before(windowEnd) {
			next = windowEnd
		}
		st.NextAllowedAt = next
		return st, false
	}
	st.Count++
	return st, true
}
