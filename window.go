package relaycore

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitStatus is the throttling state of an account.
type RateLimitStatus string

const (
	RateLimitNone    RateLimitStatus = "none"
	RateLimitLimited RateLimitStatus = "limited"
)

// RateLimitState records an interval during which the upstream throttles
// an account. Exact is true when EndsAt came from the upstream.
type RateLimitState struct {
	Status    RateLimitStatus `json:"status"`
	LimitedAt time.Time       `json:"limited_at"`
	EndsAt    time.Time       `json:"ends_at"`
	Exact     bool            `json:"exact,omitempty"`
}

func (r RateLimitState) validate() error {
	switch r.Status {
	case RateLimitNone:
		return nil
	case RateLimitLimited:
		if r.EndsAt.IsZero() {
			return errors.New("rate limit has no end")
		}
		return nil
	default:
		return fmt.Errorf("unknown rate limit status %q", r.Status)
	}
}

// Active reports whether the limit still applies at now.
func (r *RateLimitState) Active(now time.Time) bool {
	return r != nil && r.Status == RateLimitLimited && now.Before(r.EndsAt)
}

// Elapsed reports whether a recorded limit has run out at now and should
// be cleared.
func (r *RateLimitState) Elapsed(now time.Time) bool {
	return r != nil && (r.Status != RateLimitLimited || !now.Before(r.EndsAt))
}

// SessionWindow is a fixed-duration utilization interval.
type SessionWindow struct {
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	LastRequestAt time.Time `json:"last_request_at"`
}

// Open reports whether the window still covers now.
func (w *SessionWindow) Open(now time.Time) bool {
	return w != nil && now.Before(w.End)
}

// Progress returns the elapsed share of the window in percent, 0..100.
func (w *SessionWindow) Progress(now time.Time) float64 {
	if w == nil {
		return 0
	}
	total := w.End.Sub(w.Start)
	if total <= 0 {
		return 100
	}
	elapsed := now.Sub(w.Start)
	switch {
	case elapsed <= 0:
		return 0
	case elapsed >= total:
		return 100
	}
	return float64(elapsed) / float64(total) * 100
}

// Remaining returns the time left in the window, never negative.
func (w *SessionWindow) Remaining(now time.Time) time.Duration {
	if w == nil || !now.Before(w.End) {
		return 0
	}
	return w.End.Sub(now)
}

// NewSessionWindow opens a window of length d whose start is now truncated
// to align. A non-positive align starts the window at now.
func NewSessionWindow(now time.Time, d, align time.Duration) *SessionWindow {
	start := now
	if align > 0 {
		start = now.Truncate(align)
	}
	if !start.Add(d).After(now) {
		start = now
	}
	return &SessionWindow{Start: start, End: start.Add(d), LastRequestAt: now}
}

// TouchWindow returns the window after a request at now: w extended when
// still open, otherwise a fresh aligned window.
func TouchWindow(w *SessionWindow, now time.Time, d, align time.Duration) *SessionWindow {
	if w.Open(now) {
		next := *w
		next.LastRequestAt = now
		return &next
	}
	return NewSessionWindow(now, d, align)
}
