// Package ratelimit tracks upstream throttling and session windows per
// account.
//
// All state is kept on the account record and changed through
// accounts.Repository.Update, so concurrent readers racing to clear an
// elapsed limit converge on the same cleared record.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ineyio/relaycore"
	"github.com/ineyio/relaycore/accounts"
	"github.com/ineyio/relaycore/affinity"
)

const (
	defaultCooldown        = time.Hour
	defaultWindowDuration  = 5 * time.Hour
	defaultWindowAlignment = time.Hour
)

// Reset headers in the order they are consulted.
const (
	HeaderUnifiedReset = "anthropic-ratelimit-unified-reset"
	HeaderReset        = "x-ratelimit-reset"
	HeaderRetryAfter   = "Retry-After"
)

// Tracker manages RateLimitState and SessionWindow for accounts.
type Tracker struct {
	accounts *accounts.Repository
	affinity *affinity.Table
	store    relaycore.Store
	now      func() time.Time

	cooldown time.Duration
	window   time.Duration
	align    time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithCooldown sets the limit duration used when the upstream gives no
// reset instant (default 1h).
func WithCooldown(d time.Duration) Option {
	return func(t *Tracker) { t.cooldown = d }
}

// WithWindow sets the session window duration and boundary alignment.
func WithWindow(d, align time.Duration) Option {
	return func(t *Tracker) {
		t.window = d
		t.align = align
	}
}

// New creates a Tracker. The affinity table may be nil when sessions are
// not tracked.
func New(store relaycore.Store, repo *accounts.Repository, table *affinity.Table, opts ...Option) *Tracker {
	t := &Tracker{
		accounts: repo,
		affinity: table,
		store:    store,
		now:      time.Now,
		cooldown: defaultCooldown,
		window:   defaultWindowDuration,
		align:    defaultWindowAlignment,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MarkLimited records that the upstream throttled accountID. A non-zero
// resetAt is used verbatim, even when it is already due; the next read
// then clears it. A zero resetAt applies the cooldown. The session
// mapping for fingerprint is dropped if it still points at the account.
func (t *Tracker) MarkLimited(ctx context.Context, accountID, fingerprint string, resetAt time.Time) (relaycore.RateLimitState, error) {
	now := t.now()
	state := relaycore.RateLimitState{
		Status:    relaycore.RateLimitLimited,
		LimitedAt: now,
		EndsAt:    resetAt,
		Exact:     true,
	}
	if resetAt.IsZero() {
		state.EndsAt = now.Add(t.cooldown)
		state.Exact = false
	}

	_, err := t.accounts.Update(ctx, accountID, func(a *relaycore.Account) error {
		s := state
		a.RateLimit = &s
		return nil
	})
	if err != nil {
		return state, fmt.Errorf("relaycore/ratelimit: mark %s: %w", accountID, err)
	}

	if t.affinity != nil && fingerprint != "" {
		if _, err := t.affinity.DeleteIf(ctx, fingerprint, accountID); err != nil {
			return state, err
		}
	}
	return state, nil
}

// IsLimited reports whether accountID is currently throttled. An elapsed
// limit is cleared as part of the read.
func (t *Tracker) IsLimited(ctx context.Context, accountID string) (bool, error) {
	a, err := t.accounts.Get(ctx, accountID)
	if err != nil {
		return false, err
	}
	_, limited, err := t.Check(ctx, a)
	return limited, err
}

// Check is IsLimited for an already loaded account. It returns the record
// as stored after any self-healing write.
func (t *Tracker) Check(ctx context.Context, a relaycore.Account) (relaycore.Account, bool, error) {
	now := t.now()
	if a.RateLimit == nil {
		return a, false, nil
	}
	if !a.RateLimit.Elapsed(now) {
		return a, true, nil
	}

	healed, err := t.accounts.Update(ctx, a.ID, func(cur *relaycore.Account) error {
		// Another writer may have re-limited the account since a was read.
		if cur.RateLimit.Elapsed(now) {
			cur.RateLimit = nil
		}
		return nil
	})
	if err != nil {
		return a, false, fmt.Errorf("relaycore/ratelimit: clear %s: %w", a.ID, err)
	}
	return healed, healed.RateLimit.Active(now), nil
}

// TouchSessionWindow records a request against the account's session
// window, opening a boundary-aligned one when none is open.
func (t *Tracker) TouchSessionWindow(ctx context.Context, accountID string) (*relaycore.SessionWindow, error) {
	now := t.now()
	a, err := t.accounts.Update(ctx, accountID, func(a *relaycore.Account) error {
		a.Window = relaycore.TouchWindow(a.Window, now, t.window, t.align)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("relaycore/ratelimit: touch window %s: %w", accountID, err)
	}
	return a.Window, nil
}

// Touch marks the account used now and touches its session window in the
// same record update.
func (t *Tracker) Touch(ctx context.Context, accountID string) (relaycore.Account, error) {
	now := t.now()
	a, err := t.accounts.Update(ctx, accountID, func(a *relaycore.Account) error {
		a.LastUsedAt = now
		a.Window = relaycore.TouchWindow(a.Window, now, t.window, t.align)
		return nil
	})
	if err != nil {
		return a, fmt.Errorf("relaycore/ratelimit: touch %s: %w", accountID, err)
	}
	return a, nil
}

func windowKey(accountID string, w *relaycore.SessionWindow) string {
	return fmt.Sprintf("window:%s:%d:tokens", accountID, w.Start.Unix())
}

// RecordWindowUsage adds tokens to the account's current window counter
// and returns the new total. The counter expires with the window.
func (t *Tracker) RecordWindowUsage(ctx context.Context, a relaycore.Account, tokens int64) (int64, error) {
	now := t.now()
	if !a.Window.Open(now) {
		return 0, nil
	}
	n, err := t.store.IncrBy(ctx, windowKey(a.ID, a.Window), tokens, a.Window.Remaining(now))
	if err != nil {
		return 0, fmt.Errorf("relaycore/ratelimit: record usage %s: %w", a.ID, err)
	}
	return n, nil
}

// WindowUsage returns the tokens counted in the account's open window.
func (t *Tracker) WindowUsage(ctx context.Context, a relaycore.Account) (int64, error) {
	if !a.Window.Open(t.now()) {
		return 0, nil
	}
	v, err := t.store.Get(ctx, windowKey(a.ID, a.Window))
	if errors.Is(err, relaycore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("relaycore/ratelimit: usage %s: %w", a.ID, err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("relaycore/ratelimit: usage %s: %w", a.ID, err)
	}
	return n, nil
}

// ParseReset extracts an exact reset instant from rate-limit response
// headers. Unix timestamps, RFC 3339 instants, delay seconds and HTTP
// dates are accepted. The boolean is false when no usable header exists.
func ParseReset(h http.Header, now time.Time) (time.Time, bool) {
	for _, name := range []string{HeaderUnifiedReset, HeaderReset} {
		v := strings.TrimSpace(h.Get(name))
		if v == "" {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			// Small values are delays, large ones unix seconds.
			if n < 1_000_000_000 {
				return now.Add(time.Duration(n) * time.Second), true
			}
			return time.Unix(n, 0), true
		}
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts, true
		}
	}

	v := strings.TrimSpace(h.Get(HeaderRetryAfter))
	if v == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return now.Add(time.Duration(secs) * time.Second), true
	}
	if ts, err := http.ParseTime(v); err == nil {
		return ts, true
	}
	return time.Time{}, false
}
