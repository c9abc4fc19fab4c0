package relaycore_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/relaycore"
)

var t0 = time.Date(2026, 3, 1, 10, 20, 0, 0, time.UTC)

func TestAccountValidate(t *testing.T) {
	valid := relaycore.Account{ID: "a", Platform: "anthropic", Status: relaycore.StatusActive}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*relaycore.Account)
	}{
		{"missing id", func(a *relaycore.Account) { a.ID = " " }},
		{"missing platform", func(a *relaycore.Account) { a.Platform = "" }},
		{"unknown status", func(a *relaycore.Account) { a.Status = "paused" }},
		{"limit without end", func(a *relaycore.Account) {
			a.RateLimit = &relaycore.RateLimitState{Status: relaycore.RateLimitLimited}
		}},
		{"unknown limit status", func(a *relaycore.Account) {
			a.RateLimit = &relaycore.RateLimitState{Status: "soft", EndsAt: t0}
		}},
		{"inverted window", func(a *relaycore.Account) {
			a.Window = &relaycore.SessionWindow{Start: t0, End: t0}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := valid
			tt.mutate(&a)
			assert.ErrorIs(t, a.Validate(), relaycore.ErrInvalidAccount)
		})
	}
}

func TestStatusUnmarshal(t *testing.T) {
	var a relaycore.Account
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","status":"unauthorized"}`), &a))
	assert.Equal(t, relaycore.StatusUnauthorized, a.Status)

	err := json.Unmarshal([]byte(`{"id":"a","status":"banned"}`), &a)
	assert.ErrorIs(t, err, relaycore.ErrInvalidAccount)
}

func TestEligibility(t *testing.T) {
	a := relaycore.Account{
		Status:       relaycore.StatusActive,
		Schedulable:  true,
		Capabilities: []relaycore.Capability{relaycore.CapabilityStandard},
	}
	assert.True(t, a.Eligible(""))
	assert.True(t, a.Eligible(relaycore.CapabilityStandard))
	assert.False(t, a.Eligible(relaycore.CapabilityPremium))

	a.Schedulable = false
	assert.False(t, a.Eligible(""))
	assert.True(t, a.Usable(""), "dedicated use ignores the pool flag")

	a.Status = relaycore.StatusError
	assert.False(t, a.Usable(""))
}

func TestTokenFresh(t *testing.T) {
	skew := time.Minute
	assert.False(t, relaycore.Account{}.TokenFresh(t0, skew))
	assert.True(t, relaycore.Account{AccessToken: "k"}.TokenFresh(t0, skew), "static keys never expire")
	assert.True(t, relaycore.Account{AccessToken: "k", ExpiresAt: t0.Add(2 * time.Minute)}.TokenFresh(t0, skew))
	assert.False(t, relaycore.Account{AccessToken: "k", ExpiresAt: t0.Add(30 * time.Second)}.TokenFresh(t0, skew))
	assert.False(t, relaycore.Account{AccessToken: "k", ExpiresAt: t0.Add(-time.Second)}.TokenFresh(t0, skew))
}

func TestRateLimitState(t *testing.T) {
	var none *relaycore.RateLimitState
	assert.False(t, none.Active(t0))
	assert.False(t, none.Elapsed(t0))

	s := &relaycore.RateLimitState{Status: relaycore.RateLimitLimited, LimitedAt: t0, EndsAt: t0.Add(time.Hour)}
	assert.True(t, s.Active(t0.Add(59*time.Minute)))
	assert.False(t, s.Elapsed(t0.Add(59*time.Minute)))
	assert.False(t, s.Active(t0.Add(time.Hour)))
	assert.True(t, s.Elapsed(t0.Add(time.Hour)))

	cleared := &relaycore.RateLimitState{Status: relaycore.RateLimitNone, EndsAt: t0.Add(time.Hour)}
	assert.False(t, cleared.Active(t0))
	assert.True(t, cleared.Elapsed(t0))
}

func TestNewSessionWindowAligned(t *testing.T) {
	w := relaycore.NewSessionWindow(t0, 5*time.Hour, time.Hour)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC), w.End)
	assert.Equal(t, t0, w.LastRequestAt)

	unaligned := relaycore.NewSessionWindow(t0, time.Hour, 0)
	assert.Equal(t, t0, unaligned.Start)

	// A window shorter than the alignment would already be over.
	short := relaycore.NewSessionWindow(t0, 10*time.Minute, time.Hour)
	assert.Equal(t, t0, short.Start)
	assert.True(t, short.Open(t0))
}

func TestTouchWindow(t *testing.T) {
	w := relaycore.TouchWindow(nil, t0, 5*time.Hour, time.Hour)
	require.NotNil(t, w)

	later := t0.Add(2 * time.Hour)
	same := relaycore.TouchWindow(w, later, 5*time.Hour, time.Hour)
	assert.Equal(t, w.Start, same.Start)
	assert.Equal(t, later, same.LastRequestAt)
	assert.Equal(t, t0, w.LastRequestAt, "input window is not mutated")

	after := w.End.Add(10 * time.Minute)
	next := relaycore.TouchWindow(w, after, 5*time.Hour, time.Hour)
	assert.Equal(t, w.End, next.Start)
	assert.True(t, next.Open(after))
}

func TestWindowProgressAndRemaining(t *testing.T) {
	w := &relaycore.SessionWindow{Start: t0, End: t0.Add(4 * time.Hour)}

	assert.InDelta(t, 0, w.Progress(t0.Add(-time.Minute)), 0.001)
	assert.InDelta(t, 25, w.Progress(t0.Add(time.Hour)), 0.001)
	assert.InDelta(t, 100, w.Progress(t0.Add(5*time.Hour)), 0.001)
	assert.Equal(t, 3*time.Hour, w.Remaining(t0.Add(time.Hour)))
	assert.Zero(t, w.Remaining(t0.Add(4*time.Hour)))

	var none *relaycore.SessionWindow
	assert.Zero(t, none.Progress(t0))
	assert.Zero(t, none.Remaining(t0))
	assert.False(t, none.Open(t0))
}

func TestErrorClassification(t *testing.T) {
	wrapped := &relaycore.RelayError{Err: fmt.Errorf("x: %w", relaycore.ErrInvalidGrant), AccountID: "a", Platform: "p", Attempts: 1}
	assert.True(t, relaycore.IsTerminal(wrapped))
	assert.True(t, relaycore.IsRetryable(wrapped))
	assert.Contains(t, wrapped.Error(), "account=a")

	assert.True(t, relaycore.IsRetryable(relaycore.ErrRateLimited))
	assert.False(t, relaycore.IsTerminal(relaycore.ErrRateLimited))
	assert.False(t, relaycore.IsRetryable(relaycore.ErrUpstreamUnavailable))
	assert.False(t, relaycore.IsTerminal(errors.New("other")))
}
