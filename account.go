package relaycore

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Status is the activation state of an account.
type Status string

const (
	StatusCreated      Status = "created"
	StatusActive       Status = "active"
	StatusUnauthorized Status = "unauthorized"
	StatusError        Status = "error"
	StatusDisabled     Status = "disabled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusActive, StatusUnauthorized, StatusError, StatusDisabled:
		return true
	default:
		return false
	}
}

// UnmarshalText rejects unknown statuses at the store boundary.
func (s *Status) UnmarshalText(b []byte) error {
	v := Status(strings.TrimSpace(string(b)))
	if !v.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidAccount, v)
	}
	*s = v
	return nil
}

// Capability tags what an account can serve, e.g. premium models.
type Capability string

const (
	CapabilityStandard Capability = "standard"
	CapabilityPremium  Capability = "premium"
)

// Account is a pooled upstream identity the relay can route through.
type Account struct {
	ID            string       `json:"id"`
	Platform      string       `json:"platform"`
	Capabilities  []Capability `json:"capabilities"`
	Priority      int          `json:"priority"`
	Schedulable   bool         `json:"schedulable"`
	Status        Status       `json:"status"`
	StatusMessage string       `json:"status_message,omitempty"`

	// Credential, AccessToken and RefreshToken hold ciphertext produced by
	// the credential subsystem. ExpiresAt is zero for non-expiring keys.
	Credential   string    `json:"credential,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	RefreshToken string    `json:"refresh_token,omitempty"`

	RateLimit  *RateLimitState `json:"rate_limit,omitempty"`
	Window     *SessionWindow  `json:"session_window,omitempty"`
	LastUsedAt time.Time       `json:"last_used_at,omitzero"`
}

// Validate checks the record for required fields and consistency.
func (a Account) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidAccount)
	}
	if strings.TrimSpace(a.Platform) == "" {
		return fmt.Errorf("%w: account %s: platform is required", ErrInvalidAccount, a.ID)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("%w: account %s: unknown status %q", ErrInvalidAccount, a.ID, a.Status)
	}
	if a.RateLimit != nil {
		if err := a.RateLimit.validate(); err != nil {
			return fmt.Errorf("%w: account %s: %v", ErrInvalidAccount, a.ID, err)
		}
	}
	if a.Window != nil && !a.Window.End.After(a.Window.Start) {
		return fmt.Errorf("%w: account %s: session window ends before it starts", ErrInvalidAccount, a.ID)
	}
	return nil
}

// Has reports whether the account carries capability c. An empty
// capability matches every account.
func (a Account) Has(c Capability) bool {
	if c == "" {
		return true
	}
	return slices.Contains(a.Capabilities, c)
}

// Usable reports whether the account may serve a request needing c,
// ignoring the shared-pool schedulable flag and rate limits.
func (a Account) Usable(c Capability) bool {
	return a.Status == StatusActive && a.Has(c)
}

// Eligible reports whether the account belongs in the shared pool for c.
func (a Account) Eligible(c Capability) bool {
	return a.Usable(c) && a.Schedulable
}

// HasRefreshToken reports whether the account can be refreshed.
func (a Account) HasRefreshToken() bool {
	return strings.TrimSpace(a.RefreshToken) != ""
}

// TokenFresh reports whether the cached access token stays valid for at
// least skew past now. Static keys are always fresh.
func (a Account) TokenFresh(now time.Time, skew time.Duration) bool {
	if a.AccessToken == "" {
		return false
	}
	if a.ExpiresAt.IsZero() {
		return true
	}
	return a.ExpiresAt.Sub(now) > skew
}
