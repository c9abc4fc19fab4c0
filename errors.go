package relaycore

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrNotFound            = errors.New("relaycore: key not found")
	ErrStoreUnavailable    = errors.New("relaycore: shared state store unavailable")
	ErrNoCapacity          = errors.New("relaycore: no eligible account")
	ErrAccountNotFound     = errors.New("relaycore: account not found")
	ErrInvalidAccount      = errors.New("relaycore: invalid account record")
	ErrNoRefreshCredential = errors.New("relaycore: account has no refresh credential")
	ErrInvalidGrant        = errors.New("relaycore: refresh grant rejected")
	ErrIdentityUnavailable = errors.New("relaycore: identity provider unavailable")
	ErrRefreshTimeout      = errors.New("relaycore: timed out waiting for token refresh")
	ErrAccountUnauthorized = errors.New("relaycore: account unauthorized")
	ErrAuthFailed          = errors.New("relaycore: upstream authentication failed")
	ErrRateLimited         = errors.New("relaycore: rate limited by upstream")
	ErrInvalidRequest      = errors.New("relaycore: invalid request")
	ErrUpstreamUnavailable = errors.New("relaycore: upstream unavailable")
	ErrClientGone          = errors.New("relaycore: client disconnected")
	ErrAffinityContention  = errors.New("relaycore: session affinity claim contended")
)

// RelayError wraps an error with routing context.
type RelayError struct {
	Err       error
	AccountID string
	Platform  string
	Attempts  int
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relaycore: platform=%s account=%s attempts=%d: %v",
		e.Platform, e.AccountID, e.Attempts, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsTerminal reports whether err means the account cannot serve requests
// until it is remediated outside the relay.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalidGrant) ||
		errors.Is(err, ErrNoRefreshCredential) ||
		errors.Is(err, ErrAccountUnauthorized) ||
		errors.Is(err, ErrAuthFailed)
}

// IsRetryable reports whether the request can be retried on another account.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrAccountUnauthorized) ||
		errors.Is(err, ErrInvalidGrant) ||
		errors.Is(err, ErrNoRefreshCredential)
}
