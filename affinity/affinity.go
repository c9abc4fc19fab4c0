// Package affinity maps sticky-session fingerprints to accounts.
package affinity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ineyio/relaycore"
)

const (
	defaultTTL         = time.Hour
	defaultMaxAttempts = 8

	// SessionHeader carries an explicit session id from the caller.
	SessionHeader = "X-Session-Id"
)

// ErrRejected is returned by Claim when the caller's own fresh mapping
// failed validation and was withdrawn. The caller should pick another
// account.
var ErrRejected = errors.New("relaycore/affinity: claimed account rejected")

// Validator re-checks that an account may still serve a session.
type Validator func(ctx context.Context, accountID string) bool

// Table is the session affinity table.
type Table struct {
	store       relaycore.Store
	ttl         time.Duration
	maxAttempts int
}

// Option configures a Table.
type Option func(*Table)

// WithTTL sets how long an idle mapping survives (default 1h).
func WithTTL(ttl time.Duration) Option {
	return func(t *Table) { t.ttl = ttl }
}

// WithMaxAttempts bounds the claim loop.
func WithMaxAttempts(n int) Option {
	return func(t *Table) { t.maxAttempts = n }
}

// New creates a Table over store.
func New(store relaycore.Store, opts ...Option) *Table {
	t := &Table{store: store, ttl: defaultTTL, maxAttempts: defaultMaxAttempts}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func key(fingerprint string) string { return "affinity:" + fingerprint }

// Get returns the account mapped to fingerprint, or "" when none is.
func (t *Table) Get(ctx context.Context, fingerprint string) (string, error) {
	id, err := t.store.Get(ctx, key(fingerprint))
	if errors.Is(err, relaycore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("relaycore/affinity: get: %w", err)
	}
	return id, nil
}

// Refresh extends the mapping's ttl on use.
func (t *Table) Refresh(ctx context.Context, fingerprint string) error {
	if _, err := t.store.Expire(ctx, key(fingerprint), t.ttl); err != nil {
		return fmt.Errorf("relaycore/affinity: refresh: %w", err)
	}
	return nil
}

// Delete removes the mapping unconditionally.
func (t *Table) Delete(ctx context.Context, fingerprint string) error {
	if err := t.store.Delete(ctx, key(fingerprint)); err != nil {
		return fmt.Errorf("relaycore/affinity: delete: %w", err)
	}
	return nil
}

// DeleteIf removes the mapping only while it still points at accountID,
// so a mapping re-claimed by another request survives.
func (t *Table) DeleteIf(ctx context.Context, fingerprint, accountID string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	ok, err := t.store.CompareAndDelete(ctx, key(fingerprint), accountID)
	if err != nil {
		return false, fmt.Errorf("relaycore/affinity: delete: %w", err)
	}
	return ok, nil
}

// Claim binds fingerprint to accountID if it is unmapped and returns the
// account the session converged on. A concurrent claimant that lost the
// race adopts the winner after validating it; an invalid winner is
// withdrawn and the claim retried. When the caller's own account fails
// validation after winning, the mapping is withdrawn and ErrRejected
// returned.
func (t *Table) Claim(ctx context.Context, fingerprint, accountID string, validate Validator) (string, error) {
	k := key(fingerprint)
	for attempt := 0; attempt < t.maxAttempts; attempt++ {
		won, err := t.store.SetNX(ctx, k, accountID, t.ttl)
		if err != nil {
			return "", fmt.Errorf("relaycore/affinity: claim: %w", err)
		}
		if won {
			if validate == nil || validate(ctx, accountID) {
				return accountID, nil
			}
			if _, err := t.store.CompareAndDelete(ctx, k, accountID); err != nil {
				return "", fmt.Errorf("relaycore/affinity: withdraw: %w", err)
			}
			return "", fmt.Errorf("%w: %s", ErrRejected, accountID)
		}

		winner, err := t.store.Get(ctx, k)
		if errors.Is(err, relaycore.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("relaycore/affinity: claim: %w", err)
		}
		if winner == accountID || validate == nil || validate(ctx, winner) {
			if _, err := t.store.Expire(ctx, k, t.ttl); err != nil {
				return "", fmt.Errorf("relaycore/affinity: claim: %w", err)
			}
			return winner, nil
		}
		if _, err := t.store.CompareAndDelete(ctx, k, winner); err != nil {
			return "", fmt.Errorf("relaycore/affinity: withdraw: %w", err)
		}
	}
	return "", fmt.Errorf("%w: %s", relaycore.ErrAffinityContention, fingerprint)
}

// Fingerprint derives the session fingerprint for a request. The explicit
// session header wins; otherwise the body's metadata.user_id is used. The
// result is hashed together with the caller so sessions never collide
// across callers. An empty result disables affinity.
func Fingerprint(caller string, header http.Header, body []byte) string {
	session := strings.TrimSpace(header.Get(SessionHeader))
	if session == "" && gjson.ValidBytes(body) {
		session = strings.TrimSpace(gjson.GetBytes(body, "metadata.user_id").String())
	}
	if session == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(caller + "\x00" + session))
	return hex.EncodeToString(sum[:16])
}
