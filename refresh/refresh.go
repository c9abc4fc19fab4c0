// Package refresh supplies valid upstream access tokens, refreshing each
// account at most once per expiry cycle.
//
// Concurrent callers in one process share a single in-flight refresh via
// singleflight. Across processes, the refresh runs under a distributed
// lock; a process that is refused the lock polls the account record for
// the winner's result for a bounded time, then applies the configured
// timeout policy.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ineyio/relaycore"
	"github.com/ineyio/relaycore/accounts"
	"github.com/ineyio/relaycore/credential"
	"github.com/ineyio/relaycore/lock"
)

// IdentityProvider exchanges a refresh credential for a new token set.
// Rejected grants must wrap relaycore.ErrInvalidGrant and transient
// failures relaycore.ErrIdentityUnavailable.
type IdentityProvider interface {
	Refresh(ctx context.Context, platform, refreshToken string) (relaycore.TokenSet, error)
}

// Coordinator is the token refresh coordinator.
type Coordinator struct {
	accounts *accounts.Repository
	locker   *lock.Locker
	idp      IdentityProvider
	cipher   credential.Cipher
	meter    relaycore.Meter
	now      func() time.Time

	skew         time.Duration
	lockTTL      time.Duration
	waitTimeout  time.Duration
	pollInterval time.Duration
	defaultTTL   time.Duration
	serveStale   bool

	group singleflight.Group
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCipher sets the credential cipher (default credential.Plain).
func WithCipher(c credential.Cipher) Option {
	return func(co *Coordinator) { co.cipher = c }
}

// WithMeter sets the meter for refresh events.
func WithMeter(m relaycore.Meter) Option {
	return func(co *Coordinator) { co.meter = m }
}

// WithClock sets the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(co *Coordinator) { co.now = now }
}

// WithConfig applies the refresh config section.
func WithConfig(cfg relaycore.RefreshConfig) Option {
	return func(co *Coordinator) {
		cfg = cfg.WithDefaults()
		co.skew = cfg.Skew
		co.lockTTL = cfg.LockTTL
		co.waitTimeout = cfg.WaitTimeout
		co.pollInterval = cfg.PollInterval
		co.defaultTTL = cfg.DefaultTTL
		co.serveStale = cfg.OnWaitTimeout != relaycore.PolicyFail
	}
}

// New creates a Coordinator.
func New(repo *accounts.Repository, locker *lock.Locker, idp IdentityProvider, opts ...Option) *Coordinator {
	c := &Coordinator{
		accounts: repo,
		locker:   locker,
		idp:      idp,
		cipher:   credential.Plain{},
		meter:    relaycore.NoopMeter{},
		now:      time.Now,
	}
	WithConfig(relaycore.RefreshConfig{})(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func lockName(a relaycore.Account) string {
	return "refresh:" + a.Platform + ":" + a.ID
}

// AccessToken returns a currently valid token for accountID.
func (c *Coordinator) AccessToken(ctx context.Context, accountID string) (relaycore.Token, error) {
	a, err := c.accounts.Get(ctx, accountID)
	if err != nil {
		return relaycore.Token{}, err
	}
	return c.Token(ctx, a)
}

// Token is AccessToken for an already loaded account.
func (c *Coordinator) Token(ctx context.Context, a relaycore.Account) (relaycore.Token, error) {
	now := c.now()
	if a.TokenFresh(now, c.skew) {
		return c.decrypt(a, false)
	}
	if a.Status == relaycore.StatusUnauthorized {
		return relaycore.Token{}, fmt.Errorf("%w: %s", relaycore.ErrAccountUnauthorized, a.ID)
	}
	if !a.HasRefreshToken() {
		if a.AccessToken != "" && now.Before(a.ExpiresAt) {
			return c.decrypt(a, false)
		}
		return relaycore.Token{}, fmt.Errorf("%w: %s", relaycore.ErrNoRefreshCredential, a.ID)
	}

	ch := c.group.DoChan(a.ID, func() (any, error) {
		// The shared refresh must outlive any single caller.
		return c.refresh(context.WithoutCancel(ctx), a)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return relaycore.Token{}, r.Err
		}
		return r.Val.(relaycore.Token), nil
	case <-ctx.Done():
		return relaycore.Token{}, ctx.Err()
	}
}

func (c *Coordinator) refresh(ctx context.Context, a relaycore.Account) (relaycore.Token, error) {
	start := time.Now()
	result := relaycore.RefreshPerformed

	var tok relaycore.Token
	acquired, err := c.locker.WithLock(ctx, lockName(a), c.lockTTL, func(ctx context.Context) error {
		cur, err := c.accounts.Get(ctx, a.ID)
		if err != nil {
			return err
		}
		// Another process may have finished a refresh before we got the lock.
		if cur.TokenFresh(c.now(), c.skew) {
			result = relaycore.RefreshObserved
			tok, err = c.decrypt(cur, false)
			return err
		}
		tok, err = c.exchange(ctx, cur)
		return err
	})

	if err == nil && !acquired {
		tok, result, err = c.wait(ctx, a)
	}
	if err != nil {
		result = relaycore.RefreshFailed
	}

	c.meter.OnRefresh(relaycore.RefreshEvent{
		AccountID: a.ID,
		Platform:  a.Platform,
		Result:    result,
		Duration:  time.Since(start),
		Error:     err,
	})
	return tok, err
}

// exchange calls the identity provider and persists the outcome. Must be
// called with the refresh lock held.
func (c *Coordinator) exchange(ctx context.Context, a relaycore.Account) (relaycore.Token, error) {
	if !a.HasRefreshToken() {
		return relaycore.Token{}, fmt.Errorf("%w: %s", relaycore.ErrNoRefreshCredential, a.ID)
	}
	rt, err := c.cipher.Decrypt(a.RefreshToken)
	if err != nil {
		return relaycore.Token{}, fmt.Errorf("relaycore/refresh: %s: refresh token: %w", a.ID, err)
	}

	ts, err := c.idp.Refresh(ctx, a.Platform, rt)
	if err != nil {
		if errors.Is(err, relaycore.ErrInvalidGrant) {
			if _, serr := c.accounts.SetStatus(ctx, a.ID, relaycore.StatusUnauthorized, err.Error()); serr != nil {
				return relaycore.Token{}, errors.Join(err, serr)
			}
		}
		return relaycore.Token{}, err
	}

	at, err := c.cipher.Encrypt(ts.AccessToken)
	if err != nil {
		return relaycore.Token{}, fmt.Errorf("relaycore/refresh: %s: seal access token: %w", a.ID, err)
	}
	var newRT string
	if ts.RefreshToken != "" {
		if newRT, err = c.cipher.Encrypt(ts.RefreshToken); err != nil {
			return relaycore.Token{}, fmt.Errorf("relaycore/refresh: %s: seal refresh token: %w", a.ID, err)
		}
	}
	// A zero expiry marks a static key, so granted tokens always get one.
	ttl := ts.ExpiresIn
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	expiresAt := c.now().Add(ttl)

	_, err = c.accounts.Update(ctx, a.ID, func(cur *relaycore.Account) error {
		cur.AccessToken = at
		cur.ExpiresAt = expiresAt
		if newRT != "" {
			cur.RefreshToken = newRT
		}
		if cur.Status != relaycore.StatusDisabled {
			cur.Status = relaycore.StatusActive
			cur.StatusMessage = ""
		}
		return nil
	})
	if err != nil {
		return relaycore.Token{}, fmt.Errorf("relaycore/refresh: %s: persist: %w", a.ID, err)
	}
	return relaycore.Token{Value: ts.AccessToken, ExpiresAt: expiresAt}, nil
}

// wait polls the account until another holder's refresh becomes visible
// or the wait bound elapses.
func (c *Coordinator) wait(ctx context.Context, a relaycore.Account) (relaycore.Token, relaycore.RefreshResult, error) {
	deadline := time.NewTimer(c.waitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	last := a
	for {
		select {
		case <-ticker.C:
		case <-deadline.C:
			return c.timedOut(last)
		case <-ctx.Done():
			return relaycore.Token{}, relaycore.RefreshFailed, ctx.Err()
		}

		cur, err := c.accounts.Get(ctx, a.ID)
		if err != nil {
			return relaycore.Token{}, relaycore.RefreshFailed, err
		}
		last = cur
		if cur.Status == relaycore.StatusUnauthorized {
			return relaycore.Token{}, relaycore.RefreshFailed,
				fmt.Errorf("%w: %s: %s", relaycore.ErrAccountUnauthorized, a.ID, cur.StatusMessage)
		}
		if cur.TokenFresh(c.now(), c.skew) {
			tok, err := c.decrypt(cur, false)
			return tok, relaycore.RefreshObserved, err
		}
	}
}

func (c *Coordinator) timedOut(last relaycore.Account) (relaycore.Token, relaycore.RefreshResult, error) {
	if !c.serveStale || last.AccessToken == "" {
		return relaycore.Token{}, relaycore.RefreshFailed,
			fmt.Errorf("%w: %s after %s", relaycore.ErrRefreshTimeout, last.ID, c.waitTimeout)
	}
	tok, err := c.decrypt(last, true)
	return tok, relaycore.RefreshStale, err
}

func (c *Coordinator) decrypt(a relaycore.Account, stale bool) (relaycore.Token, error) {
	v, err := c.cipher.Decrypt(a.AccessToken)
	if err != nil {
		return relaycore.Token{}, fmt.Errorf("relaycore/refresh: %s: access token: %w", a.ID, err)
	}
	return relaycore.Token{Value: v, ExpiresAt: a.ExpiresAt, Stale: stale}, nil
}
