// Package scheduler picks the upstream account that serves a request.
//
// Selection order: a caller's dedicated account, then the account mapped to
// the request's session fingerprint, then the shared pool ordered by a
// Policy. When every pool account is rate limited the one whose limit ends
// soonest is served in degraded mode. All shared state is read from and
// written to the store; the scheduler holds no mutable state of its own.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ineyio/relaycore"
	"github.com/ineyio/relaycore/accounts"
	"github.com/ineyio/relaycore/affinity"
	"github.com/ineyio/relaycore/ratelimit"
)

// Selection is the account chosen for a request.
type Selection struct {
	Account   relaycore.Account
	Outcome   relaycore.Outcome
	Sticky    bool
	Dedicated bool
}

// Scheduler selects accounts.
type Scheduler struct {
	accounts *accounts.Repository
	affinity *affinity.Table
	limits   *ratelimit.Tracker
	policy   Policy
	meter    relaycore.Meter
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPolicy sets the shared-pool ordering (default LeastRecentlyUsed).
func WithPolicy(p Policy) Option {
	return func(s *Scheduler) { s.policy = p }
}

// WithMeter sets the meter notified of every decision.
func WithMeter(m relaycore.Meter) Option {
	return func(s *Scheduler) { s.meter = m }
}

// New creates a Scheduler. The affinity table may be nil to disable
// sticky sessions.
func New(repo *accounts.Repository, table *affinity.Table, limits *ratelimit.Tracker, opts ...Option) *Scheduler {
	s := &Scheduler{
		accounts: repo,
		affinity: table,
		limits:   limits,
		policy:   &LeastRecentlyUsed{},
		meter:    relaycore.NoopMeter{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectAccount picks an account for cc, skipping ids in exclude. The
// chosen account is marked used and its session window touched before
// it is returned. ErrNoCapacity means nothing eligible exists.
func (s *Scheduler) SelectAccount(ctx context.Context, cc relaycore.CallerContext, exclude ...string) (Selection, error) {
	sel, err := s.selectAccount(ctx, cc, exclude)
	if err != nil {
		if errors.Is(err, relaycore.ErrNoCapacity) {
			s.meter.OnSelect(relaycore.SelectEvent{Caller: cc.Caller, Outcome: relaycore.OutcomeNoCapacity})
		}
		return Selection{}, err
	}

	touched, err := s.limits.Touch(ctx, sel.Account.ID)
	if err != nil {
		return Selection{}, fmt.Errorf("relaycore/scheduler: select %s: %w", sel.Account.ID, err)
	}
	sel.Account = touched

	s.meter.OnSelect(relaycore.SelectEvent{
		Caller:    cc.Caller,
		AccountID: sel.Account.ID,
		Outcome:   sel.Outcome,
		Sticky:    sel.Sticky,
		Dedicated: sel.Dedicated,
	})
	return sel, nil
}

func (s *Scheduler) selectAccount(ctx context.Context, cc relaycore.CallerContext, exclude []string) (Selection, error) {
	if cc.DedicatedAccountID != "" && !slices.Contains(exclude, cc.DedicatedAccountID) {
		a, err := s.accounts.Get(ctx, cc.DedicatedAccountID)
		switch {
		case err == nil && a.Usable(cc.Capability):
			return Selection{Account: a, Outcome: relaycore.OutcomeSuccess, Dedicated: true}, nil
		case err != nil && !errors.Is(err, relaycore.ErrAccountNotFound) && !errors.Is(err, relaycore.ErrInvalidAccount):
			return Selection{}, err
		}
	}

	sticky := s.affinity != nil && cc.Fingerprint != ""
	if sticky {
		sel, ok, err := s.fromSession(ctx, cc, exclude)
		if err != nil || ok {
			return sel, err
		}
	}

	free, limited, err := s.pool(ctx, cc, exclude)
	if err != nil {
		return Selection{}, err
	}

	for _, a := range s.policy.Select(free) {
		if !sticky {
			return Selection{Account: a, Outcome: relaycore.OutcomeSuccess}, nil
		}
		sel, ok, err := s.claim(ctx, cc, a, exclude)
		if err != nil {
			return Selection{}, err
		}
		if ok {
			return sel, nil
		}
	}

	if len(limited) > 0 {
		return Selection{Account: soonestReset(limited)[0], Outcome: relaycore.OutcomeDegraded}, nil
	}
	return Selection{}, relaycore.ErrNoCapacity
}

// fromSession reuses the account mapped to the fingerprint. A mapping that
// no longer points at a servable account is removed.
func (s *Scheduler) fromSession(ctx context.Context, cc relaycore.CallerContext, exclude []string) (Selection, bool, error) {
	id, err := s.affinity.Get(ctx, cc.Fingerprint)
	if err != nil || id == "" {
		return Selection{}, false, err
	}

	a, ok, err := s.servable(ctx, cc, id, exclude)
	if err != nil {
		return Selection{}, false, err
	}
	if !ok {
		if _, err := s.affinity.DeleteIf(ctx, cc.Fingerprint, id); err != nil {
			return Selection{}, false, err
		}
		return Selection{}, false, nil
	}
	if err := s.affinity.Refresh(ctx, cc.Fingerprint); err != nil {
		return Selection{}, false, err
	}
	return Selection{Account: a, Outcome: relaycore.OutcomeSuccess, Sticky: true}, true, nil
}

// claim locks in pick for the session. A concurrent claimant that got
// there first wins and its account is adopted. The boolean is false when
// pick turned out unservable and the next candidate should be tried.
func (s *Scheduler) claim(ctx context.Context, cc relaycore.CallerContext, pick relaycore.Account, exclude []string) (Selection, bool, error) {
	var checkErr error
	adopted := make(map[string]relaycore.Account, 1)
	validate := func(ctx context.Context, id string) bool {
		a, ok, err := s.servable(ctx, cc, id, exclude)
		if err != nil {
			checkErr = err
			return false
		}
		if ok {
			adopted[id] = a
		}
		return ok
	}

	id, err := s.affinity.Claim(ctx, cc.Fingerprint, pick.ID, validate)
	if checkErr != nil {
		return Selection{}, false, checkErr
	}
	switch {
	case errors.Is(err, affinity.ErrRejected):
		return Selection{}, false, nil
	case errors.Is(err, relaycore.ErrAffinityContention):
		// Serve the pick unmapped; the next request claims again.
		return Selection{Account: pick, Outcome: relaycore.OutcomeSuccess}, true, nil
	case err != nil:
		return Selection{}, false, err
	}

	a, ok := adopted[id]
	if !ok {
		// Claim adopted our own id without calling the validator.
		a = pick
	}
	return Selection{Account: a, Outcome: relaycore.OutcomeSuccess, Sticky: id != pick.ID}, true, nil
}

// servable loads id and reports whether it may serve a shared-pool
// request for cc right now.
func (s *Scheduler) servable(ctx context.Context, cc relaycore.CallerContext, id string, exclude []string) (relaycore.Account, bool, error) {
	if slices.Contains(exclude, id) {
		return relaycore.Account{}, false, nil
	}
	a, err := s.accounts.Get(ctx, id)
	if errors.Is(err, relaycore.ErrAccountNotFound) || errors.Is(err, relaycore.ErrInvalidAccount) {
		return relaycore.Account{}, false, nil
	}
	if err != nil {
		return relaycore.Account{}, false, err
	}
	if !a.Eligible(cc.Capability) {
		return a, false, nil
	}
	a, limited, err := s.limits.Check(ctx, a)
	if err != nil {
		return a, false, err
	}
	return a, !limited, nil
}

// pool partitions the eligible shared-pool accounts by rate-limit state.
// Elapsed limits are cleared on the way.
func (s *Scheduler) pool(ctx context.Context, cc relaycore.CallerContext, exclude []string) (free, limited []relaycore.Account, err error) {
	all, _, err := s.accounts.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, a := range all {
		if !a.Eligible(cc.Capability) || slices.Contains(exclude, a.ID) {
			continue
		}
		a, isLimited, err := s.limits.Check(ctx, a)
		if err != nil {
			return nil, nil, err
		}
		if isLimited {
			limited = append(limited, a)
		} else {
			free = append(free, a)
		}
	}
	return free, limited, nil
}
