package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/relaycore"
	"github.com/ineyio/relaycore/accounts"
	"github.com/ineyio/relaycore/affinity"
	"github.com/ineyio/relaycore/ratelimit"
	"github.com/ineyio/relaycore/scheduler"
	"github.com/ineyio/relaycore/store/memory"
)

type recordingMeter struct {
	relaycore.NoopMeter
	mu     sync.Mutex
	events []relaycore.SelectEvent
}

func (m *recordingMeter) OnSelect(e relaycore.SelectEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

type fixture struct {
	now     time.Time
	repo    *accounts.Repository
	table   *affinity.Table
	tracker *ratelimit.Tracker
	meter   *recordingMeter
	sched   *scheduler.Scheduler
}

func newFixture(t *testing.T, accts ...relaycore.Account) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), meter: &recordingMeter{}}
	clock := func() time.Time { return f.now }
	store := memory.New(memory.WithClock(clock))
	f.repo = accounts.New(store)
	f.table = affinity.New(store)
	f.tracker = ratelimit.New(store, f.repo, f.table, ratelimit.WithClock(clock))
	f.sched = scheduler.New(f.repo, f.table, f.tracker, scheduler.WithMeter(f.meter))
	for _, a := range accts {
		require.NoError(t, f.repo.Create(context.Background(), a))
	}
	return f
}

func pooled(id string, prio int, lastUsed time.Time) relaycore.Account {
	return relaycore.Account{
		ID:          id,
		Platform:    "anthropic",
		Priority:    prio,
		Schedulable: true,
		Status:      relaycore.StatusActive,
		LastUsedAt:  lastUsed,
	}
}

func TestSelectsLeastRecentlyUsed(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f := newFixture(t,
		pooled("a", 10, base.Add(-2*time.Hour)),
		pooled("b", 10, base.Add(-time.Hour)),
	)

	sel, err := f.sched.SelectAccount(context.Background(), relaycore.CallerContext{Caller: "c"})
	require.NoError(t, err)
	assert.Equal(t, "a", sel.Account.ID)
	assert.Equal(t, relaycore.OutcomeSuccess, sel.Outcome)
	assert.Equal(t, f.now, sel.Account.LastUsedAt, "selection marks the account used")
	require.NotNil(t, sel.Account.Window)

	stored, err := f.repo.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, f.now, stored.LastUsedAt)

	// a is now the most recently used.
	sel, err = f.sched.SelectAccount(context.Background(), relaycore.CallerContext{Caller: "c"})
	require.NoError(t, err)
	assert.Equal(t, "b", sel.Account.ID)
}

func TestAllLimitedIsDegraded(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f := newFixture(t,
		pooled("a", 10, base.Add(-2*time.Hour)),
		pooled("b", 10, base.Add(-time.Hour)),
	)
	_, err := f.tracker.MarkLimited(ctx, "a", "", f.now.Add(30*time.Minute))
	require.NoError(t, err)
	_, err = f.tracker.MarkLimited(ctx, "b", "", f.now.Add(90*time.Minute))
	require.NoError(t, err)

	sel, err := f.sched.SelectAccount(ctx, relaycore.CallerContext{Caller: "c"})
	require.NoError(t, err)
	assert.Equal(t, "a", sel.Account.ID)
	assert.Equal(t, relaycore.OutcomeDegraded, sel.Outcome)
}

func TestLimitedAccountsAreSkipped(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f := newFixture(t,
		pooled("a", 10, base.Add(-2*time.Hour)),
		pooled("b", 10, base.Add(-time.Hour)),
	)
	_, err := f.tracker.MarkLimited(ctx, "a", "", f.now.Add(30*time.Minute))
	require.NoError(t, err)

	sel, err := f.sched.SelectAccount(ctx, relaycore.CallerContext{Caller: "c"})
	require.NoError(t, err)
	assert.Equal(t, "b", sel.Account.ID)

	// Once the limit elapses a is healed and picked again.
	f.now = f.now.Add(31 * time.Minute)
	sel, err = f.sched.SelectAccount(ctx, relaycore.CallerContext{Caller: "c"})
	require.NoError(t, err)
	assert.Equal(t, "a", sel.Account.ID)
	assert.Nil(t, sel.Account.RateLimit)
}

func TestPriorityBreaksTies(t *testing.T) {
	f := newFixture(t, pooled("a", 20, time.Time{}), pooled("b", 5, time.Time{}), pooled("c", 5, time.Time{}))

	sel, err := f.sched.SelectAccount(context.Background(), relaycore.CallerContext{})
	require.NoError(t, err)
	assert.Equal(t, "b", sel.Account.ID, "lower priority value, then id")
}

func TestNoCapacity(t *testing.T) {
	disabled := pooled("a", 1, time.Time{})
	disabled.Status = relaycore.StatusDisabled
	private := pooled("b", 1, time.Time{})
	private.Schedulable = false
	premium := pooled("c", 1, time.Time{})
	premium.Capabilities = []relaycore.Capability{relaycore.CapabilityPremium}
	f := newFixture(t, disabled, private, premium)

	_, err := f.sched.SelectAccount(context.Background(), relaycore.CallerContext{Caller: "x", Capability: relaycore.CapabilityStandard})
	assert.ErrorIs(t, err, relaycore.ErrNoCapacity)

	require.Len(t, f.meter.events, 1)
	assert.Equal(t, relaycore.OutcomeNoCapacity, f.meter.events[0].Outcome)

	sel, err := f.sched.SelectAccount(context.Background(), relaycore.CallerContext{Capability: relaycore.CapabilityPremium})
	require.NoError(t, err)
	assert.Equal(t, "c", sel.Account.ID)
}

func TestExcludeSkipsAccounts(t *testing.T) {
	f := newFixture(t, pooled("a", 1, time.Time{}), pooled("b", 1, time.Time{}))

	sel, err := f.sched.SelectAccount(context.Background(), relaycore.CallerContext{}, "a")
	require.NoError(t, err)
	assert.Equal(t, "b", sel.Account.ID)

	_, err = f.sched.SelectAccount(context.Background(), relaycore.CallerContext{}, "a", "b")
	assert.ErrorIs(t, err, relaycore.ErrNoCapacity)
}

func TestDedicatedAccount(t *testing.T) {
	private := pooled("mine", 1, time.Time{})
	private.Schedulable = false
	f := newFixture(t, private, pooled("shared", 1, time.Time{}))
	cc := relaycore.CallerContext{Caller: "c", DedicatedAccountID: "mine"}

	sel, err := f.sched.SelectAccount(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, "mine", sel.Account.ID, "dedicated accounts need not be schedulable")
	assert.True(t, sel.Dedicated)

	_, err = f.repo.SetStatus(context.Background(), "mine", relaycore.StatusUnauthorized, "revoked")
	require.NoError(t, err)

	sel, err = f.sched.SelectAccount(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, "shared", sel.Account.ID, "falls through to the pool")
	assert.False(t, sel.Dedicated)

	cc.DedicatedAccountID = "missing"
	sel, err = f.sched.SelectAccount(context.Background(), cc)
	require.NoError(t, err)
	assert.Equal(t, "shared", sel.Account.ID)
}

func TestStickySessionReuse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pooled("a", 1, time.Time{}), pooled("b", 1, time.Time{}))
	cc := relaycore.CallerContext{Caller: "c", Fingerprint: "fp"}

	first, err := f.sched.SelectAccount(ctx, cc)
	require.NoError(t, err)
	assert.False(t, first.Sticky)

	mapped, err := f.table.Get(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, first.Account.ID, mapped)

	for i := 0; i < 3; i++ {
		sel, err := f.sched.SelectAccount(ctx, cc)
		require.NoError(t, err)
		assert.Equal(t, first.Account.ID, sel.Account.ID, "session stays on its account despite LRU")
		assert.True(t, sel.Sticky)
	}
}

func TestStickySessionInvalidated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pooled("a", 1, time.Time{}), pooled("b", 1, time.Time{}))
	cc := relaycore.CallerContext{Caller: "c", Fingerprint: "fp"}

	first, err := f.sched.SelectAccount(ctx, cc)
	require.NoError(t, err)
	_, err = f.repo.SetStatus(ctx, first.Account.ID, relaycore.StatusDisabled, "")
	require.NoError(t, err)

	sel, err := f.sched.SelectAccount(ctx, cc)
	require.NoError(t, err)
	assert.NotEqual(t, first.Account.ID, sel.Account.ID)

	mapped, err := f.table.Get(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, sel.Account.ID, mapped, "mapping moved to the new account")
}

func TestStickySessionLimitedMovesOn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, pooled("a", 1, time.Time{}), pooled("b", 1, time.Time{}))
	cc := relaycore.CallerContext{Caller: "c", Fingerprint: "fp"}

	first, err := f.sched.SelectAccount(ctx, cc)
	require.NoError(t, err)
	// Limit without dropping the mapping so the scheduler must notice.
	_, err = f.tracker.MarkLimited(ctx, first.Account.ID, "", f.now.Add(time.Hour))
	require.NoError(t, err)

	sel, err := f.sched.SelectAccount(ctx, cc)
	require.NoError(t, err)
	assert.NotEqual(t, first.Account.ID, sel.Account.ID)
	assert.Equal(t, relaycore.OutcomeSuccess, sel.Outcome)
}

func TestConcurrentFirstTouchConverges(t *testing.T) {
	var accts []relaycore.Account
	for i := 0; i < 4; i++ {
		accts = append(accts, pooled(fmt.Sprintf("acct-%d", i), 1, time.Time{}))
	}
	f := newFixture(t, accts...)
	cc := relaycore.CallerContext{Caller: "c", Fingerprint: "fp"}

	const callers = 16
	got := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sel, err := f.sched.SelectAccount(context.Background(), cc)
			if assert.NoError(t, err) {
				got[i] = sel.Account.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range got {
		assert.Equal(t, got[0], id)
	}
}

func TestPriorityFirstPolicy(t *testing.T) {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	accts := []relaycore.Account{
		pooled("old-low", 10, base.Add(-3*time.Hour)),
		pooled("new-high", 1, base.Add(-time.Minute)),
		pooled("old-high", 1, base.Add(-time.Hour)),
	}

	got := (&scheduler.PriorityFirst{}).Select(accts)
	assert.Equal(t, []string{"old-high", "new-high", "old-low"}, ids(got))

	got = (&scheduler.LeastRecentlyUsed{}).Select(accts)
	assert.Equal(t, []string{"old-low", "old-high", "new-high"}, ids(got))
	assert.Equal(t, "old-low", accts[0].ID, "input is not reordered")

	assert.IsType(t, &scheduler.PriorityFirst{}, scheduler.PolicyByName(relaycore.PolicyPriority))
	assert.IsType(t, &scheduler.LeastRecentlyUsed{}, scheduler.PolicyByName(relaycore.PolicyLRU))
}

func ids(accts []relaycore.Account) []string {
	out := make([]string, len(accts))
	for i, a := range accts {
		out[i] = a.ID
	}
	return out
}
