package affinity_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/relaycore/affinity"
	"github.com/ineyio/relaycore/store/memory"
)

func always(context.Context, string) bool { return true }

func TestClaimFirstTouch(t *testing.T) {
	ctx := context.Background()
	table := affinity.New(memory.New())

	got, err := table.Claim(ctx, "fp", "a", always)
	require.NoError(t, err)
	assert.Equal(t, "a", got)

	got, err = table.Claim(ctx, "fp", "b", always)
	require.NoError(t, err)
	assert.Equal(t, "a", got, "loser adopts winner")

	mapped, err := table.Get(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, "a", mapped)
}

func TestConcurrentFirstTouchConverges(t *testing.T) {
	ctx := context.Background()
	table := affinity.New(memory.New())

	const callers = 32
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := table.Claim(ctx, "fp", fmt.Sprintf("acct-%d", i%4), always)
			assert.NoError(t, err)
			results[i] = got
		}()
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

func TestClaimReplacesInvalidWinner(t *testing.T) {
	ctx := context.Background()
	table := affinity.New(memory.New())

	_, err := table.Claim(ctx, "fp", "dead", always)
	require.NoError(t, err)

	valid := func(_ context.Context, id string) bool { return id != "dead" }
	got, err := table.Claim(ctx, "fp", "b", valid)
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestClaimRejectsOwnInvalidPick(t *testing.T) {
	ctx := context.Background()
	table := affinity.New(memory.New())

	never := func(context.Context, string) bool { return false }
	_, err := table.Claim(ctx, "fp", "a", never)
	assert.ErrorIs(t, err, affinity.ErrRejected)

	mapped, err := table.Get(ctx, "fp")
	require.NoError(t, err)
	assert.Empty(t, mapped, "rejected mapping is withdrawn")
}

func TestDeleteIf(t *testing.T) {
	ctx := context.Background()
	table := affinity.New(memory.New())
	_, err := table.Claim(ctx, "fp", "a", always)
	require.NoError(t, err)

	ok, err := table.DeleteIf(ctx, "fp", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = table.DeleteIf(ctx, "fp", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = table.DeleteIf(ctx, "", "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMappingExpiresAndRefreshes(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	table := affinity.New(store, affinity.WithTTL(time.Minute))

	_, err := table.Claim(ctx, "fp", "a", always)
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	require.NoError(t, table.Refresh(ctx, "fp"))
	now = now.Add(50 * time.Second)

	mapped, err := table.Get(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, "a", mapped)

	now = now.Add(2 * time.Minute)
	mapped, err = table.Get(ctx, "fp")
	require.NoError(t, err)
	assert.Empty(t, mapped)
}

func TestFingerprint(t *testing.T) {
	body := []byte(`{"model":"m","metadata":{"user_id":"user_abc_session_1"}}`)

	fromBody := affinity.Fingerprint("alice", http.Header{}, body)
	assert.NotEmpty(t, fromBody)
	assert.Equal(t, fromBody, affinity.Fingerprint("alice", http.Header{}, body))
	assert.NotEqual(t, fromBody, affinity.Fingerprint("bob", http.Header{}, body))

	h := http.Header{}
	h.Set(affinity.SessionHeader, "explicit")
	assert.NotEqual(t, fromBody, affinity.Fingerprint("alice", h, body))

	assert.Empty(t, affinity.Fingerprint("alice", http.Header{}, []byte(`{"model":"m"}`)))
	assert.Empty(t, affinity.Fingerprint("alice", http.Header{}, []byte(`not json`)))
}
