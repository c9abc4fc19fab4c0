// Package storetest is a conformance suite for relaycore.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/relaycore"
)

// Harness gives the suite a fresh store and a way to move its clock.
type Harness struct {
	// New returns an empty store.
	New func(t *testing.T) relaycore.Store

	// Advance moves the store's notion of time forward by d. When nil the
	// suite sleeps instead.
	Advance func(d time.Duration)
}

func (h Harness) advance(d time.Duration) {
	if h.Advance != nil {
		h.Advance(d)
		return
	}
	time.Sleep(d)
}

// Run executes the suite.
func Run(t *testing.T, h Harness) {
	t.Run("GetMissing", func(t *testing.T) {
		s := h.New(t)
		_, err := s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, relaycore.ErrNotFound)
	})

	t.Run("SetGetDelete", func(t *testing.T) {
		s := h.New(t)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "k", "v1", 0))
		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v1", v)

		require.NoError(t, s.Delete(ctx, "k"))
		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, relaycore.ErrNotFound)

		require.NoError(t, s.Delete(ctx, "k"), "deleting a missing key")
	})

	t.Run("SetNX", func(t *testing.T) {
		s := h.New(t)
		ctx := context.Background()

		ok, err := s.SetNX(ctx, "k", "first", 0)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.SetNX(ctx, "k", "second", 0)
		require.NoError(t, err)
		assert.False(t, ok)

		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "first", v)
	})

	t.Run("SetNXAfterExpiry", func(t *testing.T) {
		s := h.New(t)
		ctx := context.Background()

		ok, err := s.SetNX(ctx, "k", "first", 100*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		h.advance(200 * time.Millisecond)

		ok, err = s.SetNX(ctx, "k", "second", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "second", v)
	})

	t.Run("CompareAndDelete", func(t *testing.T) {
		s := h.New(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "k", "owner-a", 0))

		ok, err := s.CompareAndDelete(ctx, "k", "owner-b")
		require.NoError(t, err)
		assert.False(t, ok)
		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "owner-a", v)

		ok, err = s.CompareAndDelete(ctx, "k", "owner-a")
		require.NoError(t, err)
		assert.True(t, ok)
		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, relaycore.ErrNotFound)

		ok, err = s.CompareAndDelete(ctx, "k", "owner-a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		s := h.New(t)
		ctx := context.Background()

		ok, err := s.CompareAndSwap(ctx, "k", "", "v", 0)
		require.NoError(t, err)
		assert.False(t, ok, "swap on a missing key")

		require.NoError(t, s.Set(ctx, "k", "v1", 0))
		ok, err = s.CompareAndSwap(ctx, "k", "stale", "v2", 0)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.CompareAndSwap(ctx, "k", "v1", "v2", 0)
		require.NoError(t, err)
		assert.True(t, ok)

		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v2", v)
	})

	t.Run("ConcurrentCompareAndSwap", func(t *testing.T) {
		s := h.New(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "counter", "0", 0))

		const workers = 8
		const perWorker = 10
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for n := 0; n < perWorker; n++ {
					for {
						cur, err := s.Get(ctx, "counter")
						if err != nil {
							errs <- err
							return
						}
						var v int
						fmt.Sscanf(cur, "%d", &v)
						ok, err := s.CompareAndSwap(ctx, "counter", cur, fmt.Sprint(v+1), 0)
						if err != nil {
							errs <- err
							return
						}
						if ok {
							break
						}
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		v, err := s.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(workers*perWorker), v)
	})

	t.Run("Expire", func(t *testing.T) {
		s := h.New(t)
		ctx := context.Background()

		ok, err := s.Expire(ctx, "missing", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Set(ctx, "k", "v", 0))
		ok, err = s.Expire(ctx, "k", 100*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, ok)

		h.advance(200 * time.Millisecond)
		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, relaycore.ErrNotFound)
	})

	t.Run("IncrBy", func(t *testing.T) {
		s := h.New(t)
		ctx := context.Background()

		n, err := s.IncrBy(ctx, "n", 5, 100*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)

		n, err = s.IncrBy(ctx, "n", 7, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(12), n)

		// The ttl set on creation still applies.
		h.advance(200 * time.Millisecond)
		n, err = s.IncrBy(ctx, "n", 1, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("ErrorsAreSentinels", func(t *testing.T) {
		s := h.New(t)
		_, err := s.Get(context.Background(), "nope")
		assert.True(t, errors.Is(err, relaycore.ErrNotFound))
		assert.False(t, errors.Is(err, relaycore.ErrStoreUnavailable))
	})
}
