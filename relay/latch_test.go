package relay

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatchDisconnectBeforeSocket(t *testing.T) {
	var aborts atomic.Int32
	l := newLatch(func() { aborts.Add(1) })

	l.Disconnect()
	assert.Zero(t, aborts.Load(), "nothing to abort before the socket exists")
	assert.True(t, l.ClientGone())

	l.Attach()
	assert.Equal(t, int32(1), aborts.Load())

	l.Attach()
	l.Disconnect()
	assert.Equal(t, int32(1), aborts.Load(), "fires once")
}

func TestLatchSocketBeforeDisconnect(t *testing.T) {
	var aborts atomic.Int32
	l := newLatch(func() { aborts.Add(1) })

	l.Attach()
	assert.Zero(t, aborts.Load())

	l.Disconnect()
	assert.Equal(t, int32(1), aborts.Load())
	assert.True(t, l.Fired())
}

func TestLatchNoDisconnect(t *testing.T) {
	var aborts atomic.Int32
	l := newLatch(func() { aborts.Add(1) })
	l.Attach()
	assert.Zero(t, aborts.Load())
	assert.False(t, l.Fired())
}

func TestLatchRacingSignalsFireExactlyOnce(t *testing.T) {
	for i := 0; i < 1000; i++ {
		var aborts atomic.Int32
		l := newLatch(func() { aborts.Add(1) })

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); l.Attach() }()
		go func() { defer wg.Done(); l.Disconnect() }()
		wg.Wait()

		if !assert.Equal(t, int32(1), aborts.Load(), "iteration %d", i) {
			return
		}
	}
}
