package relay

import (
	"context"
	"sync/atomic"
)

// latch aborts the upstream request once both the upstream socket exists
// and the client has gone away, in whichever order the two signals
// arrive. Each side records its flag before checking the other's, so the
// side that runs second always observes both and fires.
type latch struct {
	abort        context.CancelFunc
	ready        atomic.Bool
	disconnected atomic.Bool
	fired        atomic.Bool
}

func newLatch(abort context.CancelFunc) *latch {
	return &latch{abort: abort}
}

// Attach records that the upstream connection is established.
func (l *latch) Attach() {
	l.ready.Store(true)
	if l.disconnected.Load() {
		l.fire()
	}
}

// Disconnect records that the client went away.
func (l *latch) Disconnect() {
	l.disconnected.Store(true)
	if l.ready.Load() {
		l.fire()
	}
}

// Abort cancels the upstream immediately, e.g. after a failed client write.
func (l *latch) Abort() {
	l.disconnected.Store(true)
	l.fire()
}

func (l *latch) fire() {
	if l.fired.CompareAndSwap(false, true) {
		l.abort()
	}
}

// Fired reports whether the upstream was aborted.
func (l *latch) Fired() bool { return l.fired.Load() }

// ClientGone reports whether a disconnect was recorded.
func (l *latch) ClientGone() bool { return l.disconnected.Load() }
