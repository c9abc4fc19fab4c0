// Package lock implements a distributed mutual-exclusion primitive on top
// of a relaycore.Store.
//
// A lock is a key holding a random owner token with an expiry. Acquire is a
// single set-if-absent; Release deletes the key only while it still holds
// the caller's token, so a holder whose lease expired can never delete a
// lock that has since been granted to someone else. There is no lease
// renewal: the ttl must exceed the expected duration of the guarded work.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ineyio/relaycore"
)

// Locker hands out locks stored under a key prefix.
type Locker struct {
	store  relaycore.Store
	prefix string
}

// Option configures a Locker.
type Option func(*Locker)

// WithPrefix sets the key prefix for lock records (default "lock:").
func WithPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

// New creates a Locker backed by store.
func New(store relaycore.Store, opts ...Option) *Locker {
	l := &Locker{store: store, prefix: "lock:"}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Locker) key(name string) string {
	return l.prefix + name
}

// Acquire tries once to take the lock. It returns the owner token and true
// on success, or false if someone else holds it. Store failures are
// returned as errors wrapping relaycore.ErrStoreUnavailable.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, fmt.Errorf("relaycore/lock: acquire %q: ttl must be positive", name)
	}
	token := uuid.NewString()
	ok, err := l.store.SetNX(ctx, l.key(name), token, ttl)
	if err != nil {
		return "", false, fmt.Errorf("relaycore/lock: acquire %q: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the lock if token still owns it. It returns false when the
// lock expired or belongs to another holder; nothing is deleted then.
func (l *Locker) Release(ctx context.Context, name, token string) (bool, error) {
	ok, err := l.store.CompareAndDelete(ctx, l.key(name), token)
	if err != nil {
		return false, fmt.Errorf("relaycore/lock: release %q: %w", name, err)
	}
	return ok, nil
}

// Holder returns the owner token currently stored for the lock.
func (l *Locker) Holder(ctx context.Context, name string) (string, error) {
	return l.store.Get(ctx, l.key(name))
}

// WithLock runs op while holding the lock. op receives a context that ends
// when the lease does. The lock is released on every exit path, including a
// panic in op and cancellation of ctx. It returns false without calling op
// when the lock is held elsewhere.
func (l *Locker) WithLock(ctx context.Context, name string, ttl time.Duration, op func(ctx context.Context) error) (acquired bool, err error) {
	token, ok, err := l.Acquire(ctx, name, ttl)
	if err != nil || !ok {
		return false, err
	}

	defer func() {
		// Release must run even when ctx is already cancelled.
		_, relErr := l.Release(context.WithoutCancel(ctx), name, token)
		if err == nil && relErr != nil {
			err = relErr
		}
	}()

	leaseCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	return true, op(leaseCtx)
}
