// Package memory provides an in-process relaycore.Store.
//
// It gives the same atomicity guarantees as the networked stores within a
// single process, which makes it suitable for tests and single-instance
// deployments. Expired keys are dropped lazily on access.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ineyio/relaycore"
)

// Store is an in-memory relaycore.Store.
type Store struct {
	mu    sync.Mutex
	items map[string]entry
	now   func() time.Time
}

type entry struct {
	value     string
	expiresAt time.Time
}

var _ relaycore.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		items: make(map[string]entry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup returns the live entry for key. Must be called with lock held.
func (s *Store) lookup(key string) (entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return entry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.items, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return "", relaycore.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = entry{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	return nil
}

func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.items[key] = entry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *Store) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || e.value != expected {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

func (s *Store) CompareAndSwap(_ context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok || e.value != expected {
		return false, nil
	}
	s.items[key] = entry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return false, nil
	}
	e.expiresAt = s.expiry(ttl)
	s.items[key] = e
	return true, nil
}

func (s *Store) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		e = entry{value: "0", expiresAt: s.expiry(ttl)}
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("relaycore/memory: incr %q: value is not an integer", key)
	}
	n += delta
	e.value = strconv.FormatInt(n, 10)
	s.items[key] = e
	return n, nil
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.items {
		if _, ok := s.lookup(k); ok {
			n++
		}
	}
	return n
}
