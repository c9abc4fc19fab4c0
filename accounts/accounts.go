// Package accounts stores account records in a relaycore.Store.
//
// Records are JSON documents validated on every read and write, so callers
// only ever see well-typed accounts. Mutations are compare-and-swap loops
// over the whole record: two processes updating the same account never
// lose each other's changes, and no in-process lock is involved.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/ineyio/relaycore"
)

const (
	defaultMaxAttempts = 32
	indexKey           = "accounts:index"
)

// ErrContention is returned when an update kept losing compare-and-swap
// races for all attempts.
var ErrContention = errors.New("relaycore/accounts: update contended")

// ErrExists is returned by Create for an id already in use.
var ErrExists = errors.New("relaycore/accounts: account already exists")

// Repository is the account accessor.
type Repository struct {
	store       relaycore.Store
	maxAttempts int
}

// Option configures a Repository.
type Option func(*Repository)

// WithMaxAttempts bounds compare-and-swap retries per update.
func WithMaxAttempts(n int) Option {
	return func(r *Repository) { r.maxAttempts = n }
}

// New creates a Repository over store.
func New(store relaycore.Store, opts ...Option) *Repository {
	r := &Repository{store: store, maxAttempts: defaultMaxAttempts}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func accountKey(id string) string { return "account:" + id }

// Decode parses and validates a stored record.
func Decode(raw string) (relaycore.Account, error) {
	var a relaycore.Account
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		if errors.Is(err, relaycore.ErrInvalidAccount) {
			return relaycore.Account{}, err
		}
		return relaycore.Account{}, fmt.Errorf("%w: %v", relaycore.ErrInvalidAccount, err)
	}
	if err := a.Validate(); err != nil {
		return relaycore.Account{}, err
	}
	return a, nil
}

// Encode validates and serializes a record.
func Encode(a relaycore.Account) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("relaycore/accounts: encode %s: %w", a.ID, err)
	}
	return string(b), nil
}

// Create stores a new account and adds it to the index.
func (r *Repository) Create(ctx context.Context, a relaycore.Account) error {
	raw, err := Encode(a)
	if err != nil {
		return err
	}
	ok, err := r.store.SetNX(ctx, accountKey(a.ID), raw, 0)
	if err != nil {
		return fmt.Errorf("relaycore/accounts: create %s: %w", a.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrExists, a.ID)
	}
	return r.addToIndex(ctx, a.ID)
}

func (r *Repository) addToIndex(ctx context.Context, id string) error {
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		raw, err := r.store.Get(ctx, indexKey)
		if errors.Is(err, relaycore.ErrNotFound) {
			b, _ := json.Marshal([]string{id})
			ok, err := r.store.SetNX(ctx, indexKey, string(b), 0)
			if err != nil {
				return fmt.Errorf("relaycore/accounts: index %s: %w", id, err)
			}
			if ok {
				return nil
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("relaycore/accounts: index %s: %w", id, err)
		}

		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return fmt.Errorf("relaycore/accounts: corrupt index: %w", err)
		}
		if slices.Contains(ids, id) {
			return nil
		}
		ids = append(ids, id)
		slices.Sort(ids)
		b, _ := json.Marshal(ids)

		ok, err := r.store.CompareAndSwap(ctx, indexKey, raw, string(b), 0)
		if err != nil {
			return fmt.Errorf("relaycore/accounts: index %s: %w", id, err)
		}
		if ok {
			return nil
		}
		if err := backoff(ctx, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: index %s", ErrContention, id)
}

// Get loads one account.
func (r *Repository) Get(ctx context.Context, id string) (relaycore.Account, error) {
	a, _, err := r.load(ctx, id)
	return a, err
}

func (r *Repository) load(ctx context.Context, id string) (relaycore.Account, string, error) {
	raw, err := r.store.Get(ctx, accountKey(id))
	if errors.Is(err, relaycore.ErrNotFound) {
		return relaycore.Account{}, "", fmt.Errorf("%w: %s", relaycore.ErrAccountNotFound, id)
	}
	if err != nil {
		return relaycore.Account{}, "", fmt.Errorf("relaycore/accounts: get %s: %w", id, err)
	}
	a, err := Decode(raw)
	if err != nil {
		return relaycore.Account{}, "", err
	}
	return a, raw, nil
}

// IDs returns the indexed account ids in sorted order.
func (r *Repository) IDs(ctx context.Context) ([]string, error) {
	raw, err := r.store.Get(ctx, indexKey)
	if errors.Is(err, relaycore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("relaycore/accounts: list: %w", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("relaycore/accounts: corrupt index: %w", err)
	}
	return ids, nil
}

// List loads every indexed account. Records that fail validation are
// skipped and reported through the returned slice of errors.
func (r *Repository) List(ctx context.Context) ([]relaycore.Account, []error, error) {
	ids, err := r.IDs(ctx)
	if err != nil {
		return nil, nil, err
	}
	out := make([]relaycore.Account, 0, len(ids))
	var invalid []error
	for _, id := range ids {
		a, err := r.Get(ctx, id)
		switch {
		case err == nil:
			out = append(out, a)
		case errors.Is(err, relaycore.ErrAccountNotFound):
		case errors.Is(err, relaycore.ErrInvalidAccount):
			invalid = append(invalid, err)
		default:
			return nil, nil, err
		}
	}
	return out, invalid, nil
}

// Update applies fn to the current record and stores the result with a
// compare-and-swap, retrying from a fresh read when another writer won.
// fn may run several times and must not have side effects. A result that
// encodes identically to the stored record is not written.
func (r *Repository) Update(ctx context.Context, id string, fn func(a *relaycore.Account) error) (relaycore.Account, error) {
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		cur, raw, err := r.load(ctx, id)
		if err != nil {
			return relaycore.Account{}, err
		}

		next := cur
		if err := fn(&next); err != nil {
			return cur, err
		}
		next.ID = cur.ID

		enc, err := Encode(next)
		if err != nil {
			return cur, err
		}
		if enc == raw {
			return next, nil
		}

		ok, err := r.store.CompareAndSwap(ctx, accountKey(id), raw, enc, 0)
		if err != nil {
			return cur, fmt.Errorf("relaycore/accounts: update %s: %w", id, err)
		}
		if ok {
			return next, nil
		}
		if err := backoff(ctx, attempt); err != nil {
			return cur, err
		}
	}
	return relaycore.Account{}, fmt.Errorf("%w: %s", ErrContention, id)
}

// SetStatus records an activation state change.
func (r *Repository) SetStatus(ctx context.Context, id string, status relaycore.Status, message string) (relaycore.Account, error) {
	return r.Update(ctx, id, func(a *relaycore.Account) error {
		a.Status = status
		a.StatusMessage = message
		return nil
	})
}

// backoff sleeps a short jittered interval that grows with attempt.
func backoff(ctx context.Context, attempt int) error {
	base := time.Duration(1<<min(attempt, 6)) * 100 * time.Microsecond
	d := base + rand.N(base)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
