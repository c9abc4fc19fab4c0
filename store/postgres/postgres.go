// Package postgres provides a PostgreSQL-backed relaycore.Store.
//
// All keys live in one table. Every operation is a single statement, so the
// conditional forms are atomic without explicit transactions. Expiry is
// evaluated against the database clock so cooperating processes agree on it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/relaycore"
)

// Store is a PostgreSQL-backed relaycore.Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ relaycore.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "relaycore_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "relaycore_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) table() string { return s.tablePrefix + "kv" }

// live restricts a statement to keys that have not expired.
const live = `(expires_at IS NULL OR expires_at > now())`

// expiresAt computes the expiry from a millisecond ttl parameter.
func expiresAt(param string) string {
	return fmt.Sprintf(`CASE WHEN %[1]s::bigint > 0 THEN now() + (%[1]s::bigint * interval '1 millisecond') END`, param)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: postgres %s: %v", relaycore.ErrStoreUnavailable, op, err)
}

// EnsureSchema creates the required table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS %[1]s_expires_at_idx ON %[1]s (expires_at) WHERE expires_at IS NOT NULL;
	`, s.table())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("relaycore/postgres: ensure schema: %w", err)
	}
	return nil
}

// Sweep deletes expired rows. Reads never depend on it.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= now()`, s.table()))
	if err != nil {
		return 0, unavailable("sweep", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1 AND %s`, s.table(), live),
		key,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", relaycore.ErrNotFound
	}
	if err != nil {
		return "", unavailable("get", err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, value, expires_at) VALUES ($1, $2, %s)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
			s.table(), expiresAt("$3")),
		key, value, ttl.Milliseconds(),
	)
	if err != nil {
		return unavailable("set", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table()), key); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	// An expired row counts as absent and is overwritten in place.
	var inserted bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s AS kv (key, value, expires_at) VALUES ($1, $2, %[2]s)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
			WHERE kv.expires_at IS NOT NULL AND kv.expires_at <= now()
			RETURNING true`, s.table(), expiresAt("$3")),
		key, value, ttl.Milliseconds(),
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return inserted, nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND value = $2 AND %s`, s.table(), live),
		key, expected,
	)
	if err != nil {
		return false, unavailable("compare-and-delete", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET value = $3, expires_at = %s WHERE key = $1 AND value = $2 AND %s`,
			s.table(), expiresAt("$4"), live),
		key, expected, value, ttl.Milliseconds(),
	)
	if err != nil {
		return false, unavailable("compare-and-swap", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET expires_at = %s WHERE key = $1 AND %s`, s.table(), expiresAt("$2"), live),
		key, ttl.Milliseconds(),
	)
	if err != nil {
		return false, unavailable("expire", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	var v string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s AS kv (key, value, expires_at) VALUES ($1, $2::bigint::text, %[2]s)
			ON CONFLICT (key) DO UPDATE SET
				value = CASE WHEN kv.expires_at IS NULL OR kv.expires_at > now()
					THEN (kv.value::bigint + $2::bigint)::text ELSE EXCLUDED.value END,
				expires_at = CASE WHEN kv.expires_at IS NULL OR kv.expires_at > now()
					THEN kv.expires_at ELSE EXCLUDED.expires_at END
			RETURNING value`, s.table(), expiresAt("$3")),
		key, delta, ttl.Milliseconds(),
	).Scan(&v)
	if err != nil {
		return 0, unavailable("incrby", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("relaycore/postgres: incrby %q: %w", key, err)
	}
	return n, nil
}
