// Package postgres provides the Postgres-backed watch.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pagewatch/internal/watch"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Store implements watch.Store on Postgres. Table names come from the
// watch.Kind passed to each call.
type Store struct {
	pool pool
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

const targetColumns = "id, url, check_interval, last_checked, created_at, state, failed_attempts, active"

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = prefix + "." + p
	}
	return strings.Join(parts, ", ")
}

func targetDest(t *watch.Target) []any {
	return []any{
		&t.ID,
		&t.URL,
		&t.CheckInterval,
		&t.LastChecked,
		&t.CreatedAt,
		&t.State,
		&t.FailedAttempts,
		&t.Active,
	}
}

func scanTarget(row pgx.Row, kind watch.Kind) (watch.Target, error) {
	var t watch.Target
	if err := row.Scan(targetDest(&t)...); err != nil {
		return watch.Target{}, err
	}
	t.Kind = kind.Name
	return t, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return watch.ErrNotFound
	}
	return err
}

// DueTargets returns active targets never checked or whose interval has
// elapsed, never-checked first, then oldest check.
func (s *Store) DueTargets(ctx context.Context, kind watch.Kind, now time.Time, limit int) ([]watch.Target, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = watch.DefaultBatchSize
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE active
  AND (last_checked IS NULL OR last_checked <= $1 - make_interval(hours => check_interval))
ORDER BY last_checked ASC NULLS FIRST, id
LIMIT $2`, targetColumns, kind.TargetsTable)

	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due %s targets: %w", kind.Name, err)
	}
	defer rows.Close()

	var out []watch.Target
	for rows.Next() {
		t, err := scanTarget(rows, kind)
		if err != nil {
			return nil, fmt.Errorf("scan %s target: %w", kind.Name, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due %s targets: %w", kind.Name, err)
	}
	return out, nil
}

// GetTarget loads one target.
func (s *Store) GetTarget(ctx context.Context, kind watch.Kind, targetID int64) (watch.Target, error) {
	if err := kind.Validate(); err != nil {
		return watch.Target{}, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, targetColumns, kind.TargetsTable)
	t, err := scanTarget(s.pool.QueryRow(ctx, query, targetID), kind)
	if err != nil {
		return watch.Target{}, fmt.Errorf("get %s target %d: %w", kind.Name, targetID, notFound(err))
	}
	return t, nil
}

// ExpireStale pauses active targets older than cutoff that have been
// checked at least once.
func (s *Store) ExpireStale(ctx context.Context, kind watch.Kind, cutoff time.Time) (int64, error) {
	if err := kind.Validate(); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
UPDATE %s
SET state = 'paused', active = FALSE
WHERE active AND created_at < $1 AND last_checked IS NOT NULL`, kind.TargetsTable)
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire stale %s targets: %w", kind.Name, err)
	}
	return tag.RowsAffected(), nil
}

// inTx runs fn inside a transaction, committing on success.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
