// Package store persists items, runs, digests and subscribers. Every multi-row change
// runs in a single transaction so no partial stage transition is ever
// visible.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ryosukesatoh/daily-digest/internal/domain"
)

// ErrNotFound is returned when a run or digest does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the shared state of every run.
type Store struct {
	db     *sql.DB
	driver string
	sb     sq.StatementBuilderType
	now    func() time.Time
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to the database and creates the schema. driver is
// "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
		sb  = sq.StatementBuilder
	)
	switch driver {
	case "sqlite":
		if dir := filepath.Dir(dsn); dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: creating database directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("store: opening database: %w", err)
		}
		// A single connection serializes writers and keeps :memory: databases alive.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA foreign_keys = ON",
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("store: %s: %w", pragma, err)
			}
		}
		sb = sb.PlaceholderFormat(sq.Question)
	case "postgres":
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("store: opening database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: connecting: %w", err)
		}
		sb = sb.PlaceholderFormat(sq.Dollar)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	s := &Store{db: db, driver: driver, sb: sb, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: initializing schema: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction. Any failure rolls back and is reported
// as a *domain.PersistenceError, except sentinel errors returned by fn.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.PersistenceError{Op: op, Err: err}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, domain.ErrRunInFlight) || errors.Is(err, ErrNotFound) || domain.IsPersistence(err) {
			return err
		}
		return &domain.PersistenceError{Op: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &domain.PersistenceError{Op: op, Err: err}
	}
	return nil
}

func (s *Store) exec(ctx context.Context, q querier, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.ExecContext(ctx, query, args...)
}

func (s *Store) query(ctx context.Context, q querier, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.QueryContext(ctx, query, args...)
}

func (s *Store) queryRow(ctx context.Context, q querier, b sq.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.QueryRowContext(ctx, query, args...), nil
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || domain.IsPersistence(err) {
		return err
	}
	return &domain.PersistenceError{Op: op, Err: err}
}
