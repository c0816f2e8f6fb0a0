// Package store is the DuckDB metastore of the vigil daemon.
//
// It holds hosts with their TLS acceptance settings, items, value maps,
// global regular expressions, user macros and PSK identities. Store
// satisfies the item metadata, item source, macro and global regexp
// collaborators of the evaluation engine and the metastore PSK source.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/logging"
)

var log = logging.Component("store")

// =============================================================================
// Store Configuration
// =============================================================================

// Config holds store configuration options.
type Config struct {
	// DSN is the database connection string. Empty or ":memory:" opens an
	// in-memory database.
	DSN string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration

	// QueryTimeout is the default timeout for queries issued without a
	// caller context.
	QueryTimeout time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// =============================================================================
// Store
// =============================================================================

// Store provides metastore operations.
//
// Store is safe for concurrent use.
type Store struct {
	db      *sql.DB
	config  Config
	now     func() time.Time
	started time.Time

	mu     sync.RWMutex
	closed bool
}

// New opens the database, applies the schema and records the start time
// used by GetDataExpectedFrom.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("duckdb", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %v: %w", err, errors.ErrDatabase)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %v: %w", err, errors.ErrDatabase)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		db:      db,
		config:  cfg,
		now:     now,
		started: now(),
	}
	log.Info("metastore opened", "dsn", cfg.DSN)
	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

// DB returns the underlying database connection.
// Use with caution - prefer using Store methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

// StartTime returns when the store was opened.
func (s *Store) StartTime() time.Time {
	return s.started
}

// defaultContext bounds queries issued on behalf of callers that have no
// context of their own.
func (s *Store) defaultContext() (context.Context, context.CancelFunc) {
	timeout := s.config.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// =============================================================================
// Transaction Support
// =============================================================================

// Transaction executes fn within a transaction bounded by QueryTimeout.
func (s *Store) Transaction(fn func(*sql.Tx) error) error {
	ctx, cancel := s.defaultContext()
	defer cancel()
	return s.TransactionContext(ctx, fn)
}

// TransactionContext executes fn within a database transaction.
//
// If fn returns an error the transaction is rolled back. The context is
// checked again before commit so a timed out transaction never commits.
func (s *Store) TransactionContext(ctx context.Context, fn func(*sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %v: %w", err, errors.ErrDatabase)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("context cancelled before commit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %v: %w", err, errors.ErrDatabase)
	}
	return nil
}

// =============================================================================
// Health Check
// =============================================================================

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
