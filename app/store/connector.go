package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// Params defines connection and retry behavior. Zero values replaced with defaults.
type Params struct {
	MaxRetries  int           // attempts for both connect and statement retry loops
	BusyTimeout time.Duration // how long sqlite itself blocks a writer before raising busy
	BackoffBase time.Duration // initial backoff delay, doubled on every attempt
	BackoffCap  time.Duration // upper bound for a single backoff delay
}

// Connector owns the physical connection to the sqlite file and provides retrying
// execution for all statements. A single Connector is intended per actor; the handle
// is limited to one underlying connection so the session pragmas stick to it.
type Connector struct {
	file   string
	params Params

	mu sync.Mutex
	db *sqlx.DB
}

// NewConnector makes a connector for the given database file. The connection is
// established lazily on the first call unless Connect is invoked explicitly.
func NewConnector(file string, params Params) *Connector {
	if params.MaxRetries <= 0 {
		params.MaxRetries = DefaultMaxRetries
	}
	if params.BusyTimeout <= 0 {
		params.BusyTimeout = DefaultBusyTimeout
	}
	if params.BackoffBase <= 0 {
		params.BackoffBase = DefaultBackoffBase
	}
	if params.BackoffCap <= 0 {
		params.BackoffCap = DefaultBackoffCap
	}
	return &Connector{file: file, params: params}
}

// Connect establishes the connection, retrying with jittered exponential backoff.
// Returns ConnError wrapping the last underlying cause after MaxRetries failures.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Connector) connectLocked(ctx context.Context) error {
	var lastErr error
	attempt := 0
	err := repeater.New(c.backoff()).Do(ctx, func() error {
		attempt++
		if err := c.openLocked(); err != nil {
			lastErr = err
			log.Printf("[WARN] connect attempt %d/%d to %s failed: %v", attempt, c.params.MaxRetries, c.file, err)
			return err
		}
		return nil
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return &ConnError{File: c.file, Err: lastErr}
	}
	return nil
}

// openLocked makes a single connection attempt: ensures the parent directory exists,
// opens the file and applies the session pragmas. Any partially opened handle is
// closed on failure, close errors ignored.
func (c *Connector) openLocked() error {
	if c.db != nil {
		_ = c.db.Close()
		c.db = nil
	}

	if dir := filepath.Dir(c.file); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to make db directory %s: %w", dir, err)
		}
	}

	db, err := sqlx.Open("sqlite", c.file)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", c.file, err)
	}
	db.SetMaxOpenConns(1) // pragmas below are per-connection, keep exactly one

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", c.params.BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to set %s: %w", pragma, err)
		}
	}

	c.db = db
	return nil
}

// Close closes the underlying connection if one exists
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// connection returns the current handle, connecting lazily if needed
func (c *Connector) connection(ctx context.Context) (*sqlx.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	return c.db, nil
}

// reconnect drops the current handle and makes a single attempt to open a new one.
// Best effort, the caller's retry loop picks up any failure on its next iteration.
func (c *Connector) reconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.openLocked(); err != nil {
		log.Printf("[WARN] reconnect to %s failed: %v", c.file, err)
	}
}

func (c *Connector) backoff() *backoff {
	return &backoff{repeats: c.params.MaxRetries, base: c.params.BackoffBase, cap: c.params.BackoffCap}
}

// withRetry is the single execution path for every statement. Busy/locked conditions
// are retried on the same connection since they clear on their own; any other failure
// triggers a best-effort reconnect before the next attempt. After MaxRetries the last
// error is returned wrapped in OpError. ErrNotFound and context errors pass through
// immediately and are never retried.
func (c *Connector) withRetry(ctx context.Context, query string, fn func(db *sqlx.DB) error) error {
	var lastErr error
	err := repeater.New(c.backoff()).Do(ctx, func() error {
		db, err := c.connection(ctx)
		if err != nil {
			lastErr = err
			return err
		}
		if err := fn(db); err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			lastErr = err
			if isBusy(err) {
				log.Printf("[DEBUG] database busy, retrying: %v", err)
				return err
			}
			log.Printf("[WARN] statement failed, will reconnect: %v", err)
			c.reconnect()
			return err
		}
		return nil
	}, ErrNotFound, context.Canceled, context.DeadlineExceeded)

	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if lastErr == nil {
			lastErr = err
		}
		return &OpError{Query: query, Err: lastErr}
	}
	return nil
}

// Exec runs a single statement with retry, each execution committed as one unit
func (c *Connector) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := c.withRetry(ctx, query, func(db *sqlx.DB) error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// Get runs a single-row query with retry, scanning into dest.
// Returns ErrNotFound if no row matched.
func (c *Connector) Get(ctx context.Context, dest any, query string, args ...any) error {
	return c.withRetry(ctx, query, func(db *sqlx.DB) error {
		if err := db.GetContext(ctx, dest, query, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return nil
	})
}

// Select runs a multi-row query with retry, scanning into dest slice
func (c *Connector) Select(ctx context.Context, dest any, query string, args ...any) error {
	return c.withRetry(ctx, query, func(db *sqlx.DB) error {
		return db.SelectContext(ctx, dest, query, args...)
	})
}

// Transact runs fn inside a transaction, retrying the whole unit on failure.
// fn must be safe to re-run from scratch.
func (c *Connector) Transact(ctx context.Context, name string, fn func(tx *sqlx.Tx) error) error {
	return c.withRetry(ctx, name, func(db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// isBusy detects the transient single-writer contention signal. Matching on the
// message keeps the package free of the driver's internals; modernc formats these
// as "database is locked (5) (SQLITE_BUSY)".
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}
