package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testParams keeps retry delays tiny, the cap bounds base and jitter together
func testParams() Params {
	return Params{MaxRetries: 5, BusyTimeout: time.Second, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}
}

func TestConnector_Connect(t *testing.T) {
	t.Run("creates parent directory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "nested", "dir", "notes.db")
		c := NewConnector(file, testParams())
		require.NoError(t, c.Connect(context.Background()))
		defer c.Close()

		_, err := os.Stat(filepath.Dir(file))
		assert.NoError(t, err)
	})

	t.Run("applies session pragmas", func(t *testing.T) {
		c := NewConnector(filepath.Join(t.TempDir(), "notes.db"), testParams())
		require.NoError(t, c.Connect(context.Background()))
		defer c.Close()

		ctx := context.Background()
		var mode string
		require.NoError(t, c.Get(ctx, &mode, "PRAGMA journal_mode"))
		assert.Equal(t, "wal", mode)

		var fk int
		require.NoError(t, c.Get(ctx, &fk, "PRAGMA foreign_keys"))
		assert.Equal(t, 1, fk)

		var busy int
		require.NoError(t, c.Get(ctx, &busy, "PRAGMA busy_timeout"))
		assert.Equal(t, 1000, busy)

		var sync int
		require.NoError(t, c.Get(ctx, &sync, "PRAGMA synchronous"))
		assert.Equal(t, 1, sync, "NORMAL")
	})

	t.Run("fails with ConnError on unusable location", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "blocker")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

		c := NewConnector(filepath.Join(blocker, "sub", "notes.db"),
			Params{MaxRetries: 2, BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond, BusyTimeout: time.Second})
		err := c.Connect(context.Background())
		require.Error(t, err)

		var connErr *ConnError
		require.ErrorAs(t, err, &connErr)
		assert.Contains(t, connErr.File, "notes.db")
		assert.NotNil(t, connErr.Unwrap())
	})

	t.Run("reconnect replaces the handle", func(t *testing.T) {
		c := NewConnector(filepath.Join(t.TempDir(), "notes.db"), testParams())
		require.NoError(t, c.Connect(context.Background()))
		defer c.Close()

		old := c.db
		c.reconnect()
		assert.NotSame(t, old, c.db)
	})
}

func TestConnector_withRetry(t *testing.T) {
	newConnector := func(t *testing.T) *Connector {
		c := NewConnector(filepath.Join(t.TempDir(), "notes.db"), testParams())
		t.Cleanup(func() { _ = c.Close() })
		return c
	}

	t.Run("busy clears before retries exhausted", func(t *testing.T) {
		c := newConnector(t)
		calls := 0
		err := c.withRetry(context.Background(), "test", func(db *sqlx.DB) error {
			calls++
			if calls < 3 {
				return errors.New("database is locked")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("busy on every attempt fails with OpError", func(t *testing.T) {
		c := newConnector(t)
		calls := 0
		err := c.withRetry(context.Background(), "test", func(db *sqlx.DB) error {
			calls++
			return errors.New("database is locked")
		})
		require.Error(t, err)
		assert.Equal(t, 5, calls, "one call per allowed attempt")

		var opErr *OpError
		require.ErrorAs(t, err, &opErr)
		assert.Contains(t, opErr.Unwrap().Error(), "locked")
	})

	t.Run("non-busy failure reconnects before next attempt", func(t *testing.T) {
		c := newConnector(t)
		require.NoError(t, c.Connect(context.Background()))
		first := c.db

		calls := 0
		err := c.withRetry(context.Background(), "test", func(db *sqlx.DB) error {
			calls++
			if calls == 1 {
				return errors.New("disk I/O error")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.NotSame(t, first, c.db, "handle replaced after hard failure")
	})

	t.Run("not found passes through without retries", func(t *testing.T) {
		c := newConnector(t)
		calls := 0
		err := c.withRetry(context.Background(), "test", func(db *sqlx.DB) error {
			calls++
			return ErrNotFound
		})
		require.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 1, calls)

		var opErr *OpError
		assert.False(t, errors.As(err, &opErr), "not wrapped in OpError")
	})

	t.Run("lazy connect on first use", func(t *testing.T) {
		c := newConnector(t)
		assert.Nil(t, c.db)
		_, err := c.Exec(context.Background(), "CREATE TABLE t (id INTEGER)")
		require.NoError(t, err)
		assert.NotNil(t, c.db)
	})
}

func TestConnector_GetSelect(t *testing.T) {
	c := NewConnector(filepath.Join(t.TempDir(), "notes.db"), testParams())
	defer c.Close()
	ctx := context.Background()

	_, err := c.Exec(ctx, "CREATE TABLE vals (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = c.Exec(ctx, "INSERT INTO vals (v) VALUES (?), (?)", "a", "b")
	require.NoError(t, err)

	var v string
	require.NoError(t, c.Get(ctx, &v, "SELECT v FROM vals WHERE id = ?", 1))
	assert.Equal(t, "a", v)

	err = c.Get(ctx, &v, "SELECT v FROM vals WHERE id = ?", 99)
	assert.ErrorIs(t, err, ErrNotFound)

	vals := []string{}
	require.NoError(t, c.Select(ctx, &vals, "SELECT v FROM vals ORDER BY id"))
	assert.Equal(t, []string{"a", "b"}, vals)
}

func TestConnector_Transact(t *testing.T) {
	c := NewConnector(filepath.Join(t.TempDir(), "notes.db"), testParams())
	defer c.Close()
	ctx := context.Background()

	_, err := c.Exec(ctx, "CREATE TABLE vals (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	t.Run("commits as a unit", func(t *testing.T) {
		err := c.Transact(ctx, "insert two", func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, "INSERT INTO vals (v) VALUES (?)", "a"); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO vals (v) VALUES (?)", "b")
			return err
		})
		require.NoError(t, err)

		var count int
		require.NoError(t, c.Get(ctx, &count, "SELECT count(*) FROM vals"))
		assert.Equal(t, 2, count)
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		err := c.Transact(ctx, "fail mid-way", func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, "INSERT INTO vals (v) VALUES (?)", "c"); err != nil {
				return err
			}
			return ErrNotFound // abort, and don't let the executor retry
		})
		require.Error(t, err)

		var count int
		require.NoError(t, c.Get(ctx, &count, "SELECT count(*) FROM vals"))
		assert.Equal(t, 2, count, "partial insert rolled back")
	})
}

func TestIsBusy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"locked text", errors.New("database is locked"), true},
		{"table locked text", errors.New("database table is locked"), true},
		{"wrapped locked", errors.New("exec failed: database is locked (5) (SQLITE_BUSY)"), true},
		{"other error", errors.New("no such table: missing"), false},
		{"not found", ErrNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isBusy(tt.err))
		})
	}
}
