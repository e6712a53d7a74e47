package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	log "github.com/go-pkgz/lgr"
)

// Editing lock is cooperative and advisory: a single optional holder identity per note.
// It doesn't survive a crash of the holder and doesn't prevent writes bypassing the
// protocol; UpdateNote clears it unconditionally on save.

// LockState is the outcome of an acquire attempt. Denied is a normal result,
// not an error; Holder carries the competing identity in that case.
type LockState struct {
	Granted bool
	Holder  string
}

// AcquireLock attempts to take the editing lock for the given identity. A single
// conditional update, so two concurrent acquirers can't both win. Re-acquiring by the
// current holder succeeds and is a no-op. Returns ErrNotFound if the note is gone.
func (r *Repository) AcquireLock(ctx context.Context, noteID int64, identity string) (LockState, error) {
	res, err := r.conn.Exec(ctx,
		`UPDATE notes SET editing_lock_holder = ?
		 WHERE id = ? AND (editing_lock_holder IS NULL OR editing_lock_holder = ?)`,
		identity, noteID, identity)
	if err != nil {
		return LockState{}, fmt.Errorf("failed to acquire lock on note %d: %w", noteID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return LockState{}, fmt.Errorf("failed to check lock result for note %d: %w", noteID, err)
	}
	if affected > 0 {
		log.Printf("[DEBUG] note %d locked by %s", noteID, identity)
		return LockState{Granted: true, Holder: identity}, nil
	}

	// nothing matched: either the note is gone or someone else holds the lock
	holder, err := r.PeekLock(ctx, noteID)
	if err != nil {
		return LockState{}, err
	}
	return LockState{Granted: false, Holder: holder}, nil
}

// ReleaseLock clears the lock only if the given identity holds it.
// Releasing with the wrong identity is a silent no-op, not an error.
func (r *Repository) ReleaseLock(ctx context.Context, noteID int64, identity string) error {
	_, err := r.conn.Exec(ctx,
		`UPDATE notes SET editing_lock_holder = NULL WHERE id = ? AND editing_lock_holder = ?`,
		noteID, identity)
	if err != nil {
		return fmt.Errorf("failed to release lock on note %d: %w", noteID, err)
	}
	return nil
}

// PeekLock reports who currently holds the editing lock, empty string if nobody.
// Returns ErrNotFound if the note does not exist.
func (r *Repository) PeekLock(ctx context.Context, noteID int64) (string, error) {
	var holder sql.NullString
	err := r.conn.Get(ctx, &holder, `SELECT editing_lock_holder FROM notes WHERE id = ?`, noteID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("note %d: %w", noteID, ErrNotFound)
		}
		return "", fmt.Errorf("failed to read lock holder for note %d: %w", noteID, err)
	}
	return holder.String, nil
}
