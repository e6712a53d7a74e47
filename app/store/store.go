// Package store implements the resilient data layer over a file-based sqlite database.
// The database may live on a shared network mount and be hit by multiple processes at
// once, so every statement goes through a retrying executor and the connection is
// re-established with jittered exponential backoff when it breaks. On top of plain CRUD
// the package provides a cooperative editing lock, one optional holder identity per note.
package store

import (
	"errors"
	"fmt"
	"time"
)

// defaults match the behavior tuned for shared-mount access
const (
	DefaultMaxRetries  = 5
	DefaultBusyTimeout = 20 * time.Second
	DefaultBackoffBase = 50 * time.Millisecond
	DefaultBackoffCap  = 60 * time.Second
)

// timeLayout is the fixed second-precision format used for created_at/updated_at.
// Stored as TEXT it sorts lexicographically in chronological order.
const timeLayout = "2006-01-02 15:04:05"

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Company is the root of the hierarchy, identified by a unique name
type Company struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
}

// Board belongs to a company, identifier unique within it
type Board struct {
	ID         int64  `db:"id"`
	CompanyID  int64  `db:"company_id"`
	Identifier string `db:"identifier"`
}

// Note is a single record on a board. LockHolder is the advisory editing lock,
// empty when nobody holds it.
type Note struct {
	ID             int64
	BoardID        int64
	Author         string
	Title          string
	Content        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastModifiedBy string
	LockHolder     string
}

// ConnError indicates the connection to the database file could not be
// established after exhausting all retries.
type ConnError struct {
	File string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("failed to connect to database %s: %v", e.File, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// OpError indicates a statement could not complete after exhausting all retries.
// Transient busy conditions are absorbed by the executor and never surface as OpError
// unless they persist through every attempt.
type OpError struct {
	Query string
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("operation failed after retries: %v", e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
