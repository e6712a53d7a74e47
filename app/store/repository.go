package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Repository provides CRUD over companies, boards and notes. All statements go
// through the connector's retrying executor; no operation bypasses it.
type Repository struct {
	conn *Connector
	now  func() time.Time
}

// NewRepository makes a repository on top of the given connector
func NewRepository(conn *Connector) *Repository {
	return &Repository{conn: conn, now: time.Now}
}

// EnsureSchema idempotently creates all tables in dependency order.
// Safe to call on every startup against a populated database.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS companies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS boards (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			company_id INTEGER,
			identifier TEXT NOT NULL,
			FOREIGN KEY (company_id) REFERENCES companies (id),
			UNIQUE(company_id, identifier)
		)`,
		`CREATE TABLE IF NOT EXISTS notes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			board_id INTEGER,
			author TEXT NOT NULL,
			title TEXT NOT NULL,
			content TEXT,
			created_at TIMESTAMP,
			updated_at TIMESTAMP,
			last_modified_by TEXT,
			editing_lock_holder TEXT,
			FOREIGN KEY (board_id) REFERENCES boards (id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_boards_company_id ON boards(company_id)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_board_id ON notes(board_id)`,
	}

	for _, query := range queries {
		if _, err := r.conn.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// AddCompany inserts a company if absent and returns its id. Idempotent: re-adding
// an existing name returns the existing id. Single upsert statement, no window
// between insert and lookup.
func (r *Repository) AddCompany(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.conn.Get(ctx, &id,
		`INSERT INTO companies (name) VALUES (?)
		 ON CONFLICT(name) DO UPDATE SET name = excluded.name
		 RETURNING id`, name)
	if err != nil {
		return 0, fmt.Errorf("failed to add company %q: %w", name, err)
	}
	return id, nil
}

// AddBoard inserts a board if absent and returns its id, idempotent on the
// (company, identifier) pair
func (r *Repository) AddBoard(ctx context.Context, companyID int64, identifier string) (int64, error) {
	var id int64
	err := r.conn.Get(ctx, &id,
		`INSERT INTO boards (company_id, identifier) VALUES (?, ?)
		 ON CONFLICT(company_id, identifier) DO UPDATE SET identifier = excluded.identifier
		 RETURNING id`, companyID, identifier)
	if err != nil {
		return 0, fmt.Errorf("failed to add board %q for company %d: %w", identifier, companyID, err)
	}
	return id, nil
}

// AddNote creates a note with created_at = updated_at = now and no editing lock,
// returns the generated id
func (r *Repository) AddNote(ctx context.Context, boardID int64, author, title, content string) (int64, error) {
	now := r.now().Format(timeLayout)
	res, err := r.conn.Exec(ctx,
		`INSERT INTO notes (board_id, author, title, content, created_at, updated_at, last_modified_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`, boardID, author, title, content, now, now, author)
	if err != nil {
		return 0, fmt.Errorf("failed to add note to board %d: %w", boardID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get note id: %w", err)
	}
	return id, nil
}

// UpdateNote saves title and content, bumps updated_at, records the editor and
// releases the editing lock unconditionally - saving always unlocks, no matter
// who held the lock.
func (r *Repository) UpdateNote(ctx context.Context, id int64, title, content, editor string) error {
	res, err := r.conn.Exec(ctx,
		`UPDATE notes SET title = ?, content = ?, updated_at = ?, last_modified_by = ?, editing_lock_holder = NULL
		 WHERE id = ?`, title, content, r.now().Format(timeLayout), editor, id)
	if err != nil {
		return fmt.Errorf("failed to update note %d: %w", id, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("note %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteNote removes a single note
func (r *Repository) DeleteNote(ctx context.Context, id int64) error {
	if _, err := r.conn.Exec(ctx, `DELETE FROM notes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete note %d: %w", id, err)
	}
	return nil
}

// DeleteBoard removes a board and all its notes in one transaction, notes first
// so no orphan rows survive a partial failure
func (r *Repository) DeleteBoard(ctx context.Context, id int64) error {
	err := r.conn.Transact(ctx, "delete board", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE board_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete notes of board %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM boards WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete board %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete board %d: %w", id, err)
	}
	return nil
}

// DeleteCompany removes a company with all its boards and their notes in one
// transaction, deepest level first
func (r *Repository) DeleteCompany(ctx context.Context, id int64) error {
	err := r.conn.Transact(ctx, "delete company", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM notes WHERE board_id IN (SELECT id FROM boards WHERE company_id = ?)`, id); err != nil {
			return fmt.Errorf("failed to delete notes of company %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM boards WHERE company_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete boards of company %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM companies WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete company %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete company %d: %w", id, err)
	}
	return nil
}

// ListCompanies returns all companies
func (r *Repository) ListCompanies(ctx context.Context) ([]Company, error) {
	companies := []Company{}
	if err := r.conn.Select(ctx, &companies, `SELECT id, name FROM companies`); err != nil {
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}
	return companies, nil
}

// ListBoards returns all boards of a company
func (r *Repository) ListBoards(ctx context.Context, companyID int64) ([]Board, error) {
	boards := []Board{}
	if err := r.conn.Select(ctx, &boards,
		`SELECT id, company_id, identifier FROM boards WHERE company_id = ?`, companyID); err != nil {
		return nil, fmt.Errorf("failed to list boards for company %d: %w", companyID, err)
	}
	return boards, nil
}

// ListNotes returns all notes of a board, most recently updated first
func (r *Repository) ListNotes(ctx context.Context, boardID int64) ([]Note, error) {
	rows := []noteRow{}
	if err := r.conn.Select(ctx, &rows,
		`SELECT id, board_id, author, title, content, created_at, updated_at, last_modified_by, editing_lock_holder
		 FROM notes WHERE board_id = ? ORDER BY updated_at DESC`, boardID); err != nil {
		return nil, fmt.Errorf("failed to list notes for board %d: %w", boardID, err)
	}

	notes := make([]Note, 0, len(rows))
	for _, row := range rows {
		notes = append(notes, row.toNote())
	}
	return notes, nil
}

// GetNote returns the full note row, ErrNotFound if it does not exist
func (r *Repository) GetNote(ctx context.Context, id int64) (Note, error) {
	var row noteRow
	err := r.conn.Get(ctx, &row,
		`SELECT id, board_id, author, title, content, created_at, updated_at, last_modified_by, editing_lock_holder
		 FROM notes WHERE id = ?`, id)
	if err != nil {
		return Note{}, fmt.Errorf("failed to get note %d: %w", id, err)
	}
	return row.toNote(), nil
}

// ClearAll wipes all rows from all tables and resets id generation, test/reset use only
func (r *Repository) ClearAll(ctx context.Context) error {
	err := r.conn.Transact(ctx, "clear all", func(tx *sqlx.Tx) error {
		for _, table := range []string{"notes", "boards", "companies"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil { //nolint:gosec // fixed table names
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		// sqlite_sequence appears only after the first AUTOINCREMENT insert
		if _, err := tx.ExecContext(ctx, `UPDATE sqlite_sequence SET seq = 0`); err != nil &&
			!strings.Contains(err.Error(), "no such table") {
			return fmt.Errorf("failed to reset sequence: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	return nil
}

// Close releases the underlying connection
func (r *Repository) Close() error { return r.conn.Close() }

// noteRow is the sqlx scanning shape of a notes row, timestamps as stored TEXT
type noteRow struct {
	ID             int64          `db:"id"`
	BoardID        int64          `db:"board_id"`
	Author         string         `db:"author"`
	Title          string         `db:"title"`
	Content        sql.NullString `db:"content"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
	LastModifiedBy sql.NullString `db:"last_modified_by"`
	LockHolder     sql.NullString `db:"editing_lock_holder"`
}

func (n noteRow) toNote() Note {
	return Note{
		ID:             n.ID,
		BoardID:        n.BoardID,
		Author:         n.Author,
		Title:          n.Title,
		Content:        n.Content.String,
		CreatedAt:      parseTime(n.CreatedAt),
		UpdatedAt:      parseTime(n.UpdatedAt),
		LastModifiedBy: n.LastModifiedBy.String,
		LockHolder:     n.LockHolder.String,
	}
}

func parseTime(s string) time.Time {
	ts, err := time.ParseInLocation(timeLayout, s, time.Local)
	if err != nil {
		return time.Time{}
	}
	return ts
}
