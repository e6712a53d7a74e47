// Package seed loads and saves the whole company/board/note hierarchy as YAML.
// Import goes through the repository's idempotent add operations, so applying the
// same file twice doesn't duplicate anything. Export writes the file atomically to
// survive a crash mid-write.
package seed

import (
	"bytes"
	"context"
	"fmt"
	"os"

	log "github.com/go-pkgz/lgr"
	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"github.com/umputun/noteboard/app/store"
)

// File is the top-level seed document
type File struct {
	Companies []Company `yaml:"companies" jsonschema:"required,description=companies with their boards and notes"`
}

// Company is one company with nested boards
type Company struct {
	Name   string  `yaml:"name" jsonschema:"required,description=unique company name"`
	Boards []Board `yaml:"boards,omitempty" jsonschema:"description=boards of the company"`
}

// Board is one board with nested notes
type Board struct {
	Identifier string `yaml:"identifier" jsonschema:"required,description=board identifier unique within the company"`
	Notes      []Note `yaml:"notes,omitempty" jsonschema:"description=notes on the board"`
}

// Note is a single note entry
type Note struct {
	Author  string `yaml:"author,omitempty" jsonschema:"description=creator identity (defaults to the importing user)"`
	Title   string `yaml:"title" jsonschema:"required,description=note title"`
	Content string `yaml:"content,omitempty" jsonschema:"description=note body"`
}

// Store defines repository operations the loader needs
type Store interface {
	AddCompany(ctx context.Context, name string) (int64, error)
	AddBoard(ctx context.Context, companyID int64, identifier string) (int64, error)
	AddNote(ctx context.Context, boardID int64, author, title, content string) (int64, error)
	ListCompanies(ctx context.Context) ([]store.Company, error)
	ListBoards(ctx context.Context, companyID int64) ([]store.Board, error)
	ListNotes(ctx context.Context, boardID int64) ([]store.Note, error)
}

// Stats reports what an import touched
type Stats struct {
	Companies int
	Boards    int
	Notes     int
}

// Loader imports and exports seed files against a store
type Loader struct {
	Store         Store
	DefaultAuthor string // used for notes without an explicit author
}

// Import reads a YAML seed file and applies it top-down, companies before boards
// before notes. Adds are idempotent; notes are always inserted as new rows.
func (l *Loader) Import(ctx context.Context, fname string) (Stats, error) {
	data, err := os.ReadFile(fname) //nolint:gosec // user-supplied seed file is the point
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read seed file %s: %w", fname, err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Stats{}, fmt.Errorf("failed to parse seed file %s: %w", fname, err)
	}

	res := Stats{}
	for _, company := range file.Companies {
		companyID, err := l.Store.AddCompany(ctx, company.Name)
		if err != nil {
			return res, fmt.Errorf("failed to import company %q: %w", company.Name, err)
		}
		res.Companies++

		for _, board := range company.Boards {
			boardID, err := l.Store.AddBoard(ctx, companyID, board.Identifier)
			if err != nil {
				return res, fmt.Errorf("failed to import board %q: %w", board.Identifier, err)
			}
			res.Boards++

			for _, note := range board.Notes {
				author := note.Author
				if author == "" {
					author = l.DefaultAuthor
				}
				if _, err := l.Store.AddNote(ctx, boardID, author, note.Title, note.Content); err != nil {
					return res, fmt.Errorf("failed to import note %q: %w", note.Title, err)
				}
				res.Notes++
			}
		}
	}

	log.Printf("[INFO] imported %d companies, %d boards, %d notes from %s",
		res.Companies, res.Boards, res.Notes, fname)
	return res, nil
}

// Export walks the store and writes the full hierarchy to fname, atomically
func (l *Loader) Export(ctx context.Context, fname string) error {
	companies, err := l.Store.ListCompanies(ctx)
	if err != nil {
		return fmt.Errorf("failed to export: %w", err)
	}

	file := File{}
	for _, company := range companies {
		entry := Company{Name: company.Name}

		boards, err := l.Store.ListBoards(ctx, company.ID)
		if err != nil {
			return fmt.Errorf("failed to export boards of %q: %w", company.Name, err)
		}
		for _, board := range boards {
			boardEntry := Board{Identifier: board.Identifier}

			notes, err := l.Store.ListNotes(ctx, board.ID)
			if err != nil {
				return fmt.Errorf("failed to export notes of %q: %w", board.Identifier, err)
			}
			for _, note := range notes {
				boardEntry.Notes = append(boardEntry.Notes, Note{
					Author:  note.Author,
					Title:   note.Title,
					Content: note.Content,
				})
			}
			entry.Boards = append(entry.Boards, boardEntry)
		}
		file.Companies = append(file.Companies, entry)
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to marshal export: %w", err)
	}
	if err := atomic.WriteFile(fname, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write export file %s: %w", fname, err)
	}

	log.Printf("[INFO] exported %d companies to %s", len(file.Companies), fname)
	return nil
}
