package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"mnemo/internal/models"
)

// CreateNote inserts one note row.
func (s *Store) CreateNote(ctx context.Context, note *models.Note) error {
	if note == nil {
		return fmt.Errorf("note is required")
	}
	note.Title = strings.TrimSpace(note.Title)
	if note.Title == "" {
		return fmt.Errorf("note title is required")
	}
	if note.ID == "" {
		id, err := GenerateNoteID()
		if err != nil {
			return err
		}
		note.ID = id
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO notes (id, title, created_at) VALUES (?, ?, ?)",
		note.ID, note.Title, dbFormatTime(note.CreatedAt))
	return err
}

// GetNote returns one note, or nil when absent.
func (s *Store) GetNote(ctx context.Context, id string) (*models.Note, error) {
	var note models.Note
	var createdAt string
	err := s.db.QueryRowContext(ctx, "SELECT id, title, created_at FROM notes WHERE id = ?", id).
		Scan(&note.ID, &note.Title, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	note.CreatedAt, err = dbParseTime(createdAt)
	if err != nil {
		return nil, err
	}
	return &note, nil
}

// NoteExists checks whether a note exists by id.
func (s *Store) NoteExists(ctx context.Context, id string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM notes WHERE id = ? LIMIT 1", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
