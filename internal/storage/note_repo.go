package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// NoteStore defines the interface for note content operations.
type NoteStore interface {
	// Get returns the content of the note with the given item ID.
	// Returns ErrNotFound if the note does not exist.
	Get(ctx context.Context, itemID string) (*NoteContent, error)
	// Save replaces the note content and advances the item's updated_at.
	Save(ctx context.Context, itemID, content string) error
}

// NoteRepo provides methods for note content operations.
// It implements the NoteStore interface.
type NoteRepo struct {
	db *sql.DB
}

// NewNoteRepo creates a new NoteRepo.
func NewNoteRepo(db *sql.DB) *NoteRepo {
	return &NoteRepo{db: db}
}

// Get returns the content of the note with the given item ID.
func (r *NoteRepo) Get(ctx context.Context, itemID string) (*NoteContent, error) {
	var note NoteContent
	err := r.db.QueryRowContext(ctx,
		"SELECT item_id, content FROM notes WHERE item_id = ?", itemID,
	).Scan(&note.ItemID, &note.Content)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "note", Key: itemID}
	}
	if err != nil {
		return nil, queryErr("get note", fmt.Errorf("failed to query note: %w", err))
	}
	return &note, nil
}

// Save replaces the note content and bumps updated_at on the owning item in
// one transaction.
func (r *NoteRepo) Save(ctx context.Context, itemID, content string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return queryErr("save note", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, "UPDATE notes SET content = ? WHERE item_id = ?", content, itemID)
	if err != nil {
		return queryErr("save note", fmt.Errorf("failed to update note: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "note", Key: itemID}
	}

	if _, err := tx.ExecContext(ctx, "UPDATE items SET updated_at = ? WHERE id = ?", now(), itemID); err != nil {
		return queryErr("save note", fmt.Errorf("failed to touch item: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return queryErr("save note", err)
	}
	return nil
}
