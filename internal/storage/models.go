package storage

import "time"

// ItemType is the kind of node stored in the items table.
type ItemType string

const (
	ItemTypeFolder ItemType = "folder"
	ItemTypeFile   ItemType = "file"
	ItemTypeNote   ItemType = "note"
)

// Valid reports whether t is one of the known item types.
func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeFolder, ItemTypeFile, ItemTypeNote:
		return true
	}
	return false
}

// Item represents a folder, file or note in the virtual hierarchy.
type Item struct {
	ID         string    `json:"id"`         // UUID, immutable
	Type       ItemType  `json:"type"`       // folder, file or note
	Path       string    `json:"path"`       // Unique absolute path, e.g. "/vault/docs/a.txt"
	ParentPath *string   `json:"parentPath"` // nil for roots
	Name       string    `json:"name"`       // Last path segment
	Size       int64     `json:"size"`       // Byte size, files only
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	IsMounted  bool      `json:"isMounted"`
	RealPath   *string   `json:"realPath"` // Location on disk, mounted items only
}

// IsFolder reports whether the item is a folder.
func (i *Item) IsFolder() bool {
	return i.Type == ItemTypeFolder
}

// Parent returns the parent path or "" for roots.
func (i *Item) Parent() string {
	if i.ParentPath == nil {
		return ""
	}
	return *i.ParentPath
}

// Real returns the real path or "" when the item is not mounted.
func (i *Item) Real() string {
	if i.RealPath == nil {
		return ""
	}
	return *i.RealPath
}

// NoteContent is the rich-text body of a note item.
type NoteContent struct {
	ItemID  string `json:"itemId"`
	Content string `json:"content"`
}

// EmbeddingRecord is a stored vector for a note.
type EmbeddingRecord struct {
	ItemID    string
	Vector    []float32
	CreatedAt time.Time
}

// Relocation describes the outcome of a rename or move.
type Relocation struct {
	ItemID      string
	Type        ItemType
	OldPath     string
	NewPath     string
	OldRealPath string // Empty when the disk location does not change
	NewRealPath string
	Affected    int // Rows rewritten, including the item itself
}

// CreateItemParams holds the arguments for ItemRepo.Create.
type CreateItemParams struct {
	Type       ItemType
	ParentPath string // "" creates a root item
	Name       string
	Size       int64
	IsMounted  bool
	RealPath   string
	Content    string // Initial note content, notes only
}
