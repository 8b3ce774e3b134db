package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// ErrInvalidItem is returned when item arguments break a hierarchy rule
// (bad type, empty name, name containing a separator).
var ErrInvalidItem = errors.New("invalid item")

// ItemStore defines the interface for item hierarchy operations.
type ItemStore interface {
	// Create inserts a new item under params.ParentPath.
	// Returns NotFoundError if the parent is missing or not a folder and
	// ConflictError if the resulting path exists.
	Create(ctx context.Context, params CreateItemParams) (*Item, error)
	// GetByPath gets an item by path. Returns ErrNotFound if not found.
	GetByPath(ctx context.Context, path string) (*Item, error)
	// GetByID gets an item by ID. Returns ErrNotFound if not found.
	GetByID(ctx context.Context, id string) (*Item, error)
	// ListChildren returns the direct children of parentPath ("" lists roots).
	ListChildren(ctx context.Context, parentPath string) ([]Item, error)
	// GetAll returns every item ordered by path.
	GetAll(ctx context.Context) ([]Item, error)
	// ListSubtree returns the item at path and all its descendants.
	ListSubtree(ctx context.Context, path string) ([]Item, error)
	// Rename renames the item and rewrites its subtree atomically.
	Rename(ctx context.Context, path, newName string) (*Relocation, error)
	// Move moves the item under newParentPath and rewrites its subtree atomically.
	Move(ctx context.Context, path, newParentPath string) (*Relocation, error)
	// Delete removes the item and its subtree and returns the removed items.
	Delete(ctx context.Context, path string) ([]Item, error)
}

// ItemRepo provides methods for item operations.
// It implements the ItemStore interface.
type ItemRepo struct {
	db *sql.DB
}

// NewItemRepo creates a new ItemRepo.
func NewItemRepo(db *sql.DB) *ItemRepo {
	return &ItemRepo{db: db}
}

const itemColumns = "id, type, path, parent_path, name, created_at, updated_at, size, is_mounted, real_path"

// subtreeClause matches the row at a path and every row below it. The prefix test
// includes the separator so "/a/b" never matches "/a/bx".
const subtreeClause = "(path = ? OR substr(path, 1, length(?)) = ?)"

func subtreeArgs(path string) []any {
	prefix := path + Separator
	return []any{path, prefix, prefix}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(s rowScanner) (*Item, error) {
	var (
		item       Item
		itemType   string
		parentPath sql.NullString
		realPath   sql.NullString
		createdAt  string
		updatedAt  string
		mounted    int
	)
	if err := s.Scan(&item.ID, &itemType, &item.Path, &parentPath, &item.Name,
		&createdAt, &updatedAt, &item.Size, &mounted, &realPath); err != nil {
		return nil, err
	}
	item.Type = ItemType(itemType)
	item.IsMounted = mounted != 0
	if parentPath.Valid {
		p := parentPath.String
		item.ParentPath = &p
	}
	if realPath.Valid {
		rp := realPath.String
		item.RealPath = &rp
	}

	var err error
	if item.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at timestamp: %w", err)
	}
	if item.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at timestamp: %w", err)
	}
	return &item, nil
}

func queryItems(ctx context.Context, q queryer, query string, args ...any) ([]Item, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return items, nil
}

func getItemByPath(ctx context.Context, q queryer, path string) (*Item, error) {
	item, err := scanItem(q.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM items WHERE path = ?", path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "item", Key: path}
	}
	return item, err
}

func pathExists(ctx context.Context, q queryer, path string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM items WHERE path = ?", path).Scan(&n)
	return n > 0, err
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// lookupFolder resolves parentPath to an existing folder.
func lookupFolder(ctx context.Context, q queryer, parentPath string) (*Item, error) {
	parent, err := getItemByPath(ctx, q, parentPath)
	if errors.Is(err, ErrNotFound) {
		return nil, &NotFoundError{Kind: "folder", Key: parentPath}
	}
	if err != nil {
		return nil, err
	}
	if !parent.IsFolder() {
		return nil, &NotFoundError{Kind: "folder", Key: parentPath}
	}
	return parent, nil
}

// createItem inserts a single item inside q. For notes it also inserts the
// content row so the pair is created together.
func createItem(ctx context.Context, q queryer, p CreateItemParams) (*Item, error) {
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidItem, p.Type)
	}
	if !ValidName(p.Name) {
		return nil, fmt.Errorf("%w: invalid name %q", ErrInvalidItem, p.Name)
	}

	parentPath := NormalizePath(p.ParentPath)
	if parentPath != "" {
		if _, err := lookupFolder(ctx, q, parentPath); err != nil {
			return nil, err
		}
	}

	path := JoinPath(parentPath, p.Name)
	exists, err := pathExists(ctx, q, path)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &ConflictError{Path: path}
	}

	ts := now()
	item := &Item{
		ID:        uuid.New().String(),
		Type:      p.Type,
		Path:      path,
		Name:      p.Name,
		IsMounted: p.IsMounted,
	}
	if p.Type == ItemTypeFile {
		item.Size = p.Size
	}
	if parentPath != "" {
		item.ParentPath = &parentPath
	}
	if p.RealPath != "" {
		rp := p.RealPath
		item.RealPath = &rp
	}
	item.CreatedAt, _ = parseTimestamp(ts)
	item.UpdatedAt = item.CreatedAt

	mounted := 0
	if item.IsMounted {
		mounted = 1
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO items (id, type, path, parent_path, name, created_at, updated_at, size, is_mounted, real_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.Type), item.Path, nullString(parentPath), item.Name,
		ts, ts, item.Size, mounted, nullString(p.RealPath),
	)
	if isUniqueViolation(err) {
		return nil, &ConflictError{Path: path}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert item: %w", err)
	}

	if item.Type == ItemTypeNote {
		if _, err := q.ExecContext(ctx,
			"INSERT INTO notes (item_id, content) VALUES (?, ?)", item.ID, p.Content); err != nil {
			return nil, fmt.Errorf("failed to insert note content: %w", err)
		}
	}

	return item, nil
}

// Create inserts a new item. Notes get their content row in the same transaction.
func (r *ItemRepo) Create(ctx context.Context, params CreateItemParams) (*Item, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, queryErr("create item", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	item, err := createItem(ctx, tx, params)
	if err != nil {
		return nil, queryErr("create item", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, queryErr("create item", err)
	}
	return item, nil
}

// CreateTree creates root (when non-nil) followed by entries in one
// transaction. Entries must be ordered parents first. A failing entry is
// reported through onError and does not abort the import; entries below a
// failed folder are skipped. Only a failure to create root aborts.
// Returns the created root and the number of imported entries.
func (r *ItemRepo) CreateTree(ctx context.Context, root *CreateItemParams, entries []CreateItemParams, onError func(CreateItemParams, error)) (*Item, int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, queryErr("create tree", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var rootItem *Item
	if root != nil {
		rootItem, err = createItem(ctx, tx, *root)
		if err != nil {
			return nil, 0, queryErr("create tree", err)
		}
	}

	var failed []string
	imported := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}

		parent := NormalizePath(entry.ParentPath)
		skip := false
		for _, f := range failed {
			if IsWithin(parent, f) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		if _, err := createItem(ctx, tx, entry); err != nil {
			failed = append(failed, JoinPath(parent, entry.Name))
			if onError != nil {
				onError(entry, err)
			}
			continue
		}
		imported++
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, queryErr("create tree", err)
	}
	return rootItem, imported, nil
}

// GetByPath gets an item by path. Returns ErrNotFound if not found.
func (r *ItemRepo) GetByPath(ctx context.Context, path string) (*Item, error) {
	item, err := getItemByPath(ctx, r.db, NormalizePath(path))
	if err != nil {
		return nil, queryErr("get item", err)
	}
	return item, nil
}

// GetByID gets an item by ID. Returns ErrNotFound if not found.
func (r *ItemRepo) GetByID(ctx context.Context, id string) (*Item, error) {
	item, err := scanItem(r.db.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM items WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "item", Key: id}
	}
	if err != nil {
		return nil, queryErr("get item", err)
	}
	return item, nil
}

// GetByRealPath returns the item mirroring realPath on disk.
func (r *ItemRepo) GetByRealPath(ctx context.Context, realPath string) (*Item, error) {
	item, err := scanItem(r.db.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM items WHERE real_path = ? ORDER BY length(path) LIMIT 1", realPath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "item", Key: realPath}
	}
	if err != nil {
		return nil, queryErr("get item by real path", err)
	}
	return item, nil
}

// ListChildren returns the direct children of parentPath ordered by name.
// An empty parentPath lists the roots.
func (r *ItemRepo) ListChildren(ctx context.Context, parentPath string) ([]Item, error) {
	parentPath = NormalizePath(parentPath)
	if parentPath == "" {
		items, err := queryItems(ctx, r.db,
			"SELECT "+itemColumns+" FROM items WHERE parent_path IS NULL ORDER BY name")
		return items, queryErr("list children", err)
	}

	if _, err := getItemByPath(ctx, r.db, parentPath); err != nil {
		return nil, queryErr("list children", err)
	}
	items, err := queryItems(ctx, r.db,
		"SELECT "+itemColumns+" FROM items WHERE parent_path = ? ORDER BY name", parentPath)
	return items, queryErr("list children", err)
}

// GetAll returns every item ordered by path.
func (r *ItemRepo) GetAll(ctx context.Context) ([]Item, error) {
	items, err := queryItems(ctx, r.db, "SELECT "+itemColumns+" FROM items ORDER BY path")
	return items, queryErr("get all items", err)
}

// ListByType returns every item of the given type ordered by path.
func (r *ItemRepo) ListByType(ctx context.Context, itemType ItemType) ([]Item, error) {
	items, err := queryItems(ctx, r.db,
		"SELECT "+itemColumns+" FROM items WHERE type = ? ORDER BY path", string(itemType))
	return items, queryErr("list items by type", err)
}

// ListUnembeddedNotes returns the notes that have no primary embedding.
func (r *ItemRepo) ListUnembeddedNotes(ctx context.Context) ([]Item, error) {
	items, err := queryItems(ctx, r.db,
		"SELECT "+itemColumns+` FROM items
		 WHERE type = ? AND NOT EXISTS (SELECT 1 FROM embeddings e WHERE e.item_id = items.id)
		 ORDER BY path`, string(ItemTypeNote))
	return items, queryErr("list unembedded notes", err)
}

// ListSubtree returns the item at path and all its descendants, parents first.
func (r *ItemRepo) ListSubtree(ctx context.Context, path string) ([]Item, error) {
	path = NormalizePath(path)
	items, err := queryItems(ctx, r.db,
		"SELECT "+itemColumns+" FROM items WHERE "+subtreeClause+" ORDER BY path", subtreeArgs(path)...)
	if err != nil {
		return nil, queryErr("list subtree", err)
	}
	if len(items) == 0 {
		return nil, &NotFoundError{Kind: "item", Key: path}
	}
	return items, nil
}

// ListMountRoots returns the mounted items whose parent is absent or not mounted.
func (r *ItemRepo) ListMountRoots(ctx context.Context) ([]Item, error) {
	items, err := queryItems(ctx, r.db,
		`SELECT `+itemColumns+` FROM items AS i
		 WHERE i.is_mounted = 1 AND (i.parent_path IS NULL OR NOT EXISTS (
			SELECT 1 FROM items AS p WHERE p.path = i.parent_path AND p.is_mounted = 1))
		 ORDER BY i.path`)
	return items, queryErr("list mount roots", err)
}

// IsMountRoot reports whether item is the top of a mounted subtree.
func (r *ItemRepo) IsMountRoot(ctx context.Context, item *Item) (bool, error) {
	if !item.IsMounted {
		return false, nil
	}
	if item.ParentPath == nil {
		return true, nil
	}
	parent, err := getItemByPath(ctx, r.db, *item.ParentPath)
	if err != nil {
		return false, queryErr("get parent", err)
	}
	return !parent.IsMounted, nil
}

// Rename renames the item at path to newName within the same parent.
func (r *ItemRepo) Rename(ctx context.Context, path, newName string) (*Relocation, error) {
	rel, err := r.relocate(ctx, NormalizePath(path), nil, newName)
	return rel, queryErr("rename item", err)
}

// Move moves the item at path under newParentPath keeping its name.
func (r *ItemRepo) Move(ctx context.Context, path, newParentPath string) (*Relocation, error) {
	target := NormalizePath(newParentPath)
	rel, err := r.relocate(ctx, NormalizePath(path), &target, "")
	return rel, queryErr("move item", err)
}

// relocate rewrites path (and its subtree) to newParent/newName inside one
// transaction. A nil newParent keeps the current parent; an empty newName
// keeps the current name.
func (r *ItemRepo) relocate(ctx context.Context, path string, newParent *string, newName string) (*Relocation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	item, err := getItemByPath(ctx, tx, path)
	if err != nil {
		return nil, err
	}

	parentPath := item.Parent()
	if newParent != nil {
		parentPath = *newParent
	}
	name := item.Name
	if newName != "" {
		name = newName
	}
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: invalid name %q", ErrInvalidItem, name)
	}

	var oldParentItem, newParentItem *Item
	if item.ParentPath != nil {
		if oldParentItem, err = getItemByPath(ctx, tx, *item.ParentPath); err != nil {
			return nil, err
		}
	}
	if parentPath != "" {
		if newParentItem, err = lookupFolder(ctx, tx, parentPath); err != nil {
			return nil, err
		}
		if IsWithin(parentPath, item.Path) {
			return nil, &InvalidMoveError{Path: item.Path, Target: parentPath, Reason: "target is inside the item"}
		}
	}

	newPath := JoinPath(parentPath, name)
	rel := &Relocation{ItemID: item.ID, Type: item.Type, OldPath: item.Path, NewPath: newPath}
	if newPath == item.Path {
		return rel, nil
	}

	exists, err := pathExists(ctx, tx, newPath)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &ConflictError{Path: newPath}
	}

	isMountRoot := item.IsMounted && (oldParentItem == nil || !oldParentItem.IsMounted)
	targetMounted := newParentItem != nil && newParentItem.IsMounted
	switch {
	case isMountRoot:
		// The binding moves virtually; the real directory stays put.
		if targetMounted {
			return nil, &InvalidMoveError{Path: item.Path, Target: parentPath, Reason: "mounts cannot be nested"}
		}
	case item.IsMounted:
		if !targetMounted {
			return nil, &InvalidMoveError{Path: item.Path, Target: parentPath, Reason: "mounted items cannot leave their mount"}
		}
		rel.OldRealPath = item.Real()
		rel.NewRealPath = filepath.Join(newParentItem.Real(), name)
	default:
		if targetMounted && item.Type != ItemTypeNote {
			return nil, &InvalidMoveError{Path: item.Path, Target: parentPath, Reason: "only notes can be moved into a mounted folder"}
		}
	}

	realSep := string(filepath.Separator)
	res, err := tx.ExecContext(ctx,
		`UPDATE items SET
			path = ?1 || substr(path, length(?2) + 1),
			parent_path = CASE WHEN path = ?2 THEN ?3 ELSE ?1 || substr(parent_path, length(?2) + 1) END,
			name = CASE WHEN path = ?2 THEN ?4 ELSE name END,
			updated_at = ?5,
			real_path = CASE
				WHEN ?6 = '' OR real_path IS NULL THEN real_path
				WHEN real_path = ?6 OR substr(real_path, 1, length(?6 || ?8)) = ?6 || ?8
					THEN ?7 || substr(real_path, length(?6) + 1)
				ELSE real_path END
		 WHERE path = ?2 OR substr(path, 1, length(?2 || '/')) = ?2 || '/'`,
		newPath, item.Path, nullString(parentPath), name, now(),
		rel.OldRealPath, rel.NewRealPath, realSep,
	)
	if isUniqueViolation(err) {
		return nil, &ConflictError{Path: newPath}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to rewrite subtree: %w", err)
	}
	affected, _ := res.RowsAffected()
	rel.Affected = int(affected)

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rel, nil
}

// Delete removes the item at path together with its subtree, note content,
// embeddings and embedding backups. Returns the removed items.
func (r *ItemRepo) Delete(ctx context.Context, path string) ([]Item, error) {
	removed, err := r.deleteSubtree(ctx, NormalizePath(path))
	return removed, queryErr("delete item", err)
}

func (r *ItemRepo) deleteSubtree(ctx context.Context, path string) ([]Item, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	removed, err := queryItems(ctx, tx,
		"SELECT "+itemColumns+" FROM items WHERE "+subtreeClause+" ORDER BY path", subtreeArgs(path)...)
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, &NotFoundError{Kind: "item", Key: path}
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM embedding_backups WHERE item_id IN (SELECT id FROM items WHERE "+subtreeClause+")",
		subtreeArgs(path)...); err != nil {
		return nil, fmt.Errorf("failed to delete embedding backups: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM items WHERE "+subtreeClause, subtreeArgs(path)...); err != nil {
		return nil, fmt.Errorf("failed to delete subtree: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return removed, nil
}

// UpdateFileStat stores a new size for the file at path and advances updated_at.
func (r *ItemRepo) UpdateFileStat(ctx context.Context, path string, size int64) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE items SET size = ?, updated_at = ? WHERE path = ? AND type = 'file'",
		size, now(), NormalizePath(path))
	if err != nil {
		return queryErr("update file stat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "file", Key: path}
	}
	return nil
}
