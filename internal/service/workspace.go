package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"notevault/internal/contextutil"
	"notevault/internal/semantic"
	"notevault/internal/storage"
)

// ItemStore is the item hierarchy as seen by the workspace.
// *storage.ItemRepo implements it.
type ItemStore interface {
	Create(ctx context.Context, params storage.CreateItemParams) (*storage.Item, error)
	GetByPath(ctx context.Context, path string) (*storage.Item, error)
	GetByID(ctx context.Context, id string) (*storage.Item, error)
	ListChildren(ctx context.Context, parentPath string) ([]storage.Item, error)
	GetAll(ctx context.Context) ([]storage.Item, error)
	IsMountRoot(ctx context.Context, item *storage.Item) (bool, error)
	Rename(ctx context.Context, path, newName string) (*storage.Relocation, error)
	Move(ctx context.Context, path, newParentPath string) (*storage.Relocation, error)
	Delete(ctx context.Context, path string) ([]storage.Item, error)
}

// Unmounter removes a mount binding. *mount.Engine implements it.
type Unmounter interface {
	Unmount(ctx context.Context, path string) ([]storage.Item, error)
}

// SemanticIndex is the similarity side of the workspace.
// *semantic.Service implements it.
type SemanticIndex interface {
	Search(ctx context.Context, query []float32, k int) ([]semantic.Result, error)
	Vector(ctx context.Context, itemID string) ([]float32, error)
	Forget(ctx context.Context, removed []storage.Item)
}

// Embedder turns query text into a vector. *llm.EmbeddingsClient implements it.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Enqueuer schedules a note for re-embedding. *indexer.Worker implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, itemID string) bool
}

// Deps bundles the collaborators of a Workspace.
type Deps struct {
	Items    ItemStore
	Notes    storage.NoteStore
	Mounts   Unmounter
	Index    SemanticIndex
	Embedder Embedder
	Queue    Enqueuer
}

// CreateItemRequest holds the arguments of CreateItem.
type CreateItemRequest struct {
	Type       storage.ItemType
	ParentPath string
	Name       string
	Size       int64
}

// Note is a note item together with its content.
type Note struct {
	Item    storage.Item `json:"item"`
	Content string       `json:"content"`
}

// SearchHit is a note matched by a similarity search.
type SearchHit struct {
	Item  storage.Item `json:"item"`
	Score float32      `json:"score"`
}

// Workspace is the caller-facing facade over the item hierarchy, note
// content, mounts and the semantic index. Datastore writes happen first;
// disk mirroring and indexing follow and never roll the datastore back.
type Workspace struct {
	items    ItemStore
	notes    storage.NoteStore
	mounts   Unmounter
	index    SemanticIndex
	embedder Embedder
	queue    Enqueuer
}

// NewWorkspace creates a Workspace.
func NewWorkspace(deps Deps) *Workspace {
	return &Workspace{
		items:    deps.Items,
		notes:    deps.Notes,
		mounts:   deps.Mounts,
		index:    deps.Index,
		embedder: deps.Embedder,
		queue:    deps.Queue,
	}
}

func validateName(field, name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: field, Message: "cannot be empty"}
	}
	if !storage.ValidName(name) {
		return &ValidationError{Field: field, Message: "must not contain " + storage.Separator + " or be . or .."}
	}
	return nil
}

// CreateItem creates a folder, file or note. Folders and files created
// under a mounted folder are mirrored on disk as an empty directory or file.
func (w *Workspace) CreateItem(ctx context.Context, req CreateItemRequest) (*storage.Item, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if !req.Type.Valid() {
		return nil, &ValidationError{Field: "type", Message: fmt.Sprintf("unknown item type %q", req.Type)}
	}
	if req.Type == storage.ItemTypeNote {
		return w.CreateNote(ctx, req.ParentPath, req.Name, "")
	}
	if err := validateName("name", req.Name); err != nil {
		return nil, err
	}
	if req.Size < 0 {
		return nil, &ValidationError{Field: "size", Message: "cannot be negative"}
	}

	params := storage.CreateItemParams{
		Type:       req.Type,
		ParentPath: req.ParentPath,
		Name:       req.Name,
		Size:       req.Size,
	}
	parent, err := w.parent(ctx, req.ParentPath)
	if err != nil {
		return nil, err
	}
	if parent != nil && parent.IsMounted {
		params.IsMounted = true
		params.RealPath = filepath.Join(parent.Real(), req.Name)
		params.Size = 0
	}

	item, err := w.items.Create(ctx, params)
	if err != nil {
		return nil, err
	}

	if item.IsMounted {
		if err := createOnDisk(item); err != nil {
			logger.ErrorContext(ctx, "failed to mirror new item on disk", "path", item.Path, "real_path", item.Real(), "error", err)
		}
	}

	logger.InfoContext(ctx, "item created", "path", item.Path, "type", item.Type, "mounted", item.IsMounted)
	return item, nil
}

// CreateNote creates a note with initial content and schedules it for
// indexing. Notes are never mirrored on disk, even inside mounted folders.
func (w *Workspace) CreateNote(ctx context.Context, parentPath, name, content string) (*storage.Item, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if err := validateName("name", name); err != nil {
		return nil, err
	}

	item, err := w.items.Create(ctx, storage.CreateItemParams{
		Type:       storage.ItemTypeNote,
		ParentPath: parentPath,
		Name:       name,
		Content:    content,
	})
	if err != nil {
		return nil, err
	}

	w.enqueue(ctx, item.ID)
	logger.InfoContext(ctx, "note created", "path", item.Path, "content_length", len(content))
	return item, nil
}

// SaveNote replaces the content of the note at path and schedules it for
// re-indexing.
func (w *Workspace) SaveNote(ctx context.Context, path, content string) (*storage.Item, error) {
	item, err := w.note(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := w.notes.Save(ctx, item.ID, content); err != nil {
		return nil, err
	}

	w.enqueue(ctx, item.ID)
	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "note saved", "path", item.Path, "content_length", len(content))
	return w.items.GetByID(ctx, item.ID)
}

// GetNote returns the note at path with its content.
func (w *Workspace) GetNote(ctx context.Context, path string) (*Note, error) {
	item, err := w.note(ctx, path)
	if err != nil {
		return nil, err
	}
	content, err := w.notes.Get(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	return &Note{Item: *item, Content: content.Content}, nil
}

// RenameItem renames the item at path. Mounted items other than the mount
// root are renamed on disk too.
func (w *Workspace) RenameItem(ctx context.Context, path, newName string) (*storage.Item, error) {
	if err := validateName("newName", newName); err != nil {
		return nil, err
	}
	rel, err := w.items.Rename(ctx, path, newName)
	if err != nil {
		return nil, err
	}
	return w.relocated(ctx, rel)
}

// MoveItem moves the item at path under newParentPath. Moves that would
// carry an item across a mount boundary are rejected.
func (w *Workspace) MoveItem(ctx context.Context, path, newParentPath string) (*storage.Item, error) {
	if storage.NormalizePath(newParentPath) == "" {
		return nil, &ValidationError{Field: "newParentPath", Message: "cannot be empty"}
	}
	rel, err := w.items.Move(ctx, path, newParentPath)
	if err != nil {
		return nil, err
	}
	return w.relocated(ctx, rel)
}

func (w *Workspace) relocated(ctx context.Context, rel *storage.Relocation) (*storage.Item, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if rel.OldRealPath != "" && rel.OldRealPath != rel.NewRealPath {
		if err := os.Rename(rel.OldRealPath, rel.NewRealPath); err != nil {
			logger.ErrorContext(ctx, "failed to mirror relocation on disk",
				"old_real_path", rel.OldRealPath, "new_real_path", rel.NewRealPath, "error", err)
		}
	}

	// Untitled notes embed their name as the title.
	if rel.Type == storage.ItemTypeNote && storage.BaseName(rel.OldPath) != storage.BaseName(rel.NewPath) {
		w.enqueue(ctx, rel.ItemID)
	}

	logger.InfoContext(ctx, "item relocated", "old_path", rel.OldPath, "new_path", rel.NewPath, "affected", rel.Affected)
	return w.items.GetByPath(ctx, rel.NewPath)
}

// DeleteItem deletes the item at path and its subtree and returns the
// removed items. Deleting a mount root unmounts it and leaves the real
// directory untouched; deleting any other mounted item removes it on disk.
func (w *Workspace) DeleteItem(ctx context.Context, path string) ([]storage.Item, error) {
	logger := contextutil.LoggerFromContext(ctx)

	item, err := w.items.GetByPath(ctx, path)
	if err != nil {
		return nil, err
	}

	isRoot, err := w.items.IsMountRoot(ctx, item)
	if err != nil {
		return nil, err
	}
	if isRoot {
		// The mount engine forgets the removed notes itself.
		return w.mounts.Unmount(ctx, item.Path)
	}

	removed, err := w.items.Delete(ctx, item.Path)
	if err != nil {
		return nil, err
	}

	if item.IsMounted {
		if err := os.RemoveAll(item.Real()); err != nil {
			logger.ErrorContext(ctx, "failed to remove item on disk", "path", item.Path, "real_path", item.Real(), "error", err)
		}
	}
	w.index.Forget(ctx, removed)

	logger.InfoContext(ctx, "item deleted", "path", item.Path, "removed", len(removed))
	return removed, nil
}

// ListChildren returns the direct children of parentPath; "" lists roots.
func (w *Workspace) ListChildren(ctx context.Context, parentPath string) ([]storage.Item, error) {
	return w.items.ListChildren(ctx, parentPath)
}

// GetByPath returns the item at path.
func (w *Workspace) GetByPath(ctx context.Context, path string) (*storage.Item, error) {
	return w.items.GetByPath(ctx, path)
}

// GetAll returns every item ordered by path.
func (w *Workspace) GetAll(ctx context.Context) ([]storage.Item, error) {
	return w.items.GetAll(ctx)
}

// SearchNotes embeds query and returns the k most similar notes.
func (w *Workspace) SearchNotes(ctx context.Context, query string, k int) ([]SearchHit, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if strings.TrimSpace(query) == "" {
		return nil, &ValidationError{Field: "query", Message: "cannot be empty"}
	}
	if k <= 0 {
		return nil, &ValidationError{Field: "k", Message: "must be greater than 0"}
	}

	vec, err := w.embedder.EmbedText(ctx, query)
	if err != nil {
		logger.ErrorContext(ctx, "failed to embed query", "error", err)
		return nil, WrapError(fmt.Errorf("%w: %w", ErrExternalService, err), "embed query")
	}

	results, err := w.index.Search(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	return w.hits(ctx, results, "", k)
}

// FindSimilar returns the k notes most similar to the note at path,
// excluding the note itself.
func (w *Workspace) FindSimilar(ctx context.Context, path string, k int) ([]SearchHit, error) {
	if k <= 0 {
		return nil, &ValidationError{Field: "k", Message: "must be greater than 0"}
	}
	item, err := w.note(ctx, path)
	if err != nil {
		return nil, err
	}

	vec, err := w.index.Vector(ctx, item.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &storage.NotFoundError{Kind: "embedding", Key: item.Path}
	}
	if err != nil {
		return nil, err
	}

	results, err := w.index.Search(ctx, vec, k+1)
	if err != nil {
		return nil, err
	}
	return w.hits(ctx, results, item.ID, k)
}

// hits resolves results to items, dropping exclude and stale IDs.
func (w *Workspace) hits(ctx context.Context, results []semantic.Result, exclude string, k int) ([]SearchHit, error) {
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		if r.ItemID == exclude {
			continue
		}
		item, err := w.items.GetByID(ctx, r.ItemID)
		if errors.Is(err, storage.ErrNotFound) {
			contextutil.LoggerFromContext(ctx).DebugContext(ctx, "dropping stale search hit", "item_id", r.ItemID)
			continue
		}
		if err != nil {
			return nil, WrapError(err, "resolve search hit")
		}
		hits = append(hits, SearchHit{Item: *item, Score: r.Score})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// parent resolves parentPath; "" yields nil for root items.
func (w *Workspace) parent(ctx context.Context, parentPath string) (*storage.Item, error) {
	if storage.NormalizePath(parentPath) == "" {
		return nil, nil
	}
	parent, err := w.items.GetByPath(ctx, parentPath)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &storage.NotFoundError{Kind: "folder", Key: parentPath}
	}
	return parent, err
}

// note loads the item at path and checks that it is a note.
func (w *Workspace) note(ctx context.Context, path string) (*storage.Item, error) {
	item, err := w.items.GetByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	if item.Type != storage.ItemTypeNote {
		return nil, &ValidationError{Field: "path", Message: fmt.Sprintf("%s is a %s, not a note", item.Path, item.Type)}
	}
	return item, nil
}

func (w *Workspace) enqueue(ctx context.Context, itemID string) {
	if w.queue != nil {
		w.queue.Enqueue(ctx, itemID)
	}
}

// createOnDisk mirrors a new mounted folder or file.
func createOnDisk(item *storage.Item) error {
	if item.IsFolder() {
		return os.Mkdir(item.Real(), 0o755)
	}
	f, err := os.OpenFile(item.Real(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return WrapError(f.Close(), "close "+item.Real())
}
