package mount

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"notevault/internal/contextutil"
	"notevault/internal/storage"
)

// ErrInvalidMount is returned when a mount request is malformed: the target
// is not a folder, the source is not a directory, or the mount would nest.
var ErrInvalidMount = errors.New("invalid mount")

// maxConflicts bounds the conflict log.
const maxConflicts = 100

// ItemStore is the subset of the item store used by the engine.
// *storage.ItemRepo implements it.
type ItemStore interface {
	Create(ctx context.Context, params storage.CreateItemParams) (*storage.Item, error)
	CreateTree(ctx context.Context, root *storage.CreateItemParams, entries []storage.CreateItemParams, onError func(storage.CreateItemParams, error)) (*storage.Item, int, error)
	GetByPath(ctx context.Context, path string) (*storage.Item, error)
	GetByID(ctx context.Context, id string) (*storage.Item, error)
	ListSubtree(ctx context.Context, path string) ([]storage.Item, error)
	ListMountRoots(ctx context.Context) ([]storage.Item, error)
	IsMountRoot(ctx context.Context, item *storage.Item) (bool, error)
	Delete(ctx context.Context, path string) ([]storage.Item, error)
	UpdateFileStat(ctx context.Context, path string, size int64) error
}

// Options configures an Engine.
type Options struct {
	// Ignore lists entry names skipped by walks and watchers.
	Ignore []string
	// OnRemoved is called after items are deleted because their real entry
	// vanished or the mount was removed.
	OnRemoved func(ctx context.Context, removed []storage.Item)
}

// Status describes one mount root.
type Status struct {
	ItemID   string `json:"itemId"`
	Path     string `json:"path"`
	RealPath string `json:"realPath"`
	Watching bool   `json:"watching"`
}

// Conflict records a disk entry that could not be mirrored because a
// non-mounted item already occupies its virtual path.
type Conflict struct {
	Path     string    `json:"path"`
	RealPath string    `json:"realPath"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// ResyncReport summarizes a Resync run.
type ResyncReport struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Updated int `json:"updated"`
}

// Engine binds virtual folders to real directories and keeps them
// converged with one watcher goroutine per mount root.
type Engine struct {
	items     ItemStore
	ignore    ignoreSet
	onRemoved func(ctx context.Context, removed []storage.Item)
	lstat     func(name string) (fs.FileInfo, error)

	mu        sync.Mutex
	watches   map[string]*watch // keyed by mount root item ID
	conflicts []Conflict
	closed    bool
}

// NewEngine creates an Engine. Call Restore to re-attach existing mounts.
func NewEngine(items ItemStore, opts Options) *Engine {
	return &Engine{
		items:     items,
		ignore:    newIgnoreSet(opts.Ignore),
		onRemoved: opts.OnRemoved,
		lstat:     os.Lstat,
		watches:   make(map[string]*watch),
	}
}

// Mount binds realDir to a new mounted folder under targetPath, imports its
// contents and starts watching it. The new folder is named after realDir.
func (e *Engine) Mount(ctx context.Context, targetPath, realDir string) (*storage.Item, error) {
	logger := contextutil.LoggerFromContext(ctx)

	target, err := e.items.GetByPath(ctx, targetPath)
	if err != nil {
		return nil, err
	}
	if !target.IsFolder() {
		return nil, fmt.Errorf("%w: target %s is not a folder", ErrInvalidMount, target.Path)
	}
	if target.IsMounted {
		return nil, fmt.Errorf("%w: target %s is inside a mounted folder", ErrInvalidMount, target.Path)
	}

	realDir, err = filepath.Abs(realDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMount, err)
	}
	if !isDir(realDir) {
		return nil, fmt.Errorf("%w: source %s is not an existing directory", ErrInvalidMount, realDir)
	}
	name := filepath.Base(realDir)
	if !storage.ValidName(name) {
		return nil, fmt.Errorf("%w: source %s has no usable name", ErrInvalidMount, realDir)
	}

	roots, err := e.items.ListMountRoots(ctx)
	if err != nil {
		return nil, err
	}
	for _, root := range roots {
		if overlaps(root.Real(), realDir) {
			return nil, fmt.Errorf("%w: %s is already mounted at %s", storage.ErrConflict, root.Real(), root.Path)
		}
	}

	rootPath := storage.JoinPath(target.Path, name)
	entries, err := e.scan(ctx, realDir, rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", realDir, err)
	}

	params := make([]storage.CreateItemParams, len(entries))
	for i, entry := range entries {
		params[i] = entry.Params()
	}
	rootParams := &storage.CreateItemParams{
		Type:       storage.ItemTypeFolder,
		ParentPath: target.Path,
		Name:       name,
		IsMounted:  true,
		RealPath:   realDir,
	}

	root, imported, err := e.items.CreateTree(ctx, rootParams, params, func(p storage.CreateItemParams, err error) {
		logger.WarnContext(ctx, "failed to import entry", "real_path", p.RealPath, "error", err)
	})
	if err != nil {
		return nil, err
	}

	if err := e.startWatch(ctx, root); err != nil {
		// Without a watcher the mount would silently drift.
		if _, delErr := e.items.Delete(ctx, root.Path); delErr != nil {
			logger.ErrorContext(ctx, "failed to roll back mount", "path", root.Path, "error", delErr)
		}
		return nil, fmt.Errorf("failed to watch %s: %w", realDir, err)
	}

	logger.InfoContext(ctx, "mounted directory",
		"path", root.Path, "real_path", realDir, "entries", len(entries), "imported", imported)
	return root, nil
}

// Unmount stops the watcher for the mount root at path and deletes the
// virtual subtree. The real directory is not touched.
func (e *Engine) Unmount(ctx context.Context, path string) ([]storage.Item, error) {
	root, err := e.mountRoot(ctx, path)
	if err != nil {
		return nil, err
	}

	// Teardown first so a failed delete never leaves a live watch behind.
	e.stopWatch(root.ID)

	removed, err := e.items.Delete(ctx, root.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to delete mount %s: %w", root.Path, err)
	}
	e.notifyRemoved(ctx, removed)

	contextutil.LoggerFromContext(ctx).InfoContext(ctx, "unmounted directory",
		"path", root.Path, "real_path", root.Real(), "removed", len(removed))
	return removed, nil
}

// Restore re-attaches watchers for every stored mount whose directory still
// exists and reconciles it. Returns the number of restored mounts.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	logger := contextutil.LoggerFromContext(ctx)

	roots, err := e.items.ListMountRoots(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, root := range roots {
		if !isDir(root.Real()) {
			logger.WarnContext(ctx, "mount source missing, not watching", "path", root.Path, "real_path", root.Real())
			continue
		}
		if _, err := e.Resync(ctx, root.Path); err != nil {
			logger.ErrorContext(ctx, "failed to restore mount", "path", root.Path, "error", err)
			continue
		}
		restored++
	}
	return restored, nil
}

// Resync reconciles the mount root at path with the disk: entries that
// vanished are deleted, changed sizes are refreshed and missing entries are
// imported. The watcher is attached if it is not running.
func (e *Engine) Resync(ctx context.Context, path string) (*ResyncReport, error) {
	logger := contextutil.LoggerFromContext(ctx)

	root, err := e.mountRoot(ctx, path)
	if err != nil {
		return nil, err
	}
	if !isDir(root.Real()) {
		return nil, fmt.Errorf("%w: source %s is not an existing directory", ErrInvalidMount, root.Real())
	}

	report := &ResyncReport{}
	if err := e.pruneVanished(ctx, root, report); err != nil {
		return nil, err
	}

	added, err := e.importDir(ctx, root.Real(), root.Path)
	if err != nil {
		return nil, err
	}
	report.Added = added

	if err := e.startWatch(ctx, root); err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", root.Real(), err)
	}

	logger.InfoContext(ctx, "mount resynced", "path", root.Path,
		"added", report.Added, "removed", report.Removed, "updated", report.Updated)
	return report, nil
}

// pruneVanished deletes mounted items whose real entry is gone or changed
// kind, and refreshes file sizes.
func (e *Engine) pruneVanished(ctx context.Context, root *storage.Item, report *ResyncReport) error {
	logger := contextutil.LoggerFromContext(ctx)

	items, err := e.items.ListSubtree(ctx, root.Path)
	if err != nil {
		return err
	}

	var gone []string
	for _, item := range items {
		if item.ID == root.ID || !item.IsMounted {
			continue
		}
		if withinAny(item.Path, gone) {
			continue
		}

		info, statErr := e.lstat(item.Real())
		if statErr != nil && !notExist(statErr) {
			// Unreadable is not gone; the subtree may hold notes.
			logger.WarnContext(ctx, "cannot stat mounted entry, keeping it",
				"path", item.Path, "real_path", item.Real(), "error", statErr)
			continue
		}
		vanished := statErr != nil ||
			info.IsDir() != item.IsFolder() ||
			(!info.IsDir() && !info.Mode().IsRegular()) ||
			e.ignore.name(info.Name())
		if vanished {
			removed, err := e.items.Delete(ctx, item.Path)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			gone = append(gone, item.Path)
			report.Removed += len(removed)
			e.notifyRemoved(ctx, removed)
			continue
		}

		if !item.IsFolder() && info.Size() != item.Size {
			if err := e.items.UpdateFileStat(ctx, item.Path, info.Size()); err != nil {
				return err
			}
			report.Updated++
		}
	}
	return nil
}

// notExist reports whether err means the entry is really absent, as opposed
// to unreadable.
func notExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// Mounts lists the mount roots and whether each is being watched.
func (e *Engine) Mounts(ctx context.Context) ([]Status, error) {
	roots, err := e.items.ListMountRoots(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	statuses := make([]Status, 0, len(roots))
	for _, root := range roots {
		_, watching := e.watches[root.ID]
		statuses = append(statuses, Status{
			ItemID:   root.ID,
			Path:     root.Path,
			RealPath: root.Real(),
			Watching: watching,
		})
	}
	return statuses, nil
}

// Conflicts returns the most recent sync conflicts, oldest first.
func (e *Engine) Conflicts() []Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Conflict, len(e.conflicts))
	copy(out, e.conflicts)
	return out
}

// IsWatching reports whether the mount root with the given item ID has a
// running watcher.
func (e *Engine) IsWatching(rootID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.watches[rootID]
	return ok
}

// Close stops every watcher. The engine cannot be used afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	watches := e.watches
	e.watches = make(map[string]*watch)
	e.mu.Unlock()

	for _, w := range watches {
		w.stop()
	}
}

// mountRoot loads the item at path and checks that it is a mount root.
func (e *Engine) mountRoot(ctx context.Context, path string) (*storage.Item, error) {
	item, err := e.items.GetByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	ok, err := e.items.IsMountRoot(ctx, item)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a mount root", ErrInvalidMount, item.Path)
	}
	return item, nil
}

func (e *Engine) recordConflict(ctx context.Context, c Conflict) {
	c.At = time.Now().UTC()
	contextutil.LoggerFromContext(ctx).WarnContext(ctx, "sync conflict",
		"path", c.Path, "real_path", c.RealPath, "reason", c.Reason)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.conflicts = append(e.conflicts, c)
	if len(e.conflicts) > maxConflicts {
		e.conflicts = e.conflicts[len(e.conflicts)-maxConflicts:]
	}
}

func (e *Engine) notifyRemoved(ctx context.Context, removed []storage.Item) {
	if e.onRemoved != nil && len(removed) > 0 {
		e.onRemoved(ctx, removed)
	}
}

// overlaps reports whether one real path contains the other.
func overlaps(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return within(a, b) || within(b, a)
}

func within(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func withinAny(p string, roots []string) bool {
	for _, r := range roots {
		if storage.IsWithin(p, r) {
			return true
		}
	}
	return false
}
