package mount

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"notevault/internal/contextutil"
	"notevault/internal/storage"
)

// apply converges the item tree with a single filesystem event observed
// below the mount root w.rootID.
func (e *Engine) apply(ctx context.Context, w *watch, ev fsnotify.Event) error {
	logger := contextutil.LoggerFromContext(ctx)

	root, err := e.items.GetByID(ctx, w.rootID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.DebugContext(ctx, "event for unmounted root dropped", "real_path", ev.Name)
			return nil
		}
		return err
	}

	vpath, ok := virtualPath(root.Real(), root.Path, ev.Name)
	if !ok {
		return nil
	}
	if vpath == root.Path {
		if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			logger.WarnContext(ctx, "mount source removed, keeping items until unmount or resync",
				"path", root.Path, "real_path", root.Real())
		}
		return nil
	}
	rel, _ := filepath.Rel(root.Real(), ev.Name)
	if e.ignore.rel(rel) {
		return nil
	}

	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.forget(ev.Name)
		_, err := e.lstat(ev.Name)
		switch {
		case err == nil:
			// Replaced in place; treat as a change.
			return e.added(ctx, w, ev.Name, vpath)
		case notExist(err):
			return e.removed(ctx, vpath)
		default:
			logger.WarnContext(ctx, "cannot stat removed entry, keeping it", "path", vpath, "real_path", ev.Name, "error", err)
			return nil
		}
	case ev.Has(fsnotify.Create):
		return e.added(ctx, w, ev.Name, vpath)
	case ev.Has(fsnotify.Write):
		return e.changed(ctx, w, ev.Name, vpath)
	}
	return nil
}

// removed deletes the mounted item at vpath and its subtree.
func (e *Engine) removed(ctx context.Context, vpath string) error {
	item, err := e.items.GetByPath(ctx, vpath)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !item.IsMounted {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "not removing unmounted item", "path", vpath)
		return nil
	}

	removed, err := e.items.Delete(ctx, vpath)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	e.notifyRemoved(ctx, removed)
	contextutil.LoggerFromContext(ctx).DebugContext(ctx, "removed mounted entry", "path", vpath, "removed", len(removed))
	return nil
}

// added mirrors a new entry. Directories are imported with their contents
// and watched.
func (e *Engine) added(ctx context.Context, w *watch, realPath, vpath string) error {
	info, err := e.lstat(realPath)
	if err != nil {
		// Gone again before we got to it.
		return nil
	}
	if !info.IsDir() && !info.Mode().IsRegular() {
		return nil
	}

	entry := ScannedEntry{
		RealPath:    realPath,
		VirtualPath: vpath,
		ParentPath:  storage.ParentOf(vpath),
		Name:        info.Name(),
		IsDir:       info.IsDir(),
	}
	if !entry.IsDir {
		entry.Size = info.Size()
	}

	_, ok, err := e.ensure(ctx, entry)
	if err != nil || !ok || !entry.IsDir {
		return err
	}

	// Watch before importing so entries created during the walk are seen.
	w.addTree(ctx, realPath, e.ignore)
	_, err = e.importDir(ctx, realPath, vpath)
	return err
}

// changed refreshes the size of a modified file.
func (e *Engine) changed(ctx context.Context, w *watch, realPath, vpath string) error {
	info, err := e.lstat(realPath)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}

	item, err := e.items.GetByPath(ctx, vpath)
	if errors.Is(err, storage.ErrNotFound) {
		return e.added(ctx, w, realPath, vpath)
	}
	if err != nil {
		return err
	}
	if !item.IsMounted || item.IsFolder() {
		return nil
	}
	return e.items.UpdateFileStat(ctx, vpath, info.Size())
}

// importDir mirrors every entry below realDir that has no item yet.
// Returns the number of created items.
func (e *Engine) importDir(ctx context.Context, realDir, virtualDir string) (int, error) {
	entries, err := e.scan(ctx, realDir, virtualDir)
	if err != nil {
		return 0, err
	}

	var skipped []string
	added := 0
	for _, entry := range entries {
		if withinAny(entry.ParentPath, skipped) {
			continue
		}
		created, ok, err := e.ensure(ctx, entry)
		if err != nil {
			return added, err
		}
		if !ok && entry.IsDir {
			skipped = append(skipped, entry.VirtualPath)
		}
		if created {
			added++
		}
	}
	return added, nil
}

// ensure makes sure entry is mirrored by a mounted item. ok is false when
// the entry could not be mirrored and its subtree must be skipped.
func (e *Engine) ensure(ctx context.Context, entry ScannedEntry) (created, ok bool, err error) {
	logger := contextutil.LoggerFromContext(ctx)

	existing, err := e.items.GetByPath(ctx, entry.VirtualPath)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return false, false, err
	case !existing.IsMounted:
		e.recordConflict(ctx, Conflict{
			Path:     entry.VirtualPath,
			RealPath: entry.RealPath,
			Reason:   "path is taken by a " + string(existing.Type) + " that is not mounted",
		})
		return false, false, nil
	case existing.IsFolder() != entry.IsDir:
		// The entry changed kind on disk.
		removed, err := e.items.Delete(ctx, existing.Path)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return false, false, err
		}
		e.notifyRemoved(ctx, removed)
	default:
		if !entry.IsDir && existing.Size != entry.Size {
			if err := e.items.UpdateFileStat(ctx, existing.Path, entry.Size); err != nil {
				return false, false, err
			}
		}
		return false, true, nil
	}

	_, err = e.items.Create(ctx, entry.Params())
	switch {
	case err == nil:
		logger.DebugContext(ctx, "mirrored entry", "path", entry.VirtualPath, "real_path", entry.RealPath)
		return true, true, nil
	case errors.Is(err, storage.ErrConflict):
		// Created concurrently by another event.
		return false, true, nil
	case errors.Is(err, storage.ErrNotFound):
		logger.WarnContext(ctx, "parent of entry is not mirrored, dropping", "path", entry.VirtualPath, "real_path", entry.RealPath)
		return false, false, nil
	case errors.Is(err, storage.ErrInvalidItem):
		logger.WarnContext(ctx, "entry cannot be mirrored", "real_path", entry.RealPath, "error", err)
		return false, false, nil
	}
	return false, false, err
}
