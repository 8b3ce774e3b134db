package mount

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"notevault/internal/contextutil"
	"notevault/internal/storage"
)

// ScannedEntry is a directory or regular file found below a mount source.
type ScannedEntry struct {
	RealPath    string // Absolute path on disk
	VirtualPath string // Path in the item tree
	ParentPath  string // Virtual parent path
	Name        string
	IsDir       bool
	Size        int64
}

// Params converts the entry into item creation arguments.
func (s ScannedEntry) Params() storage.CreateItemParams {
	p := storage.CreateItemParams{
		Type:       storage.ItemTypeFile,
		ParentPath: s.ParentPath,
		Name:       s.Name,
		Size:       s.Size,
		IsMounted:  true,
		RealPath:   s.RealPath,
	}
	if s.IsDir {
		p.Type = storage.ItemTypeFolder
		p.Size = 0
	}
	return p
}

// ignoreSet matches entry names skipped by walks and watchers.
type ignoreSet map[string]struct{}

func newIgnoreSet(names []string) ignoreSet {
	s := make(ignoreSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s ignoreSet) name(n string) bool {
	_, ok := s[n]
	return ok
}

// rel reports whether any component of the root-relative path is ignored.
func (s ignoreSet) rel(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if s.name(part) {
			return true
		}
	}
	return false
}

// virtualPath maps realPath below realRoot onto the subtree at virtualRoot.
// ok is false when realPath is not inside realRoot.
func virtualPath(realRoot, virtualRoot, realPath string) (string, bool) {
	rel, err := filepath.Rel(realRoot, realPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return virtualRoot, true
	}
	return virtualRoot + storage.Separator + filepath.ToSlash(rel), true
}

// scan walks realDir (excluding realDir itself) and returns its entries,
// parents before children, mapped below virtualDir. Unreadable entries are
// logged and skipped; a directory that cannot be read skips its subtree.
func (e *Engine) scan(ctx context.Context, realDir, virtualDir string) ([]ScannedEntry, error) {
	logger := contextutil.LoggerFromContext(ctx)
	var entries []ScannedEntry

	err := filepath.WalkDir(realDir, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == realDir {
				return err
			}
			logger.WarnContext(ctx, "skipping unreadable entry", "real_path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == realDir {
			return nil
		}

		if e.ignore.name(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		vpath, ok := virtualPath(realDir, virtualDir, path)
		if !ok {
			return nil
		}
		entry := ScannedEntry{
			RealPath:    path,
			VirtualPath: vpath,
			ParentPath:  storage.ParentOf(vpath),
			Name:        d.Name(),
			IsDir:       d.IsDir(),
		}

		if !d.IsDir() {
			if !d.Type().IsRegular() {
				// Symlinks, sockets and devices are not mirrored.
				return nil
			}
			info, err := d.Info()
			if err != nil {
				logger.WarnContext(ctx, "skipping file without stat", "real_path", path, "error", err)
				return nil
			}
			entry.Size = info.Size()
		}

		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// isDir reports whether path is an existing directory.
func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
