package dispatch

import (
	"context"
	"encoding/json"

	"notevault/internal/indexer"
	"notevault/internal/mount"
	"notevault/internal/semantic"
	"notevault/internal/service"
	"notevault/internal/storage"
)

const defaultK = 10

// Workspace is the item and note surface. *service.Workspace implements it.
type Workspace interface {
	CreateItem(ctx context.Context, req service.CreateItemRequest) (*storage.Item, error)
	CreateNote(ctx context.Context, parentPath, name, content string) (*storage.Item, error)
	SaveNote(ctx context.Context, path, content string) (*storage.Item, error)
	GetNote(ctx context.Context, path string) (*service.Note, error)
	RenameItem(ctx context.Context, path, newName string) (*storage.Item, error)
	MoveItem(ctx context.Context, path, newParentPath string) (*storage.Item, error)
	DeleteItem(ctx context.Context, path string) ([]storage.Item, error)
	ListChildren(ctx context.Context, parentPath string) ([]storage.Item, error)
	GetByPath(ctx context.Context, path string) (*storage.Item, error)
	GetAll(ctx context.Context) ([]storage.Item, error)
	SearchNotes(ctx context.Context, query string, k int) ([]service.SearchHit, error)
	FindSimilar(ctx context.Context, path string, k int) ([]service.SearchHit, error)
}

// Mounts is the mount surface. *mount.Engine implements it.
type Mounts interface {
	Mount(ctx context.Context, targetPath, realDir string) (*storage.Item, error)
	Unmount(ctx context.Context, path string) ([]storage.Item, error)
	Resync(ctx context.Context, path string) (*mount.ResyncReport, error)
	Mounts(ctx context.Context) ([]mount.Status, error)
	Conflicts() []mount.Conflict
}

// Indexer is the background indexing surface. *indexer.Worker implements it.
type Indexer interface {
	ReindexAll(ctx context.Context) (int, error)
	Stats(ctx context.Context) (*indexer.CoverageStats, error)
}

// Repairer rebuilds the embedding stores. *semantic.Service implements it.
type Repairer interface {
	Repair(ctx context.Context) (*semantic.RepairReport, error)
}

// Services bundles the collaborators the commands call into.
type Services struct {
	Workspace Workspace
	Mounts    Mounts
	Indexer   Indexer
	Repairer  Repairer
}

type pathArgs struct {
	Path string `json:"path" validate:"required"`
}

type createItemArgs struct {
	Type       string `json:"type" validate:"required,oneof=folder file note"`
	ParentPath string `json:"parentPath"`
	Name       string `json:"name" validate:"required"`
	Size       int64  `json:"size" validate:"gte=0"`
}

type renameArgs struct {
	Path    string `json:"path" validate:"required"`
	NewName string `json:"newName" validate:"required"`
}

type moveArgs struct {
	Path          string `json:"path" validate:"required"`
	NewParentPath string `json:"newParentPath" validate:"required"`
}

type listArgs struct {
	ParentPath string `json:"parentPath"`
}

type createNoteArgs struct {
	ParentPath string `json:"parentPath"`
	Name       string `json:"name" validate:"required"`
	Content    string `json:"content"`
}

type saveNoteArgs struct {
	Path    string `json:"path" validate:"required"`
	Content string `json:"content"`
}

type mountArgs struct {
	TargetPath string `json:"targetPath" validate:"required"`
	RealDir    string `json:"realDir" validate:"required"`
}

type searchTextArgs struct {
	Query string `json:"query" validate:"required"`
	K     int    `json:"k" validate:"gte=0,lte=100"`
}

type searchSimilarArgs struct {
	Path string `json:"path" validate:"required"`
	K    int    `json:"k" validate:"gte=0,lte=100"`
}

type noArgs struct{}

// orDefault substitutes defaultK for an omitted k.
func orDefault(k int) int {
	if k == 0 {
		return defaultK
	}
	return k
}

// nonNil keeps empty lists encoded as [] instead of null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Register installs every command on d.
func Register(d *Dispatcher, s Services) {
	ws := s.Workspace

	d.Handle("items.create", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		var a createItemArgs
		if err := d.bind(raw, &a, &a.Type, &a.ParentPath, &a.Name, &a.Size); err != nil {
			return nil, err
		}
		return ws.CreateItem(ctx, service.CreateItemRequest{
			Type:       storage.ItemType(a.Type),
			ParentPath: a.ParentPath,
			Name:       a.Name,
			Size:       a.Size,
		})
	})
	d.Handle("items.rename", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		var a renameArgs
		if err := d.bind(raw, &a, &a.Path, &a.NewName); err != nil {
			return nil, err
		}
		return ws.RenameItem(ctx, a.Path, a.NewName)
	})
	d.Handle("items.move", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		var a moveArgs
		if err := d.bind(raw, &a, &a.Path, &a.NewParentPath); err != nil {
			return nil, err
		}
		return ws.MoveItem(ctx, a.Path, a.NewParentPath)
	})
	d.Handle("items.delete", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		var a pathArgs
		if err := d.bind(raw, &a, &a.Path); err != nil {
			return nil, err
		}
		removed, err := ws.DeleteItem(ctx, a.Path)
		return nonNil(removed), err
	})
	d.Handle("items.list", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		var a listArgs
		if err := d.bind(raw, &a, &a.ParentPath); err != nil {
			return nil, err
		}
		items, err := ws.ListChildren(ctx, a.ParentPath)
		return nonNil(items), err
	})
	d.Handle("items.get", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		var a pathArgs
		if err := d.bind(raw, &a, &a.Path); err != nil {
			return nil, err
		}
		return ws.GetByPath(ctx, a.Path)
	})
	d.Handle("items.all", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		if err := d.bind(raw, &noArgs{}); err != nil {
			return nil, err
		}
		items, err := ws.GetAll(ctx)
		return nonNil(items), err
	})

	d.Handle("notes.create", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		var a createNoteArgs
		if err := d.bind(raw, &a, &a.ParentPath, &a.Name, &a.Content); err != nil {
			return nil, err
		}
		return ws.CreateNote(ctx, a.ParentPath, a.Name, a.Content)
	})
	d.Handle("notes.get", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		var a pathArgs
		if err := d.bind(raw, &a, &a.Path); err != nil {
			return nil, err
		}
		return ws.GetNote(ctx, a.Path)
	})
	d.Handle("notes.save", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		var a saveNoteArgs
		if err := d.bind(raw, &a, &a.Path, &a.Content); err != nil {
			return nil, err
		}
		return ws.SaveNote(ctx, a.Path, a.Content)
	})

	registerMounts(d, s.Mounts)

	d.Handle("search.text", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		var a searchTextArgs
		if err := d.bind(raw, &a, &a.Query, &a.K); err != nil {
			return nil, err
		}
		hits, err := ws.SearchNotes(ctx, a.Query, orDefault(a.K))
		return nonNil(hits), err
	})
	d.Handle("search.similar", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		var a searchSimilarArgs
		if err := d.bind(raw, &a, &a.Path, &a.K); err != nil {
			return nil, err
		}
		hits, err := ws.FindSimilar(ctx, a.Path, orDefault(a.K))
		return nonNil(hits), err
	})

	d.Handle("index.reindex", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		if err := d.bind(raw, &noArgs{}); err != nil {
			return nil, err
		}
		n, err := s.Indexer.ReindexAll(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"scheduled": n}, nil
	})
	d.Handle("index.stats", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		if err := d.bind(raw, &noArgs{}); err != nil {
			return nil, err
		}
		return s.Indexer.Stats(ctx)
	})
	d.Handle("index.repair", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		if err := d.bind(raw, &noArgs{}); err != nil {
			return nil, err
		}
		return s.Repairer.Repair(ctx)
	})
}

func registerMounts(d *Dispatcher, m Mounts) {
	d.Handle("mounts.mount", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		var a mountArgs
		if err := d.bind(raw, &a, &a.TargetPath, &a.RealDir); err != nil {
			return nil, err
		}
		return m.Mount(ctx, a.TargetPath, a.RealDir)
	})
	d.Handle("mounts.unmount", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		var a pathArgs
		if err := d.bind(raw, &a, &a.Path); err != nil {
			return nil, err
		}
		removed, err := m.Unmount(ctx, a.Path)
		return nonNil(removed), err
	})
	d.Handle("mounts.resync", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		var a pathArgs
		if err := d.bind(raw, &a, &a.Path); err != nil {
			return nil, err
		}
		return m.Resync(ctx, a.Path)
	})
	d.Handle("mounts.list", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		if err := d.bind(raw, &noArgs{}); err != nil {
			return nil, err
		}
		statuses, err := m.Mounts(ctx)
		return nonNil(statuses), err
	})
	d.Handle("mounts.conflicts", func(ctx context.Context, raw []json.RawMessage) (any, error) {
		if err := d.bind(raw, &noArgs{}); err != nil {
			return nil, err
		}
		return nonNil(m.Conflicts()), nil
	})
}
