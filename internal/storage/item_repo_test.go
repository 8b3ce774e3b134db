package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// seedTree creates items in order; entries are "type:path".
func seedTree(t *testing.T, repo *ItemRepo, entries ...string) map[string]*Item {
	t.Helper()
	created := make(map[string]*Item)
	for _, entry := range entries {
		kind, path, _ := strings.Cut(entry, ":")
		item, err := repo.Create(context.Background(), CreateItemParams{
			Type:       ItemType(kind),
			ParentPath: ParentOf(path),
			Name:       BaseName(path),
		})
		if err != nil {
			t.Fatalf("Create(%s) error = %v", entry, err)
		}
		created[path] = item
	}
	return created
}

func paths(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Path)
	}
	return out
}

func TestItemRepo_Create(t *testing.T) {
	repo := NewItemRepo(newTestDB(t))
	ctx := context.Background()
	seedTree(t, repo, "folder:/vault", "note:/vault/readme")

	tests := []struct {
		name    string
		params  CreateItemParams
		wantErr error
	}{
		{
			name:   "folder under root",
			params: CreateItemParams{Type: ItemTypeFolder, ParentPath: "/vault", Name: "docs"},
		},
		{
			name:   "file with size",
			params: CreateItemParams{Type: ItemTypeFile, ParentPath: "/vault", Name: "a.txt", Size: 42},
		},
		{
			name:    "duplicate path",
			params:  CreateItemParams{Type: ItemTypeNote, ParentPath: "/vault", Name: "readme"},
			wantErr: ErrConflict,
		},
		{
			name:    "missing parent",
			params:  CreateItemParams{Type: ItemTypeNote, ParentPath: "/nope", Name: "x"},
			wantErr: ErrNotFound,
		},
		{
			name:    "parent is not a folder",
			params:  CreateItemParams{Type: ItemTypeNote, ParentPath: "/vault/readme", Name: "x"},
			wantErr: ErrNotFound,
		},
		{
			name:    "name with separator",
			params:  CreateItemParams{Type: ItemTypeNote, ParentPath: "/vault", Name: "a/b"},
			wantErr: ErrInvalidItem,
		},
		{
			name:    "unknown type",
			params:  CreateItemParams{Type: "link", ParentPath: "/vault", Name: "x"},
			wantErr: ErrInvalidItem,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := repo.Create(ctx, tt.params)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Create() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Create() unexpected error: %v", err)
			}

			got, err := repo.GetByPath(ctx, item.Path)
			if err != nil {
				t.Fatalf("GetByPath(%s) error = %v", item.Path, err)
			}
			if got.Type != tt.params.Type || got.Name != tt.params.Name || got.Parent() != tt.params.ParentPath {
				t.Errorf("GetByPath() = %+v, want type %s name %s parent %s", got, tt.params.Type, tt.params.Name, tt.params.ParentPath)
			}
			if got.Size != tt.params.Size {
				t.Errorf("GetByPath() size = %d, want %d", got.Size, tt.params.Size)
			}
		})
	}
}

func TestItemRepo_CreateNoteCreatesContent(t *testing.T) {
	db := newTestDB(t)
	repo := NewItemRepo(db)
	ctx := context.Background()

	seedTree(t, repo, "folder:/vault")
	note, err := repo.Create(ctx, CreateItemParams{Type: ItemTypeNote, ParentPath: "/vault", Name: "n1", Content: "hello"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	content, err := NewNoteRepo(db).Get(ctx, note.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if content.Content != "hello" {
		t.Errorf("content = %q, want hello", content.Content)
	}
}

func TestItemRepo_Rename_RewritesSubtree(t *testing.T) {
	repo := NewItemRepo(newTestDB(t))
	ctx := context.Background()
	seedTree(t, repo,
		"folder:/vault",
		"folder:/vault/docs",
		"note:/vault/docs/n1",
		"folder:/vault/docs/sub",
		"file:/vault/docs/sub/b.txt",
		"folder:/vault/docsx",
		"note:/vault/docsx/keep",
	)

	before, err := repo.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	rel, err := repo.Rename(ctx, "/vault/docs", "papers")
	if err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if rel.NewPath != "/vault/papers" {
		t.Errorf("Rename() new path = %s, want /vault/papers", rel.NewPath)
	}
	if rel.Affected != 4 {
		t.Errorf("Rename() affected = %d, want 4", rel.Affected)
	}

	after, err := repo.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	byID := make(map[string]Item)
	for _, item := range after {
		byID[item.ID] = item
	}

	for _, old := range before {
		got := byID[old.ID]
		switch {
		case IsWithin(old.Path, "/vault/docs"):
			want := Rebase(old.Path, "/vault/docs", "/vault/papers")
			if got.Path != want {
				t.Errorf("path %s rewritten to %s, want %s", old.Path, got.Path, want)
			}
			if got.Path != "/vault/papers" && got.Parent() != ParentOf(want) {
				t.Errorf("parent of %s = %s, want %s", got.Path, got.Parent(), ParentOf(want))
			}
			if !got.UpdatedAt.After(old.UpdatedAt) {
				t.Errorf("updated_at of %s not advanced: %v -> %v", got.Path, old.UpdatedAt, got.UpdatedAt)
			}
		default:
			if got.Path != old.Path || got.Parent() != old.Parent() {
				t.Errorf("item outside subtree changed: %s -> %s", old.Path, got.Path)
			}
			if !got.UpdatedAt.Equal(old.UpdatedAt) {
				t.Errorf("updated_at of %s outside subtree changed: %v -> %v", got.Path, old.UpdatedAt, got.UpdatedAt)
			}
		}
	}

	if _, err := repo.GetByPath(ctx, "/vault/docs/n1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old note path still resolves, err = %v", err)
	}
	renamed, err := repo.GetByPath(ctx, "/vault/papers")
	if err != nil {
		t.Fatalf("GetByPath() error = %v", err)
	}
	if renamed.Name != "papers" {
		t.Errorf("renamed folder name = %s, want papers", renamed.Name)
	}
}

func TestItemRepo_Rename_CaseAndPrefixSafety(t *testing.T) {
	repo := NewItemRepo(newTestDB(t))
	ctx := context.Background()
	seedTree(t, repo,
		"folder:/a",
		"folder:/a/b",
		"note:/a/b/x",
		"folder:/a/B",
		"note:/a/B/y",
		"folder:/a/b%",
		"note:/a/b%/z",
	)

	if _, err := repo.Rename(ctx, "/a/b", "c"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}

	all, err := repo.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	want := []string{"/a", "/a/B", "/a/B/y", "/a/b%", "/a/b%/z", "/a/c", "/a/c/x"}
	got := paths(all)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("paths = %v, want %v", got, want)
	}
}

func TestItemRepo_Rename_Conflict(t *testing.T) {
	repo := NewItemRepo(newTestDB(t))
	ctx := context.Background()
	seedTree(t, repo, "folder:/vault", "folder:/vault/a", "note:/vault/a/n", "folder:/vault/b")

	_, err := repo.Rename(ctx, "/vault/a", "b")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Rename() error = %v, want ConflictError", err)
	}
	if conflict.Path != "/vault/b" {
		t.Errorf("ConflictError.Path = %s, want /vault/b", conflict.Path)
	}
	if _, err := repo.GetByPath(ctx, "/vault/a/n"); err != nil {
		t.Errorf("subtree changed after failed rename: %v", err)
	}
}

func TestItemRepo_Move(t *testing.T) {
	repo := NewItemRepo(newTestDB(t))
	ctx := context.Background()
	seeded := seedTree(t, repo,
		"folder:/vault",
		"folder:/vault/src",
		"note:/vault/src/n1",
		"folder:/vault/src/deep",
		"note:/vault/src/deep/n2",
		"folder:/vault/dst",
		"note:/vault/dst/src",
		"note:/vault/file",
	)
	time.Sleep(5 * time.Millisecond)

	tests := []struct {
		name      string
		path      string
		newParent string
		wantPath  string
		wantErr   error
	}{
		{
			name:      "destination occupied",
			path:      "/vault/src",
			newParent: "/vault/dst",
			wantErr:   ErrConflict,
		},
		{
			name:      "missing destination",
			path:      "/vault/src",
			newParent: "/vault/none",
			wantErr:   ErrNotFound,
		},
		{
			name:      "destination not a folder",
			path:      "/vault/src",
			newParent: "/vault/file",
			wantErr:   ErrNotFound,
		},
		{
			name:      "into own subtree",
			path:      "/vault/src",
			newParent: "/vault/src/deep",
			wantErr:   ErrInvalidMove,
		},
		{
			name:      "note into folder",
			path:      "/vault/src/n1",
			newParent: "/vault/dst",
			wantPath:  "/vault/dst/n1",
		},
		{
			name:      "folder to root level",
			path:      "/vault/src",
			newParent: "",
			wantPath:  "/src",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rel, err := repo.Move(ctx, tt.path, tt.newParent)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Move() error = %v, want %v", err, tt.wantErr)
				}
				// Failed moves leave the source untouched.
				if _, err := repo.GetByPath(ctx, tt.path); err != nil {
					t.Errorf("source %s missing after failed move: %v", tt.path, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Move() unexpected error: %v", err)
			}
			if rel.NewPath != tt.wantPath {
				t.Errorf("Move() new path = %s, want %s", rel.NewPath, tt.wantPath)
			}
			if _, err := repo.GetByPath(ctx, tt.wantPath); err != nil {
				t.Errorf("GetByPath(%s) error = %v", tt.wantPath, err)
			}
		})
	}

	// The last move took /vault/src to /src: its descendants follow and the
	// moved item becomes a root.
	moved, err := repo.GetByPath(ctx, "/src")
	if err != nil {
		t.Fatalf("GetByPath() error = %v", err)
	}
	if moved.ParentPath != nil {
		t.Errorf("moved root parent = %v, want nil", *moved.ParentPath)
	}
	deep, err := repo.GetByPath(ctx, "/src/deep/n2")
	if err != nil {
		t.Fatalf("descendant not rewritten: %v", err)
	}
	if deep.Parent() != "/src/deep" {
		t.Errorf("descendant parent = %s, want /src/deep", deep.Parent())
	}

	// Moved rows and their descendants are touched; nothing else is,
	// including the folders that lost or gained a child.
	touched := map[string]string{
		"/vault/src":         "/src",
		"/vault/src/deep":    "/src/deep",
		"/vault/src/deep/n2": "/src/deep/n2",
		"/vault/src/n1":      "/vault/dst/n1",
	}
	for oldPath, newPath := range touched {
		got, err := repo.GetByPath(ctx, newPath)
		if err != nil {
			t.Fatalf("GetByPath(%s) error = %v", newPath, err)
		}
		if !got.UpdatedAt.After(seeded[oldPath].UpdatedAt) {
			t.Errorf("updated_at of %s not advanced", newPath)
		}
	}
	for _, path := range []string{"/vault", "/vault/dst", "/vault/dst/src", "/vault/file"} {
		got, err := repo.GetByPath(ctx, path)
		if err != nil {
			t.Fatalf("GetByPath(%s) error = %v", path, err)
		}
		if !got.UpdatedAt.Equal(seeded[path].UpdatedAt) {
			t.Errorf("updated_at of untouched %s changed: %v -> %v", path, seeded[path].UpdatedAt, got.UpdatedAt)
		}
	}
}

func TestItemRepo_Delete_Cascades(t *testing.T) {
	db := newTestDB(t)
	repo := NewItemRepo(db)
	ctx := context.Background()
	created := seedTree(t, repo,
		"folder:/vault",
		"folder:/vault/docs",
		"note:/vault/docs/n1",
		"folder:/vault/docs/sub",
		"file:/vault/docs/sub/b.txt",
		"folder:/vault/docsx",
		"note:/vault/docsx/keep",
	)

	embeddings := NewEmbeddingRepo(db)
	noteID := created["/vault/docs/n1"].ID
	if err := embeddings.Upsert(ctx, noteID, []float32{1, 0}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := embeddings.UpsertBackup(ctx, noteID, []float32{1, 0}); err != nil {
		t.Fatalf("UpsertBackup() error = %v", err)
	}

	removed, err := repo.Delete(ctx, "/vault/docs")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(removed) != 4 {
		t.Errorf("Delete() removed %d items, want 4", len(removed))
	}

	all, err := repo.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	want := []string{"/vault", "/vault/docsx", "/vault/docsx/keep"}
	if strings.Join(paths(all), ",") != strings.Join(want, ",") {
		t.Errorf("remaining = %v, want %v", paths(all), want)
	}

	if _, err := NewNoteRepo(db).Get(ctx, noteID); !errors.Is(err, ErrNotFound) {
		t.Errorf("note content survived delete, err = %v", err)
	}
	if _, err := embeddings.Get(ctx, noteID); !errors.Is(err, ErrNotFound) {
		t.Errorf("embedding survived delete, err = %v", err)
	}
	if n, _ := embeddings.CountBackups(ctx); n != 0 {
		t.Errorf("backups after delete = %d, want 0", n)
	}

	if _, err := repo.Delete(ctx, "/vault/docs"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestItemRepo_ListChildren(t *testing.T) {
	repo := NewItemRepo(newTestDB(t))
	ctx := context.Background()
	seedTree(t, repo, "folder:/vault", "folder:/other", "note:/vault/b", "note:/vault/a", "folder:/vault/c", "note:/vault/c/d")

	tests := []struct {
		name    string
		parent  string
		want    []string
		wantErr bool
	}{
		{name: "roots", parent: "", want: []string{"/other", "/vault"}},
		{name: "folder", parent: "/vault", want: []string{"/vault/a", "/vault/b", "/vault/c"}},
		{name: "empty folder", parent: "/other", want: []string{}},
		{name: "missing", parent: "/missing", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := repo.ListChildren(ctx, tt.parent)
			if tt.wantErr {
				if !errors.Is(err, ErrNotFound) {
					t.Errorf("ListChildren() error = %v, want ErrNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ListChildren() error = %v", err)
			}
			if strings.Join(paths(items), ",") != strings.Join(tt.want, ",") {
				t.Errorf("ListChildren() = %v, want %v", paths(items), tt.want)
			}
		})
	}
}

func TestItemRepo_MountedRelocation(t *testing.T) {
	repo := NewItemRepo(newTestDB(t))
	ctx := context.Background()
	seedTree(t, repo, "folder:/vault", "folder:/vault/plain")

	realRoot := filepath.Join(t.TempDir(), "docs")
	root := &CreateItemParams{Type: ItemTypeFolder, ParentPath: "/vault", Name: "docs", IsMounted: true, RealPath: realRoot}
	entries := []CreateItemParams{
		{Type: ItemTypeFolder, ParentPath: "/vault/docs", Name: "sub", IsMounted: true, RealPath: filepath.Join(realRoot, "sub")},
		{Type: ItemTypeFile, ParentPath: "/vault/docs/sub", Name: "b.txt", IsMounted: true, RealPath: filepath.Join(realRoot, "sub", "b.txt")},
		{Type: ItemTypeFolder, ParentPath: "/vault/docs", Name: "other", IsMounted: true, RealPath: filepath.Join(realRoot, "other")},
	}
	if _, n, err := repo.CreateTree(ctx, root, entries, nil); err != nil || n != 3 {
		t.Fatalf("CreateTree() = %d, %v", n, err)
	}

	roots, err := repo.ListMountRoots(ctx)
	if err != nil {
		t.Fatalf("ListMountRoots() error = %v", err)
	}
	if len(roots) != 1 || roots[0].Path != "/vault/docs" {
		t.Fatalf("ListMountRoots() = %v, want [/vault/docs]", paths(roots))
	}

	rel, err := repo.Rename(ctx, "/vault/docs/sub", "renamed")
	if err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if rel.NewRealPath != filepath.Join(realRoot, "renamed") {
		t.Errorf("NewRealPath = %s, want %s", rel.NewRealPath, filepath.Join(realRoot, "renamed"))
	}
	file, err := repo.GetByPath(ctx, "/vault/docs/renamed/b.txt")
	if err != nil {
		t.Fatalf("GetByPath() error = %v", err)
	}
	if file.Real() != filepath.Join(realRoot, "renamed", "b.txt") {
		t.Errorf("descendant real path = %s", file.Real())
	}

	// Mounted items stay inside their mount.
	if _, err := repo.Move(ctx, "/vault/docs/renamed", "/vault/plain"); !errors.Is(err, ErrInvalidMove) {
		t.Errorf("Move() out of mount error = %v, want ErrInvalidMove", err)
	}
	if _, err := repo.Move(ctx, "/vault/plain", "/vault/docs/other"); !errors.Is(err, ErrInvalidMove) {
		t.Errorf("Move() folder into mount error = %v, want ErrInvalidMove", err)
	}

	// Renaming the mount root is virtual only.
	rel, err = repo.Rename(ctx, "/vault/docs", "papers")
	if err != nil {
		t.Fatalf("Rename() mount root error = %v", err)
	}
	if rel.NewRealPath != "" {
		t.Errorf("mount root rename changed real path to %s", rel.NewRealPath)
	}
	moved, err := repo.GetByPath(ctx, "/vault/papers")
	if err != nil {
		t.Fatalf("GetByPath() error = %v", err)
	}
	if moved.Real() != realRoot {
		t.Errorf("mount root real path = %s, want %s", moved.Real(), realRoot)
	}
}

func TestItemRepo_CreateTree_ToleratesEntryFailures(t *testing.T) {
	repo := NewItemRepo(newTestDB(t))
	ctx := context.Background()
	seedTree(t, repo, "folder:/vault")

	root := &CreateItemParams{Type: ItemTypeFolder, ParentPath: "/vault", Name: "m", IsMounted: true, RealPath: "/r/m"}
	entries := []CreateItemParams{
		{Type: ItemTypeFolder, ParentPath: "/vault/m", Name: "bad/name", IsMounted: true},
		{Type: ItemTypeFile, ParentPath: "/vault/m/bad/name", Name: "child", IsMounted: true},
		{Type: ItemTypeFile, ParentPath: "/vault/m", Name: "ok.txt", IsMounted: true},
	}

	var failures []string
	_, imported, err := repo.CreateTree(ctx, root, entries, func(p CreateItemParams, err error) {
		failures = append(failures, p.Name)
	})
	if err != nil {
		t.Fatalf("CreateTree() error = %v", err)
	}
	if imported != 1 {
		t.Errorf("imported = %d, want 1", imported)
	}
	if len(failures) != 1 || failures[0] != "bad/name" {
		t.Errorf("failures = %v, want [bad/name]", failures)
	}
	if _, err := repo.GetByPath(ctx, "/vault/m/ok.txt"); err != nil {
		t.Errorf("sibling not imported: %v", err)
	}

	// A failing root aborts the whole tree.
	_, _, err = repo.CreateTree(ctx, root, entries, nil)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("CreateTree() duplicate root error = %v, want ErrConflict", err)
	}
}

func TestItemRepo_UpdateFileStat(t *testing.T) {
	repo := NewItemRepo(newTestDB(t))
	ctx := context.Background()
	created := seedTree(t, repo, "folder:/vault", "file:/vault/a.txt", "note:/vault/n")

	if err := repo.UpdateFileStat(ctx, "/vault/a.txt", 99); err != nil {
		t.Fatalf("UpdateFileStat() error = %v", err)
	}
	got, err := repo.GetByPath(ctx, "/vault/a.txt")
	if err != nil {
		t.Fatalf("GetByPath() error = %v", err)
	}
	if got.Size != 99 {
		t.Errorf("size = %d, want 99", got.Size)
	}
	if got.UpdatedAt.Before(created["/vault/a.txt"].UpdatedAt) {
		t.Errorf("updated_at went backwards")
	}

	if err := repo.UpdateFileStat(ctx, "/vault/n", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateFileStat() on note error = %v, want ErrNotFound", err)
	}
}
