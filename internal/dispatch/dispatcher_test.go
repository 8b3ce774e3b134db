package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/mock/gomock"

	"notevault/internal/indexer"
	"notevault/internal/indexer/mocks"
	"notevault/internal/mount"
	"notevault/internal/semantic"
	"notevault/internal/service"
	"notevault/internal/storage"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	items := storage.NewItemRepo(db)
	notes := storage.NewNoteRepo(db)
	index := semantic.NewService(storage.NewEmbeddingRepo(db), nil, 2)
	engine := mount.NewEngine(items, mount.Options{OnRemoved: index.Forget})
	t.Cleanup(engine.Close)

	embedder := mocks.NewMockEmbedder(gomock.NewController(t))
	embedder.EXPECT().EmbedText(gomock.Any(), gomock.Any()).Return([]float32{1, 0}, nil).AnyTimes()

	worker := indexer.NewWorker(items, notes, embedder, index, indexer.Options{QueueSize: 8})
	worker.Start(context.Background())
	t.Cleanup(worker.Stop)

	ws := service.NewWorkspace(service.Deps{
		Items:    items,
		Notes:    notes,
		Mounts:   engine,
		Index:    index,
		Embedder: embedder,
		Queue:    worker,
	})

	d := New()
	Register(d, Services{Workspace: ws, Mounts: engine, Indexer: worker, Repairer: index})
	return d
}

// args encodes each value as one positional argument.
func args(t *testing.T, values ...any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("json.Marshal(%v) error = %v", v, err)
		}
		out[i] = raw
	}
	return out
}

func mustSucceed(t *testing.T, res Result) any {
	t.Helper()
	if !res.Success {
		t.Fatalf("Invoke() failed: %+v", res.Error)
	}
	return res.Data
}

func wantCode(t *testing.T, res Result, code string) {
	t.Helper()
	if res.Success || res.Error == nil {
		t.Fatalf("Invoke() succeeded, want %s", code)
	}
	if res.Error.Code != code {
		t.Errorf("Invoke() code = %s (%s), want %s", res.Error.Code, res.Error.Message, code)
	}
}

func TestDispatcher_ItemsAndNotes(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	root := mustSucceed(t, d.Invoke(ctx, "items.create", args(t, "folder", "", "vault"))).(*storage.Item)
	if root.Path != "/vault" {
		t.Errorf("items.create path = %q", root.Path)
	}

	mustSucceed(t, d.Invoke(ctx, "notes.create", args(t, "/vault", "todo", "# Todo")))
	mustSucceed(t, d.Invoke(ctx, "notes.save", args(t, "/vault/todo", "# Todo\n- milk")))
	note := mustSucceed(t, d.Invoke(ctx, "notes.get", args(t, "/vault/todo"))).(*service.Note)
	if note.Content != "# Todo\n- milk" {
		t.Errorf("notes.get content = %q", note.Content)
	}

	mustSucceed(t, d.Invoke(ctx, "items.create", args(t, "folder", "/vault", "archive")))
	moved := mustSucceed(t, d.Invoke(ctx, "items.move", args(t, "/vault/todo", "/vault/archive"))).(*storage.Item)
	if moved.Path != "/vault/archive/todo" {
		t.Errorf("items.move path = %q", moved.Path)
	}
	renamed := mustSucceed(t, d.Invoke(ctx, "items.rename", args(t, "/vault/archive", "old"))).(*storage.Item)
	if renamed.Path != "/vault/old" {
		t.Errorf("items.rename path = %q", renamed.Path)
	}

	children := mustSucceed(t, d.Invoke(ctx, "items.list", args(t, "/vault"))).([]storage.Item)
	if len(children) != 1 || children[0].Name != "old" {
		t.Errorf("items.list = %+v", children)
	}
	roots := mustSucceed(t, d.Invoke(ctx, "items.list", nil)).([]storage.Item)
	if len(roots) != 1 {
		t.Errorf("items.list roots = %d, want 1", len(roots))
	}
	all := mustSucceed(t, d.Invoke(ctx, "items.all", nil)).([]storage.Item)
	if len(all) != 3 {
		t.Errorf("items.all = %d items, want 3", len(all))
	}
	got := mustSucceed(t, d.Invoke(ctx, "items.get", args(t, "/vault/old/todo"))).(*storage.Item)
	if got.Type != storage.ItemTypeNote {
		t.Errorf("items.get type = %q", got.Type)
	}

	removed := mustSucceed(t, d.Invoke(ctx, "items.delete", args(t, "/vault/old"))).([]storage.Item)
	if len(removed) != 2 {
		t.Errorf("items.delete removed %d, want 2", len(removed))
	}
	empty := mustSucceed(t, d.Invoke(ctx, "items.list", args(t, "/vault"))).([]storage.Item)
	if empty == nil || len(empty) != 0 {
		t.Errorf("items.list after delete = %#v, want empty non-nil", empty)
	}
}

func TestDispatcher_ErrorCodes(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	mustSucceed(t, d.Invoke(ctx, "items.create", args(t, "folder", "", "vault")))
	mustSucceed(t, d.Invoke(ctx, "items.create", args(t, "folder", "/vault", "sub")))

	tests := []struct {
		name    string
		command string
		args    []json.RawMessage
		code    string
	}{
		{name: "unknown command", command: "items.explode", code: CodeInvalidInput},
		{name: "duplicate path", command: "items.create", args: args(t, "folder", "", "vault"), code: CodeConflict},
		{name: "missing item", command: "items.get", args: args(t, "/nope"), code: CodeNotFound},
		{name: "missing parent", command: "notes.create", args: args(t, "/nope", "n"), code: CodeNotFound},
		{name: "missing required arg", command: "items.create", args: args(t, "folder", "/vault"), code: CodeInvalidInput},
		{name: "unknown type", command: "items.create", args: args(t, "link", "/vault", "x"), code: CodeInvalidInput},
		{name: "too many args", command: "items.get", args: args(t, "/vault", "extra"), code: CodeInvalidInput},
		{name: "wrong arg type", command: "items.create", args: args(t, "folder", 5, "x"), code: CodeInvalidInput},
		{name: "negative size", command: "items.create", args: args(t, "file", "/vault", "f", -1), code: CodeInvalidInput},
		{name: "move into descendant", command: "items.move", args: args(t, "/vault", "/vault/sub"), code: CodeInvalidInput},
		{name: "name with separator", command: "items.rename", args: args(t, "/vault/sub", "a/b"), code: CodeInvalidInput},
		{name: "k out of range", command: "search.text", args: args(t, "q", 1000), code: CodeInvalidInput},
		{name: "unmount non-mount", command: "mounts.unmount", args: args(t, "/vault"), code: CodeInvalidInput},
		{name: "mount missing dir", command: "mounts.mount", args: args(t, "/vault", filepath.Join(t.TempDir(), "gone")), code: CodeInvalidInput},
		{name: "similar on a folder", command: "search.similar", args: args(t, "/vault/sub"), code: CodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantCode(t, d.Invoke(ctx, tt.command, tt.args), tt.code)
		})
	}
}

func TestDispatcher_ValidationMessageNamesField(t *testing.T) {
	d := newTestDispatcher(t)
	res := d.Invoke(context.Background(), "items.create", args(t, "folder", ""))
	wantCode(t, res, CodeInvalidInput)
	want := "validation error on field name: is required"
	if res.Error.Message != want {
		t.Errorf("message = %q, want %q", res.Error.Message, want)
	}
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	d := New()
	d.Handle("boom", func(context.Context, []json.RawMessage) (any, error) {
		panic("kaboom")
	})

	res := d.Invoke(context.Background(), "boom", nil)
	wantCode(t, res, CodeInternal)
	if res.Error.Message != "internal error" {
		t.Errorf("message = %q, want generic message", res.Error.Message)
	}
}

func TestDispatcher_Mounts(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	mustSucceed(t, d.Invoke(ctx, "items.create", args(t, "folder", "", "vault")))

	docs := filepath.Join(t.TempDir(), "docs")
	if err := os.MkdirAll(docs, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(docs, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	root := mustSucceed(t, d.Invoke(ctx, "mounts.mount", args(t, "/vault", docs))).(*storage.Item)
	if root.Path != "/vault/docs" {
		t.Errorf("mounts.mount path = %q", root.Path)
	}
	statuses := mustSucceed(t, d.Invoke(ctx, "mounts.list", nil)).([]mount.Status)
	if len(statuses) != 1 || statuses[0].RealPath != docs {
		t.Errorf("mounts.list = %+v", statuses)
	}
	report := mustSucceed(t, d.Invoke(ctx, "mounts.resync", args(t, "/vault/docs"))).(*mount.ResyncReport)
	if report.Added != 0 || report.Removed != 0 {
		t.Errorf("mounts.resync = %+v, want no changes", report)
	}
	conflicts := mustSucceed(t, d.Invoke(ctx, "mounts.conflicts", nil)).([]mount.Conflict)
	if len(conflicts) != 0 {
		t.Errorf("mounts.conflicts = %+v", conflicts)
	}
	wantCode(t, d.Invoke(ctx, "mounts.mount", args(t, "/vault", docs)), CodeConflict)

	removed := mustSucceed(t, d.Invoke(ctx, "mounts.unmount", args(t, "/vault/docs"))).([]storage.Item)
	if len(removed) != 2 {
		t.Errorf("mounts.unmount removed %d, want 2", len(removed))
	}
}

func TestDispatcher_Index(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	mustSucceed(t, d.Invoke(ctx, "notes.create", args(t, "", "solo", "text")))

	scheduled := mustSucceed(t, d.Invoke(ctx, "index.reindex", nil)).(map[string]int)
	if scheduled["scheduled"] != 1 {
		t.Errorf("index.reindex = %v", scheduled)
	}
	stats := mustSucceed(t, d.Invoke(ctx, "index.stats", nil)).(*indexer.CoverageStats)
	if stats.Notes != 1 || stats.Backend != "brute-force" {
		t.Errorf("index.stats = %+v", stats)
	}
	if _, ok := mustSucceed(t, d.Invoke(ctx, "index.repair", nil)).(*semantic.RepairReport); !ok {
		t.Error("index.repair did not return a report")
	}
	wantCode(t, d.Invoke(ctx, "index.stats", args(t, "extra")), CodeInvalidInput)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "validation", err: &service.ValidationError{Field: "name", Message: "x"}, want: CodeInvalidInput},
		{name: "not found", err: &storage.NotFoundError{Kind: "item", Key: "/a"}, want: CodeNotFound},
		{name: "wrapped not found", err: fmt.Errorf("load: %w", storage.ErrNotFound), want: CodeNotFound},
		{name: "conflict", err: &storage.ConflictError{Path: "/a"}, want: CodeConflict},
		{name: "invalid move", err: &storage.InvalidMoveError{Path: "/a", Target: "/a/b"}, want: CodeInvalidInput},
		{name: "invalid mount", err: mount.ErrInvalidMount, want: CodeInvalidInput},
		{name: "invalid query", err: semantic.ErrInvalidQuery, want: CodeInvalidInput},
		{
			name: "invalid item inside query error",
			err:  &storage.QueryExecutionError{Op: "create item", Err: storage.ErrInvalidItem},
			want: CodeInvalidInput,
		},
		{name: "query failure", err: &storage.QueryExecutionError{Op: "get", Err: errors.New("disk I/O error")}, want: CodeQueryFailed},
		{name: "external service", err: service.ErrExternalService, want: CodeInternal},
		{name: "anything else", err: errors.New("boom"), want: CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResult_JSON(t *testing.T) {
	ok, err := json.Marshal(OK(map[string]int{"n": 1}))
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if string(ok) != `{"success":true,"data":{"n":1}}` {
		t.Errorf("OK() = %s", ok)
	}

	failed, err := json.Marshal(Fail(context.Background(), &storage.ConflictError{Path: "/a"}))
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	want := `{"success":false,"error":{"code":"CONFLICT","message":"path already exists: /a"}}`
	if string(failed) != want {
		t.Errorf("Fail() = %s, want %s", failed, want)
	}
}
