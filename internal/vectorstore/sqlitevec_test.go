package vectorstore

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"notevault/internal/storage"
)

func newVecIndex(t *testing.T, dim int) *SQLiteVecIndex {
	t.Helper()
	RegisterSQLiteVec()

	db, err := storage.New(filepath.Join(t.TempDir(), "vec.db"))
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	idx, err := NewSQLiteVecIndex(t.Context(), db, dim)
	if errors.Is(err, ErrUnavailable) {
		t.Skip("sqlite-vec extension not available")
	}
	if err != nil {
		t.Fatalf("NewSQLiteVecIndex() error = %v", err)
	}
	return idx
}

func TestSQLiteVecIndex_SearchScores(t *testing.T) {
	idx := newVecIndex(t, 2)
	ctx := t.Context()

	if err := idx.Upsert(ctx, "a", []float32{1, 0}); err != nil {
		t.Fatalf("Upsert(a) error = %v", err)
	}
	if err := idx.Upsert(ctx, "b", []float32{0, 1}); err != nil {
		t.Fatalf("Upsert(b) error = %v", err)
	}

	matches, err := idx.Search(ctx, []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Search() returned %d matches, want 2", len(matches))
	}
	if matches[0].ItemID != "a" || math.Abs(float64(matches[0].Score)-1) > 1e-5 {
		t.Errorf("first match = %+v, want a with score 1", matches[0])
	}
	if matches[1].ItemID != "b" || math.Abs(float64(matches[1].Score)) > 1e-5 {
		t.Errorf("second match = %+v, want b with score 0", matches[1])
	}
}

func TestSQLiteVecIndex_UpsertReplaces(t *testing.T) {
	idx := newVecIndex(t, 2)
	ctx := t.Context()

	if err := idx.Upsert(ctx, "a", []float32{1, 0}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := idx.Upsert(ctx, "a", []float32{0, 1}); err != nil {
		t.Fatalf("Upsert() second error = %v", err)
	}

	count, err := idx.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Errorf("Count() = %d, want 1", count)
	}

	matches, err := idx.Search(ctx, []float32{0, 1}, 1)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(matches) != 1 || matches[0].Score < 0.99 {
		t.Errorf("Search() = %+v, want replaced vector to match", matches)
	}
}

func TestSQLiteVecIndex_Delete(t *testing.T) {
	idx := newVecIndex(t, 2)
	ctx := t.Context()

	for _, id := range []string{"a", "b"} {
		if err := idx.Upsert(ctx, id, []float32{1, 1}); err != nil {
			t.Fatalf("Upsert(%s) error = %v", id, err)
		}
	}
	if err := idx.Delete(ctx, []string{"a", "missing"}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	count, err := idx.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Errorf("Count() = %d, want 1", count)
	}
}

func TestSQLiteVecIndex_DimensionMismatch(t *testing.T) {
	idx := newVecIndex(t, 2)
	ctx := t.Context()

	if err := idx.Upsert(ctx, "a", []float32{1, 0, 0}); err == nil {
		t.Error("Upsert() with wrong dimension should fail")
	}
	if _, err := idx.Search(ctx, []float32{1}, 1); err == nil {
		t.Error("Search() with wrong dimension should fail")
	}
	if _, err := idx.Search(ctx, []float32{1, 0}, 0); err == nil {
		t.Error("Search() with k=0 should fail")
	}
}
