package storage

import (
	"context"
	"errors"
	"testing"
)

func TestEncodeDecodeVector(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3e-7}
	out, err := DecodeVector(EncodeVector(in))
	if err != nil {
		t.Fatalf("DecodeVector() error = %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}

	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("DecodeVector() expected error for truncated blob")
	}
}

func TestEmbeddingRepo_PrimaryAndBackup(t *testing.T) {
	db := newTestDB(t)
	items := NewItemRepo(db)
	repo := NewEmbeddingRepo(db)
	ctx := context.Background()

	created := seedTree(t, items, "folder:/vault", "note:/vault/a", "note:/vault/b")
	a, b := created["/vault/a"].ID, created["/vault/b"].ID

	if err := repo.Upsert(ctx, a, []float32{1, 0}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	// Second upsert replaces the vector.
	if err := repo.Upsert(ctx, a, []float32{0, 1}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	got, err := repo.Get(ctx, a)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Vector[0] != 0 || got.Vector[1] != 1 {
		t.Errorf("Get() vector = %v, want [0 1]", got.Vector)
	}

	if _, err := repo.Get(ctx, b); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() missing error = %v, want ErrNotFound", err)
	}

	// Primary rows require an existing item.
	if err := repo.Upsert(ctx, "ghost", []float32{1}); err == nil {
		t.Error("Upsert() for unknown item should fail")
	}

	if err := repo.UpsertBackup(ctx, b, []float32{0.5, 0.5}); err != nil {
		t.Fatalf("UpsertBackup() error = %v", err)
	}
	if err := repo.UpsertBackup(ctx, "ghost", []float32{1}); err != nil {
		t.Fatalf("UpsertBackup() orphan error = %v", err)
	}

	backups, err := repo.ListBackups(ctx)
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(backups) != 2 {
		t.Errorf("ListBackups() = %d rows, want 2", len(backups))
	}

	pruned, err := repo.PruneOrphanBackups(ctx)
	if err != nil {
		t.Fatalf("PruneOrphanBackups() error = %v", err)
	}
	if pruned != 1 {
		t.Errorf("PruneOrphanBackups() = %d, want 1", pruned)
	}

	all, err := repo.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(all) != 1 || all[0].ItemID != a {
		t.Errorf("ListAll() = %+v, want only %s", all, a)
	}

	if err := repo.Delete(ctx, a); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if n, _ := repo.Count(ctx); n != 0 {
		t.Errorf("Count() after delete = %d, want 0", n)
	}
}
