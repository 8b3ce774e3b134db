package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
)

// EmbeddingRepo stores note embeddings in two encodings: the primary table
// holds little-endian float32 blobs, the backup table holds JSON text that
// survives changes to the primary encoding.
type EmbeddingRepo struct {
	db *sql.DB
}

// NewEmbeddingRepo creates a new EmbeddingRepo.
func NewEmbeddingRepo(db *sql.DB) *EmbeddingRepo {
	return &EmbeddingRepo{db: db}
}

// EncodeVector serializes v as little-endian float32 values.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// Upsert writes the primary embedding for itemID.
func (r *EmbeddingRepo) Upsert(ctx context.Context, itemID string, vector []float32) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO embeddings (item_id, embedding, dim, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (item_id) DO UPDATE SET
		 embedding = excluded.embedding, dim = excluded.dim, created_at = excluded.created_at`,
		itemID, EncodeVector(vector), len(vector), now(),
	)
	if err != nil {
		return queryErr("upsert embedding", fmt.Errorf("failed to upsert embedding: %w", err))
	}
	return nil
}

// Get returns the primary embedding for itemID.
func (r *EmbeddingRepo) Get(ctx context.Context, itemID string) (*EmbeddingRecord, error) {
	var (
		blob      []byte
		createdAt string
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT embedding, created_at FROM embeddings WHERE item_id = ?", itemID,
	).Scan(&blob, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "embedding", Key: itemID}
	}
	if err != nil {
		return nil, queryErr("get embedding", err)
	}

	vec, err := DecodeVector(blob)
	if err != nil {
		return nil, queryErr("get embedding", err)
	}
	rec := &EmbeddingRecord{ItemID: itemID, Vector: vec}
	rec.CreatedAt, _ = parseTimestamp(createdAt)
	return rec, nil
}

// ListAll returns every primary embedding. Rows that cannot be decoded are
// skipped with a warning.
func (r *EmbeddingRepo) ListAll(ctx context.Context) ([]EmbeddingRecord, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT item_id, embedding, created_at FROM embeddings")
	if err != nil {
		return nil, queryErr("list embeddings", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []EmbeddingRecord
	for rows.Next() {
		var (
			rec       EmbeddingRecord
			blob      []byte
			createdAt string
		)
		if err := rows.Scan(&rec.ItemID, &blob, &createdAt); err != nil {
			return nil, queryErr("list embeddings", err)
		}
		if rec.Vector, err = DecodeVector(blob); err != nil {
			slog.WarnContext(ctx, "skipping undecodable embedding", "item_id", rec.ItemID, "error", err)
			continue
		}
		rec.CreatedAt, _ = parseTimestamp(createdAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr("list embeddings", fmt.Errorf("row iteration error: %w", err))
	}
	return records, nil
}

// Count returns the number of primary embeddings.
func (r *EmbeddingRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embeddings").Scan(&n); err != nil {
		return 0, queryErr("count embeddings", err)
	}
	return n, nil
}

// Delete removes the primary embedding and the backup for itemID.
func (r *EmbeddingRepo) Delete(ctx context.Context, itemID string) error {
	for _, stmt := range []string{
		"DELETE FROM embeddings WHERE item_id = ?",
		"DELETE FROM embedding_backups WHERE item_id = ?",
	} {
		if _, err := r.db.ExecContext(ctx, stmt, itemID); err != nil {
			return queryErr("delete embedding", err)
		}
	}
	return nil
}

// UpsertBackup writes the JSON-encoded backup embedding for itemID.
func (r *EmbeddingRepo) UpsertBackup(ctx context.Context, itemID string, vector []float32) error {
	encoded, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("failed to encode backup embedding: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO embedding_backups (item_id, encoded_embedding, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (item_id) DO UPDATE SET
		 encoded_embedding = excluded.encoded_embedding, created_at = excluded.created_at`,
		itemID, string(encoded), now(),
	)
	if err != nil {
		return queryErr("upsert embedding backup", fmt.Errorf("failed to upsert embedding backup: %w", err))
	}
	return nil
}

// ListBackups returns every decodable backup embedding.
func (r *EmbeddingRepo) ListBackups(ctx context.Context) ([]EmbeddingRecord, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT item_id, encoded_embedding, created_at FROM embedding_backups")
	if err != nil {
		return nil, queryErr("list embedding backups", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []EmbeddingRecord
	for rows.Next() {
		var (
			rec       EmbeddingRecord
			encoded   string
			createdAt string
		)
		if err := rows.Scan(&rec.ItemID, &encoded, &createdAt); err != nil {
			return nil, queryErr("list embedding backups", err)
		}
		if err := json.Unmarshal([]byte(encoded), &rec.Vector); err != nil {
			slog.WarnContext(ctx, "skipping undecodable embedding backup", "item_id", rec.ItemID, "error", err)
			continue
		}
		rec.CreatedAt, _ = parseTimestamp(createdAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, queryErr("list embedding backups", fmt.Errorf("row iteration error: %w", err))
	}
	return records, nil
}

// CountBackups returns the number of backup rows.
func (r *EmbeddingRepo) CountBackups(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embedding_backups").Scan(&n); err != nil {
		return 0, queryErr("count embedding backups", err)
	}
	return n, nil
}

// PruneOrphanBackups deletes backups whose item no longer exists.
func (r *EmbeddingRepo) PruneOrphanBackups(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM embedding_backups WHERE item_id NOT IN (SELECT id FROM items)")
	if err != nil {
		return 0, queryErr("prune embedding backups", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
