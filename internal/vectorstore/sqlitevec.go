package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"notevault/internal/contextutil"
)

var registerOnce sync.Once

// RegisterSQLiteVec registers the sqlite-vec extension with every SQLite
// connection opened afterwards. Call it before storage.New.
func RegisterSQLiteVec() {
	registerOnce.Do(sqlite_vec.Auto)
}

// DetectSQLiteVec reports whether the vec0 module is loaded on db.
func DetectSQLiteVec(ctx context.Context, db *sql.DB) (string, bool) {
	var version string
	if err := db.QueryRowContext(ctx, "SELECT vec_version()").Scan(&version); err != nil {
		return "", false
	}
	return version, true
}

// SQLiteVecIndex implements Index with a vec0 virtual table living in the
// same database as the primary embedding store.
type SQLiteVecIndex struct {
	db  *sql.DB
	dim int
}

// NewSQLiteVecIndex checks for the extension and creates the vec_items table.
// Returns ErrUnavailable when the extension is not loaded.
func NewSQLiteVecIndex(ctx context.Context, db *sql.DB, dim int) (*SQLiteVecIndex, error) {
	logger := contextutil.LoggerFromContext(ctx)

	version, ok := DetectSQLiteVec(ctx, db)
	if !ok {
		return nil, ErrUnavailable
	}
	if dim <= 0 {
		return nil, fmt.Errorf("vector dimension must be greater than 0")
	}

	stmt := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_items USING vec0(
		item_id TEXT PRIMARY KEY,
		embedding float[%d] distance_metric=cosine
	)`, dim)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return nil, fmt.Errorf("failed to create vec_items: %w", err)
	}

	logger.InfoContext(ctx, "sqlite-vec index ready", "version", version, "dim", dim)
	return &SQLiteVecIndex{db: db, dim: dim}, nil
}

// Name implements Index.
func (s *SQLiteVecIndex) Name() string {
	return "sqlite-vec"
}

// Upsert replaces the vector for itemID. vec0 has no ON CONFLICT support,
// so the row is deleted and re-inserted in one transaction.
func (s *SQLiteVecIndex) Upsert(ctx context.Context, itemID string, vec []float32) error {
	if len(vec) != s.dim {
		return fmt.Errorf("vector dimension %d does not match index dimension %d", len(vec), s.dim)
	}
	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return fmt.Errorf("failed to serialize vector: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM vec_items WHERE item_id = ?", itemID); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO vec_items (item_id, embedding) VALUES (?, ?)", itemID, blob); err != nil {
		return fmt.Errorf("failed to insert vector: %w", err)
	}
	return tx.Commit()
}

// Search runs a KNN query. vec0 reports cosine distance; the score is
// 1 - distance.
func (s *SQLiteVecIndex) Search(ctx context.Context, query []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be greater than 0")
	}
	if len(query) != s.dim {
		return nil, fmt.Errorf("query dimension %d does not match index dimension %d", len(query), s.dim)
	}
	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, distance FROM vec_items
		 WHERE embedding MATCH ? AND k = ?
		 ORDER BY distance`, blob, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var matches []Match
	for rows.Next() {
		var (
			id       string
			distance float64
		)
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		matches = append(matches, Match{ItemID: id, Score: float32(1 - distance)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return matches, nil
}

// Delete removes the vectors for itemIDs.
func (s *SQLiteVecIndex) Delete(ctx context.Context, itemIDs []string) error {
	for _, id := range itemIDs {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM vec_items WHERE item_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete vector: %w", err)
		}
	}
	return nil
}

// Count returns the number of rows in vec_items.
func (s *SQLiteVecIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vec_items").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count vectors: %w", err)
	}
	return n, nil
}
