package semantic

import (
	"context"
	"errors"
	"fmt"

	"notevault/internal/contextutil"
	"notevault/internal/storage"
	"notevault/internal/vectorstore"
)

// ErrInvalidQuery is returned for empty query vectors or non-positive k.
var ErrInvalidQuery = errors.New("invalid similarity query")

// RepairReport summarizes a Repair run.
type RepairReport struct {
	Restored  int   `json:"restored"`  // Primary rows rebuilt from backups
	Reindexed int   `json:"reindexed"` // Vectors written to the accelerated index
	Skipped   int   `json:"skipped"`   // Vectors with the wrong dimension
	Pruned    int64 `json:"pruned"`    // Backups of deleted items
}

// Stats reports embedding coverage.
type Stats struct {
	Embedded    int    `json:"embedded"`
	Backups     int    `json:"backups"`
	Accelerated int    `json:"accelerated"`
	Backend     string `json:"backend"`
}

// Service is the semantic index: it owns the primary and backup embedding
// stores and the optional accelerated index.
type Service struct {
	store    EmbeddingStore
	index    vectorstore.Index // nil when no accelerated backend is available
	searcher Searcher
	dim      int
}

// NewService creates a Service. index may be nil; dim is the expected vector
// size (0 disables the dimension check during repair).
func NewService(store EmbeddingStore, index vectorstore.Index, dim int) *Service {
	s := &Service{store: store, index: index, dim: dim}

	var accel *Accelerated
	if index != nil {
		accel = NewAccelerated(index)
	}
	s.searcher = NewResilient(accel, NewBruteForce(store), store, s.Repair)
	return s
}

// Backend names the accelerated backend, or "brute-force" when there is none.
func (s *Service) Backend() string {
	if s.index == nil {
		return "brute-force"
	}
	return s.index.Name()
}

// UpsertEmbedding stores vector for itemID. The backup write doubles as the
// fallback for a failed primary write; the call fails only when both fail.
// The accelerated index is updated best-effort.
func (s *Service) UpsertEmbedding(ctx context.Context, itemID string, vector []float32) error {
	logger := contextutil.LoggerFromContext(ctx)

	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidQuery)
	}

	primaryErr := s.store.Upsert(ctx, itemID, vector)
	if primaryErr != nil {
		logger.WarnContext(ctx, "primary embedding write failed, using backup", "item_id", itemID, "error", primaryErr)
	}

	if err := s.store.UpsertBackup(ctx, itemID, vector); err != nil {
		if primaryErr != nil {
			return &storage.QueryExecutionError{Op: "upsert embedding", Err: errors.Join(primaryErr, err)}
		}
		logger.WarnContext(ctx, "backup embedding write failed", "item_id", itemID, "error", err)
	}

	if s.index != nil {
		if err := s.index.Upsert(ctx, itemID, vector); err != nil {
			logger.WarnContext(ctx, "accelerated index upsert failed", "item_id", itemID, "backend", s.index.Name(), "error", err)
		}
	}
	return nil
}

// Search returns the k notes most similar to query.
func (s *Service) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", ErrInvalidQuery)
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be greater than 0", ErrInvalidQuery)
	}
	return s.searcher.Search(ctx, query, k)
}

// Vector returns the stored vector for itemID, preferring the primary store.
func (s *Service) Vector(ctx context.Context, itemID string) ([]float32, error) {
	rec, err := s.store.Get(ctx, itemID)
	if err == nil {
		return rec.Vector, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	backups, berr := s.store.ListBackups(ctx)
	if berr != nil {
		return nil, berr
	}
	for _, b := range backups {
		if b.ItemID == itemID {
			return b.Vector, nil
		}
	}
	return nil, err
}

// Remove drops itemIDs from the accelerated index. Primary and backup rows
// are removed together with the items.
func (s *Service) Remove(ctx context.Context, itemIDs []string) error {
	if s.index == nil || len(itemIDs) == 0 {
		return nil
	}
	return s.index.Delete(ctx, itemIDs)
}

// Forget drops the accelerated entries of removed notes. Failures are
// logged; a stale entry is filtered out at search time anyway.
func (s *Service) Forget(ctx context.Context, removed []storage.Item) {
	var ids []string
	for _, item := range removed {
		if item.Type == storage.ItemTypeNote {
			ids = append(ids, item.ID)
		}
	}
	if err := s.Remove(ctx, ids); err != nil {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "failed to drop accelerated entries",
			"count", len(ids), "error", err)
	}
}

// Repair prunes backups of deleted items, restores missing primary rows from
// backups and replays every vector into the accelerated index. Vectors whose
// dimension does not match are skipped.
func (s *Service) Repair(ctx context.Context) (*RepairReport, error) {
	logger := contextutil.LoggerFromContext(ctx)
	report := &RepairReport{}

	pruned, err := s.store.PruneOrphanBackups(ctx)
	if err != nil {
		return nil, err
	}
	report.Pruned = pruned

	primary, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	backups, err := s.store.ListBackups(ctx)
	if err != nil {
		return nil, err
	}

	vectors := make(map[string][]float32, len(primary)+len(backups))
	for _, rec := range primary {
		vectors[rec.ItemID] = rec.Vector
	}

	for _, rec := range backups {
		if _, ok := vectors[rec.ItemID]; ok {
			continue
		}
		if s.dim > 0 && len(rec.Vector) != s.dim {
			report.Skipped++
			continue
		}
		if err := s.store.Upsert(ctx, rec.ItemID, rec.Vector); err != nil {
			logger.WarnContext(ctx, "failed to restore embedding", "item_id", rec.ItemID, "error", err)
			continue
		}
		vectors[rec.ItemID] = rec.Vector
		report.Restored++
	}

	if s.index != nil {
		for id, vec := range vectors {
			if s.dim > 0 && len(vec) != s.dim {
				report.Skipped++
				continue
			}
			if err := s.index.Upsert(ctx, id, vec); err != nil {
				logger.WarnContext(ctx, "failed to reindex embedding", "item_id", id, "error", err)
				continue
			}
			report.Reindexed++
		}
	}

	logger.InfoContext(ctx, "embedding repair completed",
		"restored", report.Restored, "reindexed", report.Reindexed,
		"skipped", report.Skipped, "pruned", report.Pruned)
	return report, nil
}

// Stats reports embedding coverage. A failing accelerated count is reported
// as -1.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	embedded, err := s.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	backups, err := s.store.CountBackups(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Embedded: embedded, Backups: backups, Backend: s.Backend()}
	if s.index != nil {
		if stats.Accelerated, err = s.index.Count(ctx); err != nil {
			contextutil.LoggerFromContext(ctx).WarnContext(ctx, "failed to count accelerated index", "error", err)
			stats.Accelerated = -1
		}
	}
	return stats, nil
}
