package semantic

import (
	"context"

	"notevault/internal/contextutil"
	"notevault/internal/storage"
)

// RepairFunc replays stored embeddings into the primary store and the
// accelerated index.
type RepairFunc func(ctx context.Context) (*RepairReport, error)

// Resilient prefers the accelerated searcher and degrades to brute force.
// An empty accelerated index triggers one repair and one retry before the
// fallback. accel may be nil when the capability check failed.
type Resilient struct {
	accel  *Accelerated
	brute  *BruteForce
	store  EmbeddingStore
	repair RepairFunc
}

// NewResilient creates the two-tier searcher.
func NewResilient(accel *Accelerated, brute *BruteForce, store EmbeddingStore, repair RepairFunc) *Resilient {
	return &Resilient{accel: accel, brute: brute, store: store, repair: repair}
}

// Search implements Searcher.
func (r *Resilient) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if r.accel != nil {
		results, ok := r.searchAccelerated(ctx, query, k)
		if ok {
			return results, nil
		}
	}

	// The primary store may have been dropped by a migration while backups
	// survived.
	if n, err := r.store.Count(ctx); err == nil && n == 0 {
		if backups, err := r.store.CountBackups(ctx); err == nil && backups > 0 {
			logger.InfoContext(ctx, "primary embeddings empty, repairing from backups", "backups", backups)
			if _, err := r.repair(ctx); err != nil {
				logger.WarnContext(ctx, "embedding repair failed", "error", err)
			}
		}
	}

	results, err := r.brute.Search(ctx, query, k)
	if err != nil {
		return nil, &storage.QueryExecutionError{Op: "similarity search", Err: err}
	}
	return results, nil
}

// searchAccelerated returns ok=false when the caller should fall back.
func (r *Resilient) searchAccelerated(ctx context.Context, query []float32, k int) ([]Result, bool) {
	logger := contextutil.LoggerFromContext(ctx)

	n, err := r.accel.Count(ctx)
	if err != nil {
		logger.WarnContext(ctx, "accelerated index unavailable", "error", err)
		return nil, false
	}
	if n == 0 {
		logger.InfoContext(ctx, "accelerated index empty, repairing")
		if _, err := r.repair(ctx); err != nil {
			logger.WarnContext(ctx, "embedding repair failed", "error", err)
			return nil, false
		}
		if n, err = r.accel.Count(ctx); err != nil || n == 0 {
			return nil, false
		}
	}

	results, err := r.accel.Search(ctx, query, k)
	if err != nil {
		logger.WarnContext(ctx, "accelerated search failed, falling back", "error", err)
		return nil, false
	}
	if len(results) == 0 {
		logger.DebugContext(ctx, "accelerated search returned nothing, falling back")
		return nil, false
	}
	return results, true
}
