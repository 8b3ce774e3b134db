package semantic

import (
	"context"
	"fmt"
	"sort"

	"notevault/internal/contextutil"
	"notevault/internal/storage"
	"notevault/internal/vectorstore"
)

// Result is one similar note.
type Result struct {
	ItemID string  `json:"itemId"`
	Score  float32 `json:"score"`
}

// Searcher answers "k most similar notes to query" requests.
type Searcher interface {
	Search(ctx context.Context, query []float32, k int) ([]Result, error)
}

// EmbeddingStore is the primary and backup embedding storage.
// *storage.EmbeddingRepo implements it.
type EmbeddingStore interface {
	Upsert(ctx context.Context, itemID string, vector []float32) error
	Get(ctx context.Context, itemID string) (*storage.EmbeddingRecord, error)
	ListAll(ctx context.Context) ([]storage.EmbeddingRecord, error)
	Count(ctx context.Context) (int, error)
	UpsertBackup(ctx context.Context, itemID string, vector []float32) error
	ListBackups(ctx context.Context) ([]storage.EmbeddingRecord, error)
	CountBackups(ctx context.Context) (int, error)
	PruneOrphanBackups(ctx context.Context) (int64, error)
}

// BruteForce scores every primary embedding against the query.
type BruteForce struct {
	store EmbeddingStore
}

// NewBruteForce creates a BruteForce searcher over store.
func NewBruteForce(store EmbeddingStore) *BruteForce {
	return &BruteForce{store: store}
}

// Search loads every embedding, sorts by cosine similarity and keeps the top k.
func (b *BruteForce) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	records, err := b.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}

	results := make([]Result, 0, len(records))
	for _, rec := range records {
		results = append(results, Result{ItemID: rec.ItemID, Score: Cosine(query, rec.Vector)})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}

	contextutil.LoggerFromContext(ctx).DebugContext(ctx, "brute-force search completed",
		"candidates", len(records), "results", len(results))
	return results, nil
}

// Accelerated delegates to a vectorstore.Index.
type Accelerated struct {
	index vectorstore.Index
}

// NewAccelerated wraps index.
func NewAccelerated(index vectorstore.Index) *Accelerated {
	return &Accelerated{index: index}
}

// Search queries the index.
func (a *Accelerated) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	matches, err := a.index.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		results = append(results, Result{ItemID: m.ItemID, Score: m.Score})
	}
	return results, nil
}

// Count returns the number of indexed vectors.
func (a *Accelerated) Count(ctx context.Context) (int, error) {
	return a.index.Count(ctx)
}
