package vectorstore

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_index.go -package=mocks notevault/internal/vectorstore Index

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the accelerated backend cannot be used,
// e.g. the vec0 module is not loaded.
var ErrUnavailable = errors.New("vector index unavailable")

// Match is one nearest-neighbour hit. Score is a cosine similarity where
// higher is closer.
type Match struct {
	ItemID string
	Score  float32
}

// Index defines the accelerated nearest-neighbour index kept beside the
// primary embedding store.
type Index interface {
	// Name identifies the backend in logs and stats.
	Name() string

	// Upsert inserts or replaces the vector for itemID.
	Upsert(ctx context.Context, itemID string, vec []float32) error

	// Search returns up to k matches ordered by descending score.
	Search(ctx context.Context, query []float32, k int) ([]Match, error)

	// Delete removes the vectors for the given item IDs.
	Delete(ctx context.Context, itemIDs []string) error

	// Count returns the number of indexed vectors.
	Count(ctx context.Context) (int, error)
}
