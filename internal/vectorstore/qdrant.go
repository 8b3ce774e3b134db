package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/qdrant/go-client/qdrant"

	"notevault/internal/contextutil"
)

// QdrantIndex implements Index on a Qdrant collection. Point IDs are the
// item UUIDs, so no payload is needed to map hits back to items.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
}

// qdrantAddr derives the gRPC host and port from an HTTP URL such as
// "http://localhost:6333". The gRPC port is the HTTP port + 1.
func qdrantAddr(urlStr string) (string, int, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid Qdrant URL: %w", err)
	}

	host := parsedURL.Hostname()
	if host == "" {
		host = "localhost"
	}

	port := 6334 // Default gRPC port
	if parsedURL.Port() != "" {
		httpPort, err := strconv.Atoi(parsedURL.Port())
		if err == nil {
			port = httpPort + 1
		}
	}
	return host, port, nil
}

// NewQdrantIndex creates a Qdrant client for the given collection.
func NewQdrantIndex(urlStr, collection string) (*QdrantIndex, error) {
	host, port, err := qdrantAddr(urlStr)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}

	return &QdrantIndex{
		client:     client,
		collection: collection,
	}, nil
}

// Name implements Index.
func (s *QdrantIndex) Name() string {
	return "qdrant"
}

// Upsert inserts or replaces the vector for itemID.
func (s *QdrantIndex) Upsert(ctx context.Context, itemID string, vec []float32) error {
	logger := contextutil.LoggerFromContext(ctx)

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(itemID),
			Vectors: qdrant.NewVectors(vec...),
		}},
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to upsert point", "collection", s.collection, "item_id", itemID, "error", err)
		return fmt.Errorf("failed to upsert point: %w", err)
	}

	logger.DebugContext(ctx, "upserted point", "collection", s.collection, "item_id", itemID)
	return nil
}

// Search returns up to k matches. The collection uses cosine distance, so
// Qdrant's score is already a similarity.
func (s *QdrantIndex) Search(ctx context.Context, query []float32, k int) ([]Match, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if k <= 0 {
		return nil, fmt.Errorf("k must be greater than 0")
	}

	limit := uint64(k)
	scoredPoints, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          &limit,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to search points", "collection", s.collection, "k", k, "error", err)
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	matches := make([]Match, 0, len(scoredPoints))
	for _, point := range scoredPoints {
		if point.Id == nil || point.Id.GetUuid() == "" {
			continue
		}
		matches = append(matches, Match{ItemID: point.Id.GetUuid(), Score: point.Score})
	}

	logger.DebugContext(ctx, "search completed", "collection", s.collection, "k", k, "results", len(matches))
	return matches, nil
}

// Delete removes points by item ID.
func (s *QdrantIndex) Delete(ctx context.Context, itemIDs []string) error {
	logger := contextutil.LoggerFromContext(ctx)

	if len(itemIDs) == 0 {
		return nil
	}

	ids := make([]*qdrant.PointId, 0, len(itemIDs))
	for _, id := range itemIDs {
		ids = append(ids, qdrant.NewID(id))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelector(ids...),
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to delete points", "collection", s.collection, "count", len(itemIDs), "error", err)
		return fmt.Errorf("failed to delete points: %w", err)
	}

	logger.DebugContext(ctx, "deleted points", "collection", s.collection, "count", len(itemIDs))
	return nil
}

// Count returns the exact number of points in the collection.
func (s *QdrantIndex) Count(ctx context.Context) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying gRPC connection.
func (s *QdrantIndex) Close() error {
	return s.client.Close()
}

// EnsureCollection ensures the collection exists with the specified vector size.
// If the collection exists, validates that the vector size matches.
// If it doesn't exist, creates it with cosine distance.
func (s *QdrantIndex) EnsureCollection(ctx context.Context, vectorSize int) error {
	logger := contextutil.LoggerFromContext(ctx)

	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}

	if !exists {
		logger.InfoContext(ctx, "creating collection", "collection", s.collection, "vector_size", vectorSize)
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(vectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		return nil
	}

	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to get collection info: %w", err)
	}

	actualSize := collectionVectorSize(info)
	if actualSize == 0 {
		return fmt.Errorf("could not determine collection vector size")
	}
	if actualSize != vectorSize {
		return fmt.Errorf("collection vector size mismatch: expected %d, got %d", vectorSize, actualSize)
	}

	logger.InfoContext(ctx, "collection validated", "collection", s.collection, "vector_size", vectorSize)
	return nil
}

// collectionVectorSize extracts the configured vector size, or 0 when the
// collection uses named vectors or the config is missing.
func collectionVectorSize(info *qdrant.CollectionInfo) int {
	if info == nil || info.Config == nil || info.Config.Params == nil {
		return 0
	}
	vectorsConfig := info.Config.Params.GetVectorsConfig()
	if vectorsConfig == nil {
		return 0
	}
	params := vectorsConfig.GetParams()
	if params == nil {
		return 0
	}
	return int(params.Size)
}
