package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"notevault/internal/contextutil"
)

// ErrEmbeddingService is returned when the remote service fails or returns
// an unusable response.
var ErrEmbeddingService = errors.New("embedding service error")

// DefaultMaxInputRunes bounds the text sent per input. Longer notes are cut;
// the title and opening paragraphs carry most of the signal.
const DefaultMaxInputRunes = 2000

// EmbeddingsClient calls an OpenAI-compatible /v1/embeddings endpoint.
type EmbeddingsClient struct {
	BaseURL       string
	APIKey        string
	Model         string
	Dimension     int // Every returned vector must have this size
	MaxInputRunes int
	client        *http.Client
}

// NewEmbeddingsClient creates a new embeddings client. dimension is the
// configured VECTOR_SIZE.
func NewEmbeddingsClient(baseURL, apiKey, model string, dimension int) *EmbeddingsClient {
	return &EmbeddingsClient{
		BaseURL:       baseURL,
		APIKey:        apiKey,
		Model:         model,
		Dimension:     dimension,
		MaxInputRunes: DefaultMaxInputRunes,
		client:        &http.Client{Timeout: 60 * time.Second},
	}
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type embeddingsResponse struct {
	Data []embeddingData `json:"data"`
}

// EmbedText returns the vector for a single text.
func (c *EmbeddingsClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedTexts returns one vector per input, in input order.
func (c *EmbeddingsClient) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if len(texts) == 0 {
		return nil, fmt.Errorf("empty input array")
	}

	input := make([]string, len(texts))
	for i, text := range texts {
		input[i] = truncateRunes(text, c.MaxInputRunes)
	}

	body, err := json.Marshal(embeddingsRequest{Model: c.Model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingService, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingService, resp.StatusCode, string(raw))
	}

	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %w", ErrEmbeddingService, err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrEmbeddingService, len(texts), len(parsed.Data))
	}

	sort.SliceStable(parsed.Data, func(i, j int) bool {
		return parsed.Data[i].Index < parsed.Data[j].Index
	})

	vectors := make([][]float32, len(parsed.Data))
	for i, data := range parsed.Data {
		if len(data.Embedding) != c.Dimension {
			return nil, fmt.Errorf("%w: embedding %d has size %d, expected %d",
				ErrEmbeddingService, i, len(data.Embedding), c.Dimension)
		}
		vec := make([]float32, len(data.Embedding))
		for j, v := range data.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vec
	}

	logger.DebugContext(ctx, "embedded texts", "count", len(texts), "duration", time.Since(start))
	return vectors, nil
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
