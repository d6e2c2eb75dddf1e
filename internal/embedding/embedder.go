package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// DefaultModel is the OpenAI model used for generating embeddings.
	DefaultModel = "text-embedding-3-small"

	// Dimension is the vector dimension for text-embedding-3-small.
	// This matches storage.VectorDimension (1536).
	Dimension = 1536

	// DefaultBatchSize balances requests-per-minute vs tokens-per-minute rate limits.
	// OpenAI supports up to 2048 texts per batch, but smaller batches reduce TPM pressure.
	DefaultBatchSize = 500
)

// EmbeddingError reports a failed embedding request. StatusCode is zero when
// the request never got an HTTP response.
type EmbeddingError struct {
	StatusCode int
	Err        error
}

func (e *EmbeddingError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("embedding request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("embedding request failed: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

// embeddingsAPI is the subset of the OpenAI client used here.
type embeddingsAPI interface {
	New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
}

// Embedder turns text into fixed-dimension vectors.
// It does not retry; callers retry the whole unit of work.
type Embedder struct {
	api       embeddingsAPI
	model     string
	batchSize int
}

// NewEmbedder creates an Embedder. An empty model uses DefaultModel and a
// non-positive batchSize uses DefaultBatchSize.
func NewEmbedder(client *Client, model string, batchSize int) *Embedder {
	return newEmbedder(&client.client.Embeddings, model, batchSize)
}

func newEmbedder(api embeddingsAPI, model string, batchSize int) *Embedder {
	if model == "" {
		model = DefaultModel
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Embedder{api: api, model: model, batchSize: batchSize}
}

// Embed returns the vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, in input order.
// Requests carry at most batchSize inputs each.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	all := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))
		vecs, err := e.embed(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", i, end, err)
		}
		all = append(all, vecs...)
	}
	return all, nil
}

func (e *Embedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.api.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, wrapError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, &EmbeddingError{Err: fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(texts))}
	}

	embeddings := make([][]float32, len(texts))
	for i, data := range resp.Data {
		idx := int(data.Index)
		if idx < 0 || idx >= len(texts) {
			idx = i
		}
		if len(data.Embedding) != Dimension {
			return nil, &EmbeddingError{Err: fmt.Errorf("unexpected dimension %d, want %d", len(data.Embedding), Dimension)}
		}
		embeddings[idx] = toFloat32(data.Embedding)
	}
	for i, v := range embeddings {
		if v == nil {
			return nil, &EmbeddingError{Err: fmt.Errorf("missing embedding for input %d", i)}
		}
	}
	return embeddings, nil
}

func wrapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &EmbeddingError{StatusCode: apiErr.StatusCode, Err: err}
	}
	return &EmbeddingError{Err: err}
}

// toFloat32 converts []float64 to []float32.
// OpenAI API returns float64, but storage uses float32 for memory efficiency.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
