// Package embed wraps the external embedding service behind a small client
// interface, adding the guarantees the pipeline relies on: constant vector
// dimensionality, bounded retry on transient failures, and request batching
// to keep embedding-service call volume down.
package embed

import (
	"context"
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/ai"
)

// ErrDimensionMismatch indicates the embedding service returned a vector of
// unexpected length. This is a hard error: a mixed-dimension index silently
// corrupts similarity search.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ErrEmptyEmbedding indicates the service returned no vector for an input.
var ErrEmptyEmbedding = errors.New("empty embedding returned")

// Client is the consumer-side interface to the embedding service.
// One call embeds a batch of texts; the returned slice is index-aligned
// with the input.
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// GenkitClient adapts a Genkit ai.Embedder to Client, enforcing the
// configured output dimension on every vector.
type GenkitClient struct {
	embedder ai.Embedder
	dim      int
}

// NewGenkitClient wraps embedder. dim is the dimensionality every returned
// vector must have.
func NewGenkitClient(embedder ai.Embedder, dim int) *GenkitClient {
	return &GenkitClient{embedder: embedder, dim: dim}
}

// Dimension returns the enforced vector dimensionality.
func (c *GenkitClient) Dimension() int { return c.dim }

// Embed embeds texts in a single request.
func (c *GenkitClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	input := make([]*ai.Document, len(texts))
	for i, t := range texts {
		input[i] = ai.DocumentFromText(t, nil)
	}

	resp, err := c.embedder.Embed(ctx, &ai.EmbedRequest{Input: input})
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(texts), err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed: got %d embeddings for %d texts: %w",
			len(resp.Embeddings), len(texts), ErrEmptyEmbedding)
	}

	vectors := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if e == nil || len(e.Embedding) == 0 {
			return nil, fmt.Errorf("embed input %d: %w", i, ErrEmptyEmbedding)
		}
		if len(e.Embedding) != c.dim {
			return nil, fmt.Errorf("embed input %d: got %d dimensions, want %d: %w",
				i, len(e.Embedding), c.dim, ErrDimensionMismatch)
		}
		vectors[i] = e.Embedding
	}
	return vectors, nil
}
