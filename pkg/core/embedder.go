package core

import (
	"context"
	"errors"
)

// Embedder is the opaque text-to-vector capability the storage engine
// calls to auto-embed content on insert/update and to backfill rows with a
// missing vector. Implementations wrap whatever inference engine a caller
// chooses (a local model, a hosted API); the engine treats it as a plain
// function and is agnostic to normalization beyond what CosineSimilarity
// already tolerates.
type Embedder interface {
	// Embed converts a single text string into a vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts into vectors in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dim returns the dimension of vectors this embedder produces.
	Dim() int
}

var (
	// ErrEmbedderNotConfigured is returned by text-based convenience
	// operations when no Embedder was wired in.
	ErrEmbedderNotConfigured = errors.New("core: embedder not configured")

	// ErrEmptyText is returned when an empty string is given where text
	// content is required.
	ErrEmptyText = errors.New("core: empty text")
)

// BaseEmbedder gives an Embed-only implementation a default EmbedBatch for
// free, fanning the batch out across goroutines.
type BaseEmbedder struct {
	EmbedFn func(ctx context.Context, text string) ([]float32, error)
	DimFn   func() int
}

func (b *BaseEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return b.EmbedFn(ctx, text)
}

func (b *BaseEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	type result struct {
		idx int
		vec []float32
		err error
	}

	ch := make(chan result, len(texts))
	for i, text := range texts {
		go func(idx int, t string) {
			vec, err := b.EmbedFn(ctx, t)
			ch <- result{idx: idx, vec: vec, err: err}
		}(i, text)
	}

	results := make([][]float32, len(texts))
	for range texts {
		r := <-ch
		if r.err != nil {
			return nil, r.err
		}
		results[r.idx] = r.vec
	}
	return results, nil
}

func (b *BaseEmbedder) Dim() int {
	return b.DimFn()
}
