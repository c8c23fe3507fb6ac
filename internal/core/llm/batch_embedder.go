package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/markdave123-py/contexta/internal/core"
)

// BatchEmbedder splits inputs into provider-sized batches and issues them one
// after another, retrying each batch with exponential backoff.
type BatchEmbedder struct {
	provider   core.EmbeddingProvider
	batchSize  int
	maxRetries uint64
	initial    time.Duration
	logger     *slog.Logger
}

type BatchOption func(*BatchEmbedder)

func WithBatchSize(n int) BatchOption {
	return func(b *BatchEmbedder) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

func WithRetries(n int, initial time.Duration) BatchOption {
	return func(b *BatchEmbedder) {
		if n >= 0 {
			b.maxRetries = uint64(n)
		}
		if initial > 0 {
			b.initial = initial
		}
	}
}

func WithBatchLogger(l *slog.Logger) BatchOption {
	return func(b *BatchEmbedder) { b.logger = l }
}

func NewBatchEmbedder(provider core.EmbeddingProvider, opts ...BatchOption) *BatchEmbedder {
	b := &BatchEmbedder{
		provider:   provider,
		batchSize:  10,
		maxRetries: 3,
		initial:    500 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "embedder")
	return b
}

// EmbedDocuments returns one vector per text in order. Any failed batch
// fails the whole call with an *core.EmbeddingError.
func (b *BatchEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start, n := 0, 0; start < len(texts); start, n = start+b.batchSize, n+1 {
		end := min(start+b.batchSize, len(texts))
		vecs, err := b.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, &core.EmbeddingError{Batch: n, Err: err}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedQuery embeds a single search query.
func (b *BatchEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := b.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, &core.EmbeddingError{Batch: 0, Err: err}
	}
	return vecs[0], nil
}

func (b *BatchEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.initial
	policy.MaxElapsedTime = 0

	var vecs [][]float32
	attempt := 0
	op := func() error {
		attempt++
		var err error
		vecs, err = b.provider.EmbedTexts(ctx, batch)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			b.logger.Warn("embedding batch failed", "attempt", attempt, "size", len(batch), "error", err)
			return err
		}
		if len(vecs) != len(batch) {
			return backoff.Permanent(fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(batch)))
		}
		return nil
	}

	retry := backoff.WithContext(backoff.WithMaxRetries(policy, b.maxRetries), ctx)
	if err := backoff.Retry(op, retry); err != nil {
		return nil, err
	}
	return vecs, nil
}
