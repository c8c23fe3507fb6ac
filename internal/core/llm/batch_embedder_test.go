package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta/internal/core"
)

type countingProvider struct {
	batches  [][]string
	failures int
	err      error
}

func (p *countingProvider) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	if p.failures > 0 {
		p.failures--
		return nil, p.err
	}
	p.batches = append(p.batches, append([]string(nil), texts...))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func TestBatchEmbedderRespectsBatchSizeAndOrder(t *testing.T) {
	p := &countingProvider{}
	b := NewBatchEmbedder(p, WithBatchSize(10))

	texts := make([]string, 23)
	for i := range texts {
		texts[i] = string(make([]byte, i+1))
	}
	vecs, err := b.EmbedDocuments(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 23)
	for i, v := range vecs {
		assert.Equal(t, float32(i+1), v[0])
	}

	require.Len(t, p.batches, 3)
	assert.Len(t, p.batches[0], 10)
	assert.Len(t, p.batches[1], 10)
	assert.Len(t, p.batches[2], 3)
}

func TestBatchEmbedderRetriesTransientFailures(t *testing.T) {
	p := &countingProvider{failures: 2, err: errors.New("429 rate limited")}
	b := NewBatchEmbedder(p, WithRetries(3, time.Millisecond))

	vecs, err := b.EmbedDocuments(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
}

func TestBatchEmbedderGivesUpWithEmbeddingError(t *testing.T) {
	p := &countingProvider{failures: 100, err: errors.New("401 unauthorized")}
	b := NewBatchEmbedder(p, WithBatchSize(1), WithRetries(1, time.Millisecond))

	_, err := b.EmbedDocuments(context.Background(), []string{"a", "b"})
	var ee *core.EmbeddingError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 0, ee.Batch)
	assert.ErrorContains(t, err, "401")
}

func TestBatchEmbedderEmbedQuery(t *testing.T) {
	b := NewBatchEmbedder(&countingProvider{})
	v, err := b.EmbedQuery(context.Background(), "four")
	require.NoError(t, err)
	assert.Equal(t, []float32{4}, v)
}

func TestTesseractUnavailableWithoutBuildTag(t *testing.T) {
	if _, err := NewTesseractOCR(nil); err != nil {
		assert.ErrorIs(t, err, core.ErrOCRUnavailable)
	}
}
