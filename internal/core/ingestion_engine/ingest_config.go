package ingestion_engine

import (
	"context"
	"log/slog"

	"github.com/markdave123-py/contexta/internal/core/vectorstore"
	"github.com/markdave123-py/contexta/internal/models"
)

// LineExtractor produces positioned lines from an artifact.
type LineExtractor interface {
	ExtractWithPosition(ctx context.Context, artifact []byte, formatHint string) ([]models.PositionedLine, error)
}

// DocumentEmbedder embeds chunk texts, batching as the provider requires.
type DocumentEmbedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// DocumentIngestor runs one knowledge record through the pipeline:
//
// extractor: artifact -> positioned lines.
// splitter:  cleaned lines -> size-bounded pieces with spans.
// embedder:  piece texts -> vectors.
// store:     vector store receiving the new generation of chunks.
// onIndexed: optional hook called with the number of chunks written.
type DocumentIngestor struct {
	extractor LineExtractor
	splitter  *Splitter
	embedder  DocumentEmbedder
	store     vectorstore.Store
	logger    *slog.Logger
	onIndexed func(chunks int)
}

type IngestorOption func(*DocumentIngestor)

func WithIngestorLogger(l *slog.Logger) IngestorOption {
	return func(i *DocumentIngestor) { i.logger = l }
}

func WithIndexedHook(fn func(chunks int)) IngestorOption {
	return func(i *DocumentIngestor) { i.onIndexed = fn }
}
