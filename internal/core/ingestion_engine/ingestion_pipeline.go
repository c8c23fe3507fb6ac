package ingestion_engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/markdave123-py/contexta/internal/core/vectorstore"
	"github.com/markdave123-py/contexta/internal/models"
)

func NewDocumentIngestor(extractor LineExtractor, splitter *Splitter, embedder DocumentEmbedder, store vectorstore.Store, opts ...IngestorOption) *DocumentIngestor {
	i := &DocumentIngestor{
		extractor: extractor,
		splitter:  splitter,
		embedder:  embedder,
		store:     store,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With("component", "ingestor")
	return i
}

// Index extracts, cleans and splits the artifact, then replaces the record's
// chunks. Prior chunks are removed before embedding starts, so a failed
// embedding leaves the record with no chunks instead of a stale set.
func (i *DocumentIngestor) Index(ctx context.Context, rec *models.KnowledgeRecord, artifact []byte, formatHint string) (int, error) {
	lines, err := i.extractor.ExtractWithPosition(ctx, artifact, formatHint)
	if err != nil {
		return 0, err
	}
	return i.indexLines(ctx, rec, lines)
}

// IndexText indexes inline text as a single-page document.
func (i *DocumentIngestor) IndexText(ctx context.Context, rec *models.KnowledgeRecord, text string) (int, error) {
	return i.indexLines(ctx, rec, textLines(text, 1))
}

func (i *DocumentIngestor) indexLines(ctx context.Context, rec *models.KnowledgeRecord, lines []models.PositionedLine) (int, error) {
	start := time.Now()
	log := i.logger.With("knowledge_id", rec.ID, "type", rec.Type)

	pieces := i.splitter.Split(CleanLines(lines))
	log.Debug("document split", "lines", len(lines), "pieces", len(pieces))

	tok, err := vectorstore.BeginReplace(ctx, i.store, rec.ID)
	if err != nil {
		return 0, err
	}
	if tok.Removed() > 0 {
		log.Info("previous chunks removed", "count", tok.Removed())
	}

	texts := make([]string, len(pieces))
	for k, p := range pieces {
		texts[k] = p.Text
	}
	vecs, err := i.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return 0, err
	}
	if len(vecs) != len(pieces) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(pieces))
	}

	chunks := make([]models.Chunk, len(pieces))
	for k, p := range pieces {
		chunks[k] = models.Chunk{
			Text:      p.Text,
			Embedding: vecs[k],
			Metadata: models.ChunkMetadata{
				KnowledgeID: rec.ID,
				SourceType:  rec.Type,
				Title:       rec.Title,
				Business:    rec.Business,
				Scene:       rec.Scene,
				Status:      rec.Status,
				IsActive:    rec.IsActive(),
				ChunkIndex:  k,
				Span:        p.Span,
			},
		}
	}

	if _, err := tok.Commit(ctx, chunks); err != nil {
		return 0, err
	}

	log.Info("knowledge indexed", "chunks", len(chunks), "elapsed", time.Since(start))
	if i.onIndexed != nil {
		i.onIndexed(len(chunks))
	}
	return len(chunks), nil
}
