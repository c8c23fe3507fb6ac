package ingestion_engine

import (
	"context"

	"github.com/markdave123-py/contexta/internal/models"
)

// Ingestor indexes a knowledge record, replacing any chunks it already has.
// Both methods return the number of chunks written.
type Ingestor interface {
	Index(ctx context.Context, rec *models.KnowledgeRecord, artifact []byte, formatHint string) (int, error)
	IndexText(ctx context.Context, rec *models.KnowledgeRecord, text string) (int, error)
}

var _ Ingestor = (*DocumentIngestor)(nil)
