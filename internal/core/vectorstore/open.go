package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/markdave123-py/contexta/internal/config"
)

// Open builds the backend selected by cfg. It is called once at process
// start; the returned Store is shared by the ingestor, the service and the
// queue consumer and closed on shutdown.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (Store, error) {
	switch cfg.VectorStore {
	case "file":
		return OpenFileStore(cfg.VectorFilePath, opts...)
	case "qdrant":
		client, err := NewQdrantClient(ctx, QdrantConfig{
			URL:        strings.TrimRight(cfg.QdrantURL, "/"),
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dimension:  cfg.EmbedDim,
		})
		if err != nil {
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		return NewExternalStore(client, opts...), nil
	case "pgvector":
		client, err := NewPgvectorClient(ctx, PgvectorConfig{
			DSN:       cfg.DatabaseURL,
			Table:     cfg.PgvectorTable,
			Dimension: cfg.EmbedDim,
		})
		if err != nil {
			return nil, fmt.Errorf("pgvector: %w", err)
		}
		return NewExternalStore(client, opts...), nil
	default:
		return nil, fmt.Errorf("unknown vector store %q", cfg.VectorStore)
	}
}
