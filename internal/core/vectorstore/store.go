// Package vectorstore persists chunks and serves similarity search over them.
//
// Two backends implement Store: FileStore keeps every record in a single JSON
// document and scores in process; ExternalStore delegates storage and ANN
// search to a vector database through an IndexClient. The backend is chosen
// once at process start and changes persistence only, never the contract.
package vectorstore

import (
	"context"

	"github.com/markdave123-py/contexta/internal/models"
)

// Store is the capability set shared by all backends.
type Store interface {
	// AddMany assigns ids where missing, stamps CreatedAt and persists the
	// chunks before returning their ids in input order.
	AddMany(ctx context.Context, chunks []models.Chunk) ([]string, error)

	// List returns every chunk matching pred.
	List(ctx context.Context, pred Predicate) ([]models.Chunk, error)

	// Count returns the number of chunks matching pred.
	Count(ctx context.Context, pred Predicate) (int, error)

	// SimilaritySearch returns at most topK chunks matching pred, best first.
	SimilaritySearch(ctx context.Context, query []float32, topK int, pred Predicate) ([]ScoredChunk, error)

	// RemoveWhere deletes every match in one logical operation and returns
	// the count. Nothing matching is not an error.
	RemoveWhere(ctx context.Context, pred Predicate) (int, error)

	// UpdateWhere applies mutate to every match. Metadata is always
	// rewritten; text (and its vector) only when mutate changed it.
	UpdateWhere(ctx context.Context, pred Predicate, mutate func(*models.Chunk)) (int, error)

	Close() error
}

// ScoredChunk is a search hit. Higher scores are more similar.
type ScoredChunk struct {
	models.Chunk
	Score float64 `json:"score"`
}

// Embedder re-embeds chunk text when UpdateWhere changes it.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}
