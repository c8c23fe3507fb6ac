package core

import (
	"context"

	"github.com/markdave123-py/contexta/internal/models"
)

// KnowledgeRepository is the relational system of record for knowledge rows.
// Lookups return (nil, nil) when nothing matches; mutations on a missing id
// return ErrNotFound.
type KnowledgeRepository interface {
	Create(ctx context.Context, rec *models.KnowledgeRecord) error
	Get(ctx context.Context, id int64) (*models.KnowledgeRecord, error)
	GetByTitle(ctx context.Context, title string) (*models.KnowledgeRecord, error)
	GetByFileURL(ctx context.Context, fileURL string) (*models.KnowledgeRecord, error)
	List(ctx context.Context, limit, offset int) ([]models.KnowledgeRecord, error)
	Update(ctx context.Context, rec *models.KnowledgeRecord) error
	UpdateStatus(ctx context.Context, id int64, status string) error
	IncrementReferNum(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error

	Close() error
}

// ObjectClient stores uploaded artifacts. Keys are opaque to callers.
type ObjectClient interface {
	Put(ctx context.Context, name string, data []byte, contentType string) (key string, err error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
