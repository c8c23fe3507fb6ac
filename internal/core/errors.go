package core

import (
	"errors"
	"fmt"

	"github.com/markdave123-py/contexta/internal/models"
)

var (
	// ErrUnsupportedFormat is returned when no extractor handles the format hint.
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrOCRUnavailable is returned by OCR providers that were not compiled in or configured.
	ErrOCRUnavailable = errors.New("ocr provider unavailable")
	// ErrNotFound is returned by mutations on rows, artifacts or records that do not exist.
	ErrNotFound = errors.New("not found")
	// ErrQueueUnavailable is returned when publishing while the broker is unreachable.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrReplaceCommitted is returned when a replace token is committed twice.
	ErrReplaceCommitted = errors.New("replace already committed")
	// ErrTitleConflict matches any *TitleConflictError via errors.Is.
	ErrTitleConflict = errors.New("knowledge title already exists")
)

// ExtractionError reports an unreadable, corrupt or unsupported source.
type ExtractionError struct {
	Format string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Format, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// EmbeddingError reports a failed call to the embedding provider.
type EmbeddingError struct {
	Batch int
	Err   error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embed batch %d: %v", e.Batch, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// VectorStoreError reports a failed vector store operation.
type VectorStoreError struct {
	Op  string
	Err error
}

func (e *VectorStoreError) Error() string {
	return fmt.Sprintf("vector store %s: %v", e.Op, e.Err)
}

func (e *VectorStoreError) Unwrap() error { return e.Err }

// TitleConflictError is surfaced on the sync path when a title is already taken.
type TitleConflictError struct {
	Existing *models.KnowledgeRecord
}

func (e *TitleConflictError) Error() string {
	return fmt.Sprintf("knowledge %q already exists (id %d)", e.Existing.Title, e.Existing.ID)
}

func (e *TitleConflictError) Is(target error) bool { return target == ErrTitleConflict }
