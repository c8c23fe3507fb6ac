package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/models"
)

// ReplaceToken is the handle between removing a knowledge record's chunks
// and adding their replacement. There is no cross-operation transaction:
// between BeginReplace and Commit the record has zero chunks.
type ReplaceToken struct {
	store       Store
	knowledgeID int64
	removed     int
	committed   bool
}

// BeginReplace removes every chunk of knowledgeID and returns the token for
// adding the new generation. Removing nothing is not an error.
func BeginReplace(ctx context.Context, store Store, knowledgeID int64) (*ReplaceToken, error) {
	n, err := store.RemoveWhere(ctx, ByKnowledgeID(knowledgeID))
	if err != nil {
		return nil, fmt.Errorf("remove previous chunks of %d: %w", knowledgeID, err)
	}
	return &ReplaceToken{store: store, knowledgeID: knowledgeID, removed: n}, nil
}

func (t *ReplaceToken) KnowledgeID() int64 { return t.knowledgeID }

// Removed is the number of chunks BeginReplace deleted.
func (t *ReplaceToken) Removed() int { return t.removed }

// Commit adds the new generation. Every chunk must carry the token's
// knowledge id. If the add fails, whatever part of it landed is removed so
// the record is left with no chunks rather than a partial set.
func (t *ReplaceToken) Commit(ctx context.Context, chunks []models.Chunk) ([]string, error) {
	if t.committed {
		return nil, core.ErrReplaceCommitted
	}
	for i, c := range chunks {
		if c.Metadata.KnowledgeID != t.knowledgeID {
			return nil, fmt.Errorf("chunk %d belongs to knowledge %d, not %d", i, c.Metadata.KnowledgeID, t.knowledgeID)
		}
	}
	t.committed = true

	ids, err := t.store.AddMany(ctx, chunks)
	if err != nil {
		if _, cerr := t.store.RemoveWhere(context.WithoutCancel(ctx), ByKnowledgeID(t.knowledgeID)); cerr != nil {
			return nil, errors.Join(err, fmt.Errorf("cleanup partial add: %w", cerr))
		}
		return nil, err
	}
	return ids, nil
}

// Abort removes anything added for the knowledge id since BeginReplace.
func (t *ReplaceToken) Abort(ctx context.Context) error {
	t.committed = true
	_, err := t.store.RemoveWhere(ctx, ByKnowledgeID(t.knowledgeID))
	return err
}
