package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/markdave123-py/contexta/internal/services"
)

// KnowledgeOps is the part of the knowledge service jobs drive.
type KnowledgeOps interface {
	Index(ctx context.Context, id int64) (int, error)
	IngestText(ctx context.Context, title, text, business, scene string, policy services.SameTitlePolicy) (*services.IndexResult, error)
	DeleteByPath(ctx context.Context, key string) error
	SetExpiredByPath(ctx context.Context, key string, expired bool) (int, error)
}

// Outcome summarizes a handled job for notifications.
type Outcome struct {
	KnowledgeIDs []int64
	Chunks       int
}

// Dispatcher maps job types onto service calls. Batch jobs run every item
// and return the joined errors of the failed ones.
type Dispatcher struct {
	svc    KnowledgeOps
	logger *slog.Logger
}

func NewDispatcher(svc KnowledgeOps, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{svc: svc, logger: logger.With("component", "dispatcher")}
}

func (d *Dispatcher) Handle(ctx context.Context, job Job) (Outcome, error) {
	var out Outcome
	switch job.Type {
	case JobDocumentIngest:
		var p DocumentIngestPayload
		if err := job.Decode(&p); err != nil {
			return out, err
		}
		out.KnowledgeIDs = []int64{p.KnowledgeID}
		n, err := d.svc.Index(ctx, p.KnowledgeID)
		out.Chunks = n
		return out, err

	case JobBatchIngest:
		var p BatchIngestPayload
		if err := job.Decode(&p); err != nil {
			return out, err
		}
		var errs []error
		for _, id := range p.KnowledgeIDs {
			out.KnowledgeIDs = append(out.KnowledgeIDs, id)
			n, err := d.svc.Index(ctx, id)
			if err != nil {
				d.logger.Error("batch item failed", "knowledge_id", id, "error", err)
				errs = append(errs, fmt.Errorf("knowledge %d: %w", id, err))
				continue
			}
			out.Chunks += n
		}
		return out, errors.Join(errs...)

	case JobTextIngest:
		var p TextIngestPayload
		if err := job.Decode(&p); err != nil {
			return out, err
		}
		res, err := d.svc.IngestText(ctx, p.Title, p.Text, p.Business, p.Scene, services.SameTitleReplace)
		if err != nil {
			return out, err
		}
		out.KnowledgeIDs = []int64{res.Record.ID}
		out.Chunks = res.Chunks
		return out, nil

	case JobDeleteByPath:
		var p DeleteByPathPayload
		if err := job.Decode(&p); err != nil {
			return out, err
		}
		return out, d.svc.DeleteByPath(ctx, p.Path)

	case JobDeleteByPaths:
		var p DeleteByPathsPayload
		if err := job.Decode(&p); err != nil {
			return out, err
		}
		var errs []error
		for _, path := range p.Paths {
			if err := d.svc.DeleteByPath(ctx, path); err != nil {
				d.logger.Error("batch delete failed", "path", path, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
			}
		}
		return out, errors.Join(errs...)

	case JobExpireToggleByPath:
		var p ExpireTogglePayload
		if err := job.Decode(&p); err != nil {
			return out, err
		}
		n, err := d.svc.SetExpiredByPath(ctx, p.Path, p.Expired)
		out.Chunks = n
		return out, err

	case JobExpireToggleByPaths:
		var p ExpireTogglesPayload
		if err := job.Decode(&p); err != nil {
			return out, err
		}
		var errs []error
		for _, path := range p.Paths {
			n, err := d.svc.SetExpiredByPath(ctx, path, p.Expired)
			if err != nil {
				d.logger.Error("batch expire failed", "path", path, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
				continue
			}
			out.Chunks += n
		}
		return out, errors.Join(errs...)
	}
	return out, fmt.Errorf("unknown job type %q", job.Type)
}
