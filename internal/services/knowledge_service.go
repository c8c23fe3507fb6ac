package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/markdave123-py/contexta/internal/core"
	ingest "github.com/markdave123-py/contexta/internal/core/ingestion_engine"
	"github.com/markdave123-py/contexta/internal/core/vectorstore"
	"github.com/markdave123-py/contexta/internal/models"
)

// SameTitlePolicy decides what registering an already used title does.
type SameTitlePolicy int

const (
	// SameTitleConflict rejects the request with a TitleConflictError.
	SameTitleConflict SameTitlePolicy = iota
	// SameTitleReplace turns the request into an update of the existing record.
	SameTitleReplace
)

// DocumentRequest describes a document to create or update. Either Data
// (an uploaded artifact) or Text (inline content) is set.
type DocumentRequest struct {
	Title       string
	Business    string
	Scene       string
	Type        string // format tag; resolved from FileName/ContentType when empty
	FileName    string
	ContentType string
	Data        []byte
	Text        string
}

func (r DocumentRequest) inline() bool { return r.Data == nil }

// IndexResult is returned by the synchronous create/update paths.
type IndexResult struct {
	Record  *models.KnowledgeRecord
	Chunks  int
	Updated bool
}

// QueryEmbedder embeds a search query.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// KnowledgeService keeps the relational record, the artifact and the
// vector chunks of each knowledge item consistent.
type KnowledgeService struct {
	repo      core.KnowledgeRepository
	artifacts core.ObjectClient
	ingestor  ingest.Ingestor
	store     vectorstore.Store
	queries   QueryEmbedder
	locks     *KeyedMutex
	logger    *slog.Logger
}

func NewKnowledgeService(repo core.KnowledgeRepository, artifacts core.ObjectClient, ingestor ingest.Ingestor, store vectorstore.Store, queries QueryEmbedder, logger *slog.Logger) *KnowledgeService {
	return &KnowledgeService{
		repo:      repo,
		artifacts: artifacts,
		ingestor:  ingestor,
		store:     store,
		queries:   queries,
		locks:     NewKeyedMutex(),
		logger:    logger.With("component", "knowledge_service"),
	}
}

// Register creates the relational row (and stores the artifact) without
// indexing. With SameTitleReplace an existing record takes over the new
// content and the artifact it pointed to is removed.
func (s *KnowledgeService) Register(ctx context.Context, req DocumentRequest, policy SameTitlePolicy) (*models.KnowledgeRecord, error) {
	format, err := resolveType(req)
	if err != nil {
		return nil, err
	}
	existing, err := s.repo.GetByTitle(ctx, req.Title)
	if err != nil {
		return nil, fmt.Errorf("lookup title: %w", err)
	}

	if existing != nil {
		if policy == SameTitleConflict {
			return nil, &core.TitleConflictError{Existing: existing}
		}
		unlock := s.locks.Lock(existing.ID)
		defer unlock()

		next, err := s.stage(ctx, existing, req, format)
		if err != nil {
			return nil, err
		}
		if err := s.repo.Update(ctx, next); err != nil {
			s.discardArtifact(ctx, existing.FileURL, next.FileURL)
			return nil, fmt.Errorf("update knowledge %d: %w", existing.ID, err)
		}
		s.dropArtifact(ctx, existing.FileURL, next.FileURL)
		s.logger.Info("knowledge re-registered", "knowledge_id", next.ID, "title", next.Title)
		return next, nil
	}

	rec, err := s.stage(ctx, &models.KnowledgeRecord{Status: models.StatusEffective}, req, format)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		s.discardArtifact(ctx, "", rec.FileURL)
		if errors.Is(err, core.ErrTitleConflict) {
			if other, lerr := s.repo.GetByTitle(ctx, req.Title); lerr == nil && other != nil {
				return nil, &core.TitleConflictError{Existing: other}
			}
		}
		return nil, fmt.Errorf("create knowledge: %w", err)
	}
	s.logger.Info("knowledge registered", "knowledge_id", rec.ID, "title", rec.Title, "type", rec.Type)
	return rec, nil
}

// CreateDocument registers and indexes a document on the request path.
func (s *KnowledgeService) CreateDocument(ctx context.Context, req DocumentRequest, policy SameTitlePolicy) (*IndexResult, error) {
	if policy == SameTitleReplace {
		existing, err := s.repo.GetByTitle(ctx, req.Title)
		if err != nil {
			return nil, fmt.Errorf("lookup title: %w", err)
		}
		if existing != nil {
			return s.UpdateDocument(ctx, existing.ID, req)
		}
	}

	rec, err := s.Register(ctx, req, SameTitleConflict)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(rec.ID)
	defer unlock()
	n, err := s.indexContent(ctx, rec, req.Data)
	if err != nil {
		return nil, err
	}
	return &IndexResult{Record: rec, Chunks: n}, nil
}

// IngestText creates (or with SameTitleReplace updates) an inline text record.
func (s *KnowledgeService) IngestText(ctx context.Context, title, text, business, scene string, policy SameTitlePolicy) (*IndexResult, error) {
	return s.CreateDocument(ctx, DocumentRequest{
		Title:    title,
		Business: business,
		Scene:    scene,
		Type:     models.TypeJSON,
		Text:     text,
	}, policy)
}

// UpdateDocument replaces the content of record id. The new artifact is
// stored under a fresh key and the old one is deleted only after the new
// content indexed successfully. On failure the row keeps pointing at the old
// artifact and the record is left with zero chunks until it is reindexed.
func (s *KnowledgeService) UpdateDocument(ctx context.Context, id int64, req DocumentRequest) (*IndexResult, error) {
	format, err := resolveType(req)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	existing, err := s.mustGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Title != "" && req.Title != existing.Title {
		other, err := s.repo.GetByTitle(ctx, req.Title)
		if err != nil {
			return nil, fmt.Errorf("lookup title: %w", err)
		}
		if other != nil {
			return nil, &core.TitleConflictError{Existing: other}
		}
	}

	next, err := s.stage(ctx, existing, req, format)
	if err != nil {
		return nil, err
	}

	n, err := s.indexContent(ctx, next, req.Data)
	if err != nil {
		s.discardArtifact(ctx, existing.FileURL, next.FileURL)
		return nil, err
	}
	if err := s.repo.Update(ctx, next); err != nil {
		// the new chunks describe content the row does not point at
		if _, rmErr := s.store.RemoveWhere(context.WithoutCancel(ctx), vectorstore.ByKnowledgeID(id)); rmErr != nil {
			s.logger.Error("orphaned chunks not removed", "knowledge_id", id, "error", rmErr)
		}
		s.discardArtifact(ctx, existing.FileURL, next.FileURL)
		return nil, fmt.Errorf("update knowledge %d: %w", id, err)
	}
	s.dropArtifact(ctx, existing.FileURL, next.FileURL)

	s.logger.Info("knowledge updated", "knowledge_id", id, "chunks", n)
	return &IndexResult{Record: next, Chunks: n, Updated: true}, nil
}

// Index (re)builds the chunks of record id from its stored content.
func (s *KnowledgeService) Index(ctx context.Context, id int64) (int, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.mustGet(ctx, id)
	if err != nil {
		return 0, err
	}
	var data []byte
	if rec.Type != models.TypeJSON {
		if data, err = s.artifacts.Get(ctx, rec.FileURL); err != nil {
			return 0, fmt.Errorf("load artifact of %d: %w", id, err)
		}
	}
	return s.indexContent(ctx, rec, data)
}

// Delete removes the chunks, the row and, best effort, the artifact.
func (s *KnowledgeService) Delete(ctx context.Context, id int64) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.mustGet(ctx, id)
	if err != nil {
		return err
	}
	return s.deleteLocked(ctx, rec)
}

// DeleteByPath deletes the record whose artifact key is key.
func (s *KnowledgeService) DeleteByPath(ctx context.Context, key string) error {
	rec, err := s.byPath(ctx, key)
	if err != nil {
		return err
	}
	return s.Delete(ctx, rec.ID)
}

func (s *KnowledgeService) deleteLocked(ctx context.Context, rec *models.KnowledgeRecord) error {
	removed, err := s.store.RemoveWhere(ctx, vectorstore.ByKnowledgeID(rec.ID))
	if err != nil {
		return fmt.Errorf("remove chunks of %d: %w", rec.ID, err)
	}
	if err := s.repo.Delete(ctx, rec.ID); err != nil {
		return fmt.Errorf("delete knowledge %d: %w", rec.ID, err)
	}
	if rec.FileURL != "" {
		if err := s.artifacts.Delete(ctx, rec.FileURL); err != nil {
			s.logger.Warn("artifact delete failed", "knowledge_id", rec.ID, "key", rec.FileURL, "error", err)
		}
	}
	s.logger.Info("knowledge deleted", "knowledge_id", rec.ID, "chunks", removed)
	return nil
}

// SetExpired flips the record status and the status/isActive metadata of
// its chunks. Chunk text and vectors are untouched.
func (s *KnowledgeService) SetExpired(ctx context.Context, id int64, expired bool) (int, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if _, err := s.mustGet(ctx, id); err != nil {
		return 0, err
	}
	status := models.StatusEffective
	if expired {
		status = models.StatusExpired
	}
	if err := s.repo.UpdateStatus(ctx, id, status); err != nil {
		return 0, fmt.Errorf("update status of %d: %w", id, err)
	}

	n, err := s.store.UpdateWhere(ctx, vectorstore.ByKnowledgeID(id), func(c *models.Chunk) {
		c.Metadata.Status = status
		c.Metadata.IsActive = !expired
	})
	if err != nil {
		return 0, fmt.Errorf("update chunk status of %d: %w", id, err)
	}
	s.logger.Info("knowledge status changed", "knowledge_id", id, "status", status, "chunks", n)
	return n, nil
}

func (s *KnowledgeService) SetExpiredByPath(ctx context.Context, key string, expired bool) (int, error) {
	rec, err := s.byPath(ctx, key)
	if err != nil {
		return 0, err
	}
	return s.SetExpired(ctx, rec.ID, expired)
}

// Search embeds query and returns the topK most similar chunks, optionally
// restricted to one record and to active chunks. Every record cited in the
// result has its reference counter bumped.
func (s *KnowledgeService) Search(ctx context.Context, query string, topK int, knowledgeID int64, activeOnly bool) ([]vectorstore.ScoredChunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("empty query")
	}
	if topK <= 0 {
		topK = vectorstore.DefaultTopK
	}
	vec, err := s.queries.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	var pred vectorstore.Predicate
	if knowledgeID > 0 {
		pred = vectorstore.ByKnowledgeID(knowledgeID)
	}
	if activeOnly {
		pred = pred.And(models.MetaIsActive, true)
	}
	hits, err := s.store.SimilaritySearch(ctx, vec, topK, pred)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(hits))
	for _, h := range hits {
		kid := h.Chunk.Metadata.KnowledgeID
		if seen[kid] {
			continue
		}
		seen[kid] = true
		if err := s.repo.IncrementReferNum(ctx, kid); err != nil && !errors.Is(err, core.ErrNotFound) {
			s.logger.Warn("refer count not updated", "knowledge_id", kid, "error", err)
		}
	}
	return hits, nil
}

// Get returns the record or ErrNotFound.
func (s *KnowledgeService) Get(ctx context.Context, id int64) (*models.KnowledgeRecord, error) {
	return s.mustGet(ctx, id)
}

func (s *KnowledgeService) List(ctx context.Context, limit, offset int) ([]models.KnowledgeRecord, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *KnowledgeService) indexContent(ctx context.Context, rec *models.KnowledgeRecord, data []byte) (int, error) {
	log := s.logger.With("knowledge_id", rec.ID, "type", rec.Type)
	var (
		n   int
		err error
	)
	if rec.Type == models.TypeJSON {
		n, err = s.ingestor.IndexText(ctx, rec, rec.Content)
	} else {
		n, err = s.ingestor.Index(ctx, rec, data, rec.Type)
	}
	if err != nil {
		log.Error("indexing failed", "error", err)
		return 0, err
	}
	return n, nil
}

// stage stores the request's artifact (if any) and returns base updated
// with the request fields. base itself is not modified.
func (s *KnowledgeService) stage(ctx context.Context, base *models.KnowledgeRecord, req DocumentRequest, format string) (*models.KnowledgeRecord, error) {
	next := *base
	if req.Title != "" {
		next.Title = req.Title
	}
	if next.Title == "" {
		return nil, errors.New("title is required")
	}
	next.Business = req.Business
	next.Scene = req.Scene
	next.Type = format

	if req.inline() {
		next.Content = req.Text
		next.FileURL = ""
		next.FileSize = int64(len(req.Text))
		return &next, nil
	}

	name := req.FileName
	if name == "" {
		name = next.Title + "." + format
	}
	key, err := s.artifacts.Put(ctx, name, req.Data, req.ContentType)
	if err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}
	next.Content = ""
	next.FileURL = key
	next.FileSize = int64(len(req.Data))
	return &next, nil
}

// dropArtifact deletes the superseded artifact once nothing references it.
func (s *KnowledgeService) dropArtifact(ctx context.Context, oldKey, newKey string) {
	if oldKey == "" || oldKey == newKey {
		return
	}
	if err := s.artifacts.Delete(ctx, oldKey); err != nil {
		s.logger.Warn("superseded artifact not deleted", "key", oldKey, "error", err)
	}
}

// discardArtifact deletes a freshly staged artifact after a failed write.
func (s *KnowledgeService) discardArtifact(ctx context.Context, oldKey, newKey string) {
	if newKey == "" || newKey == oldKey {
		return
	}
	if err := s.artifacts.Delete(context.WithoutCancel(ctx), newKey); err != nil {
		s.logger.Warn("staged artifact not cleaned up", "key", newKey, "error", err)
	}
}

func (s *KnowledgeService) mustGet(ctx context.Context, id int64) (*models.KnowledgeRecord, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load knowledge %d: %w", id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("knowledge %d: %w", id, core.ErrNotFound)
	}
	return rec, nil
}

func (s *KnowledgeService) byPath(ctx context.Context, key string) (*models.KnowledgeRecord, error) {
	rec, err := s.repo.GetByFileURL(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup artifact %s: %w", key, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("artifact %s: %w", key, core.ErrNotFound)
	}
	return rec, nil
}

// resolveType picks the record type for a request and rejects unsupported
// formats before anything is stored.
func resolveType(req DocumentRequest) (string, error) {
	if req.inline() {
		return models.TypeJSON, nil
	}
	for _, hint := range []string{req.Type, req.FileName, req.ContentType} {
		if hint == "" {
			continue
		}
		if f, ok := ingest.ResolveFormat(hint); ok {
			return f, nil
		}
	}
	hint := req.Type
	if hint == "" {
		hint = req.FileName
	}
	return "", &core.ExtractionError{Format: hint, Err: core.ErrUnsupportedFormat}
}
