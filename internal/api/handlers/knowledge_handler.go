package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/core/vectorstore"
	"github.com/markdave123-py/contexta/internal/models"
	"github.com/markdave123-py/contexta/internal/queue"
	"github.com/markdave123-py/contexta/internal/services"
)

// KnowledgeService is the part of services.KnowledgeService served over HTTP.
type KnowledgeService interface {
	IngestText(ctx context.Context, title, text, business, scene string, policy services.SameTitlePolicy) (*services.IndexResult, error)
	Get(ctx context.Context, id int64) (*models.KnowledgeRecord, error)
	List(ctx context.Context, limit, offset int) ([]models.KnowledgeRecord, error)
	Delete(ctx context.Context, id int64) error
	SetExpired(ctx context.Context, id int64, expired bool) (int, error)
	Search(ctx context.Context, query string, topK int, knowledgeID int64, activeOnly bool) ([]vectorstore.ScoredChunk, error)
}

// JobPublisher enqueues jobs for the consumer.
type JobPublisher interface {
	Publish(ctx context.Context, job queue.Job) error
}

type KnowledgeHandler struct {
	svc       KnowledgeService
	publisher JobPublisher
	logger    *slog.Logger
}

func NewKnowledgeHandler(svc KnowledgeService, publisher JobPublisher, logger *slog.Logger) *KnowledgeHandler {
	return &KnowledgeHandler{svc: svc, publisher: publisher, logger: logger.With("component", "knowledge-handler")}
}

// Mount registers the knowledge routes on r.
func (h *KnowledgeHandler) Mount(r chi.Router) {
	r.Route("/knowledge", func(kr chi.Router) {
		kr.Get("/", h.List)
		kr.Post("/text", h.IngestText)
		kr.Get("/{id}", h.Get)
		kr.Delete("/{id}", h.Delete)
		kr.Post("/{id}/reindex", h.Reindex)
		kr.Patch("/{id}/status", h.SetStatus)
	})
	r.Get("/search", h.Search)
}

type ingestTextRequest struct {
	Title    string `json:"title"`
	Text     string `json:"text"`
	Business string `json:"business"`
	Scene    string `json:"scene"`
	Replace  bool   `json:"replace"`
}

type ingestTextResponse struct {
	Knowledge *models.KnowledgeRecord `json:"knowledge"`
	Chunks    int                     `json:"chunks"`
	Updated   bool                    `json:"updated"`
}

// IngestText runs the synchronous path: register, index and answer with the
// chunk count. An existing title is a 409 unless replace is set.
func (h *KnowledgeHandler) IngestText(w http.ResponseWriter, r *http.Request) {
	var req ingestTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}

	policy := services.SameTitleConflict
	if req.Replace || r.URL.Query().Get("replace") == "true" {
		policy = services.SameTitleReplace
	}

	res, err := h.svc.IngestText(r.Context(), req.Title, req.Text, req.Business, req.Scene, policy)
	if err != nil {
		var conflict *core.TitleConflictError
		if errors.As(err, &conflict) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":       err.Error(),
				"existing_id": conflict.Existing.ID,
			})
			return
		}
		h.fail(w, "ingest text", err)
		return
	}

	status := http.StatusCreated
	if res.Updated {
		status = http.StatusOK
	}
	writeJSON(w, status, ingestTextResponse{Knowledge: res.Record, Chunks: res.Chunks, Updated: res.Updated})
}

// Reindex enqueues a document-ingest job and answers 202 without waiting.
func (h *KnowledgeHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "reindex lookup", err)
		return
	}
	if rec == nil {
		http.Error(w, "knowledge not found", http.StatusNotFound)
		return
	}

	job, err := queue.NewJob(queue.JobDocumentIngest, queue.DocumentIngestPayload{KnowledgeID: id})
	if err != nil {
		h.fail(w, "build job", err)
		return
	}
	if err := h.publisher.Publish(r.Context(), job); err != nil {
		h.fail(w, "publish job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "knowledge_id": id})
}

func (h *KnowledgeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.fail(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusRequest struct {
	Expired *bool `json:"expired"`
}

// SetStatus flips a record between effective and expired.
func (h *KnowledgeHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Expired == nil {
		http.Error(w, `body must be {"expired": true|false}`, http.StatusBadRequest)
		return
	}
	n, err := h.svc.SetExpired(r.Context(), id, *req.Expired)
	if err != nil {
		h.fail(w, "set status", err)
		return
	}
	status := models.StatusEffective
	if *req.Expired {
		status = models.StatusExpired
	}
	writeJSON(w, http.StatusOK, map[string]any{"knowledge_id": id, "status": status, "chunks": n})
}

func (h *KnowledgeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get", err)
		return
	}
	if rec == nil {
		http.Error(w, "knowledge not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *KnowledgeHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	recs, err := h.svc.List(r.Context(), limit, offset)
	if err != nil {
		h.fail(w, "list", err)
		return
	}
	if recs == nil {
		recs = []models.KnowledgeRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type searchHit struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

func (h *KnowledgeHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		http.Error(w, "q is required", http.StatusBadRequest)
		return
	}
	k := queryInt(r, "k", 5)
	kid := int64(queryInt(r, "knowledge_id", 0))
	activeOnly := r.URL.Query().Get("all") != "true"

	hits, err := h.svc.Search(r.Context(), q, k, kid, activeOnly)
	if err != nil {
		h.fail(w, "search", err)
		return
	}
	out := make([]searchHit, len(hits))
	for i, hit := range hits {
		out[i] = searchHit{ID: hit.Chunk.ID, Text: hit.Chunk.Text, Score: hit.Score, Metadata: hit.Chunk.Metadata.AsMap()}
	}
	writeJSON(w, http.StatusOK, out)
}

// fail maps service errors onto status codes.
func (h *KnowledgeHandler) fail(w http.ResponseWriter, op string, err error) {
	var extraction *core.ExtractionError
	switch {
	case errors.Is(err, core.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, core.ErrTitleConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, core.ErrQueueUnavailable):
		h.logger.Warn(op+" failed", "error", err)
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
	case errors.As(err, &extraction), errors.Is(err, core.ErrUnsupportedFormat):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		h.logger.Error(op+" failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid knowledge id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
