package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/core/vectorstore"
	"github.com/markdave123-py/contexta/internal/models"
	"github.com/markdave123-py/contexta/internal/queue"
	"github.com/markdave123-py/contexta/internal/services"
)

type fakeService struct {
	records  map[int64]*models.KnowledgeRecord
	policies []services.SameTitlePolicy
	deleted  []int64
	expired  map[int64]bool
}

func newFakeService() *fakeService {
	return &fakeService{
		records: map[int64]*models.KnowledgeRecord{
			1: {ID: 1, Title: "faq", Type: models.TypeJSON, Status: models.StatusEffective},
		},
		expired: map[int64]bool{},
	}
}

func (f *fakeService) IngestText(_ context.Context, title, _, _, _ string, policy services.SameTitlePolicy) (*services.IndexResult, error) {
	f.policies = append(f.policies, policy)
	for _, rec := range f.records {
		if rec.Title != title {
			continue
		}
		if policy == services.SameTitleConflict {
			return nil, &core.TitleConflictError{Existing: rec}
		}
		return &services.IndexResult{Record: rec, Chunks: 2, Updated: true}, nil
	}
	rec := &models.KnowledgeRecord{ID: int64(len(f.records) + 1), Title: title, Type: models.TypeJSON}
	f.records[rec.ID] = rec
	return &services.IndexResult{Record: rec, Chunks: 3}, nil
}

func (f *fakeService) Get(_ context.Context, id int64) (*models.KnowledgeRecord, error) {
	return f.records[id], nil
}

func (f *fakeService) List(context.Context, int, int) ([]models.KnowledgeRecord, error) {
	var out []models.KnowledgeRecord
	for _, rec := range f.records {
		out = append(out, *rec)
	}
	return out, nil
}

func (f *fakeService) Delete(_ context.Context, id int64) error {
	if _, ok := f.records[id]; !ok {
		return fmt.Errorf("knowledge %d: %w", id, core.ErrNotFound)
	}
	delete(f.records, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeService) SetExpired(_ context.Context, id int64, expired bool) (int, error) {
	if _, ok := f.records[id]; !ok {
		return 0, fmt.Errorf("knowledge %d: %w", id, core.ErrNotFound)
	}
	f.expired[id] = expired
	return 4, nil
}

func (f *fakeService) Search(_ context.Context, q string, _ int, _ int64, _ bool) ([]vectorstore.ScoredChunk, error) {
	return []vectorstore.ScoredChunk{{
		Chunk: models.Chunk{ID: "c1", Text: "about " + q, Metadata: models.ChunkMetadata{KnowledgeID: 1}},
		Score: 0.9,
	}}, nil
}

type fakePublisher struct {
	jobs []queue.Job
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, job queue.Job) error {
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

func newRouter(svc KnowledgeService, pub JobPublisher) http.Handler {
	h := NewKnowledgeHandler(svc, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	r.Route("/api", h.Mount)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIngestText(t *testing.T) {
	svc := newFakeService()
	h := newRouter(svc, &fakePublisher{})

	rec := do(t, h, http.MethodPost, "/api/knowledge/text", `{"title":"pricing","text":"a b c"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var body ingestTextResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 3, body.Chunks)
	assert.Equal(t, "pricing", body.Knowledge.Title)
	assert.False(t, body.Updated)
}

func TestIngestTextConflict(t *testing.T) {
	svc := newFakeService()
	h := newRouter(svc, &fakePublisher{})

	rec := do(t, h, http.MethodPost, "/api/knowledge/text", `{"title":"faq","text":"x"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.EqualValues(t, 1, body["existing_id"])

	rec = do(t, h, http.MethodPost, "/api/knowledge/text?replace=true", `{"title":"faq","text":"x"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/knowledge/text", `{"title":"faq","text":"x","replace":true}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []services.SameTitlePolicy{
		services.SameTitleConflict, services.SameTitleReplace, services.SameTitleReplace,
	}, svc.policies)
}

func TestIngestTextValidation(t *testing.T) {
	h := newRouter(newFakeService(), &fakePublisher{})

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/knowledge/text", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/knowledge/text", `{"title":"  "}`).Code)
}

func TestReindexQueuesJob(t *testing.T) {
	pub := &fakePublisher{}
	h := newRouter(newFakeService(), pub)

	rec := do(t, h, http.MethodPost, "/api/knowledge/1/reindex", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queued"`)

	require.Len(t, pub.jobs, 1)
	assert.Equal(t, queue.JobDocumentIngest, pub.jobs[0].Type)
	var payload queue.DocumentIngestPayload
	require.NoError(t, pub.jobs[0].Decode(&payload))
	assert.Equal(t, int64(1), payload.KnowledgeID)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/knowledge/9/reindex", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/knowledge/abc/reindex", "").Code)
}

func TestReindexBrokerDown(t *testing.T) {
	pub := &fakePublisher{err: fmt.Errorf("publish: %w", core.ErrQueueUnavailable)}
	h := newRouter(newFakeService(), pub)

	rec := do(t, h, http.MethodPost, "/api/knowledge/1/reindex", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDelete(t *testing.T) {
	svc := newFakeService()
	h := newRouter(svc, &fakePublisher{})

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/knowledge/1", "").Code)
	assert.Equal(t, []int64{1}, svc.deleted)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/knowledge/1", "").Code)
}

func TestSetStatus(t *testing.T) {
	svc := newFakeService()
	h := newRouter(svc, &fakePublisher{})

	rec := do(t, h, http.MethodPatch, "/api/knowledge/1/status", `{"expired":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.expired[1])

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, models.StatusExpired, body["status"])
	assert.EqualValues(t, 4, body["chunks"])

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPatch, "/api/knowledge/1/status", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPatch, "/api/knowledge/7/status", `{"expired":false}`).Code)
}

func TestSearchAndGet(t *testing.T) {
	h := newRouter(newFakeService(), &fakePublisher{})

	rec := do(t, h, http.MethodGet, "/api/search?q=refunds", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hits []searchHit
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&hits))
	require.Len(t, hits, 1)
	assert.Equal(t, "about refunds", hits[0].Text)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/search", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/knowledge/1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/knowledge/2", "").Code)
}
