package services

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta/internal/core"
	db "github.com/markdave123-py/contexta/internal/core/database"
	ingest "github.com/markdave123-py/contexta/internal/core/ingestion_engine"
	objectclient "github.com/markdave123-py/contexta/internal/core/object-client"
	"github.com/markdave123-py/contexta/internal/core/vectorstore"
	"github.com/markdave123-py/contexta/internal/models"
)

// letterEmbedder maps text onto letter frequencies so related texts score higher.
type letterEmbedder struct {
	mu   sync.Mutex
	fail bool
}

func (e *letterEmbedder) vector(text string) []float32 {
	v := make([]float32, 27)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	v[26] = 1
	return v
}

func (e *letterEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return nil, &core.EmbeddingError{Batch: 0, Err: errors.New("provider down")}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *letterEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

func (e *letterEmbedder) setFail(v bool) {
	e.mu.Lock()
	e.fail = v
	e.mu.Unlock()
}

type fixture struct {
	svc       *KnowledgeService
	repo      core.KnowledgeRepository
	artifacts *objectclient.LocalStore
	store     vectorstore.Store
	embedder  *letterEmbedder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithRepo(t, func(r core.KnowledgeRepository) core.KnowledgeRepository { return r })
}

// newFixtureWithRepo lets a test wrap the SQLite repository before the
// service is built.
func newFixtureWithRepo(t *testing.T, wrap func(core.KnowledgeRepository) core.KnowledgeRepository) *fixture {
	t.Helper()
	dir := t.TempDir()

	sqlite, err := db.OpenSQLite(filepath.Join(dir, "knowledge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	repo := wrap(sqlite)

	artifacts, err := objectclient.NewLocalStore(filepath.Join(dir, "uploads"), slog.Default())
	require.NoError(t, err)

	emb := &letterEmbedder{}
	store, err := vectorstore.OpenFileStore(filepath.Join(dir, "vectors.json"), vectorstore.WithEmbedder(emb))
	require.NoError(t, err)

	sp, err := ingest.NewSplitter(ingest.DefaultSplitConfig())
	require.NoError(t, err)
	ing := ingest.NewDocumentIngestor(ingest.NewExtractor(), sp, emb, store)

	return &fixture{
		svc:       NewKnowledgeService(repo, artifacts, ing, store, emb, slog.Default()),
		repo:      repo,
		artifacts: artifacts,
		store:     store,
		embedder:  emb,
	}
}

func (f *fixture) chunks(t *testing.T, id int64) []models.Chunk {
	t.Helper()
	out, err := f.store.List(context.Background(), vectorstore.ByKnowledgeID(id))
	require.NoError(t, err)
	return out
}

func TestIngestTextCreatesRecordAndChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.IngestText(ctx, "returns", "Items can be returned within thirty days.", "retail", "faq", SameTitleConflict)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Chunks)
	assert.False(t, res.Updated)

	rec, err := f.repo.Get(ctx, res.Record.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.TypeJSON, rec.Type)
	assert.Equal(t, "Items can be returned within thirty days.", rec.Content)

	chunks := f.chunks(t, rec.ID)
	require.Len(t, chunks, 1)
	assert.Equal(t, "retail", chunks[0].Metadata.Business)
	assert.Equal(t, "returns", chunks[0].Metadata.Title)
}

func TestSameTitleConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.IngestText(ctx, "pricing", "Basic plan costs ten.", "", "", SameTitleConflict)
	require.NoError(t, err)

	_, err = f.svc.IngestText(ctx, "pricing", "Basic plan costs twelve.", "", "", SameTitleConflict)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTitleConflict)

	var conflict *core.TitleConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first.Record.ID, conflict.Existing.ID)

	chunks := f.chunks(t, first.Record.ID)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Text, "ten")
}

func TestSameTitleReplaceLeavesOnlyNewGeneration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.IngestText(ctx, "hours", "Open monday to friday.", "", "", SameTitleConflict)
	require.NoError(t, err)

	second, err := f.svc.IngestText(ctx, "hours", "Open every day including weekends.", "", "", SameTitleReplace)
	require.NoError(t, err)
	assert.True(t, second.Updated)
	assert.Equal(t, first.Record.ID, second.Record.ID)

	hits, err := f.svc.Search(ctx, "monday friday", 10, first.Record.ID, false)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Contains(t, h.Chunk.Text, "weekends")
		assert.NotContains(t, h.Chunk.Text, "monday")
	}
}

func TestUpdateDocumentCopiesThenDeletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.svc.CreateDocument(ctx, DocumentRequest{
		Title:    "manual",
		FileName: "manual.txt",
		Data:     []byte("version one of the manual"),
	}, SameTitleConflict)
	require.NoError(t, err)
	oldKey := created.Record.FileURL
	require.NotEmpty(t, oldKey)
	assert.Equal(t, ingest.FormatTXT, created.Record.Type)

	updated, err := f.svc.UpdateDocument(ctx, created.Record.ID, DocumentRequest{
		Title:    "manual",
		FileName: "manual.md",
		Data:     []byte("# version two\nrewritten manual"),
	})
	require.NoError(t, err)
	newKey := updated.Record.FileURL
	assert.NotEqual(t, oldKey, newKey)
	assert.Equal(t, ingest.FormatMD, updated.Record.Type)

	_, err = f.artifacts.Get(ctx, oldKey)
	assert.ErrorIs(t, err, core.ErrNotFound)
	data, err := f.artifacts.Get(ctx, newKey)
	require.NoError(t, err)
	assert.Contains(t, string(data), "version two")

	rec, err := f.repo.Get(ctx, created.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, newKey, rec.FileURL)
}

func TestEmbeddingFailureLeavesNoChunksAndKeepsOldArtifact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.svc.CreateDocument(ctx, DocumentRequest{
		Title:    "policy",
		FileName: "policy.txt",
		Data:     []byte("original policy text"),
	}, SameTitleConflict)
	require.NoError(t, err)
	oldKey := created.Record.FileURL

	f.embedder.setFail(true)
	_, err = f.svc.UpdateDocument(ctx, created.Record.ID, DocumentRequest{
		Title:    "policy",
		FileName: "policy.txt",
		Data:     []byte("replacement policy text"),
	})
	require.Error(t, err)
	var ee *core.EmbeddingError
	assert.ErrorAs(t, err, &ee)

	assert.Empty(t, f.chunks(t, created.Record.ID))

	rec, err := f.repo.Get(ctx, created.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, oldKey, rec.FileURL)
	_, err = f.artifacts.Get(ctx, oldKey)
	assert.NoError(t, err)

	f.embedder.setFail(false)
	n, err := f.svc.Index(ctx, created.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	chunks := f.chunks(t, created.Record.ID)
	require.Len(t, chunks, 1)
	assert.Equal(t, "original policy text", chunks[0].Text)
}

// flakyUpdateRepo fails Update while fail is set.
type flakyUpdateRepo struct {
	core.KnowledgeRepository
	fail bool
}

func (r *flakyUpdateRepo) Update(ctx context.Context, rec *models.KnowledgeRecord) error {
	if r.fail {
		return errors.New("db down")
	}
	return r.KnowledgeRepository.Update(ctx, rec)
}

func TestUpdateRowFailureLeavesNoOrphanedChunks(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyUpdateRepo{}
	f := newFixtureWithRepo(t, func(r core.KnowledgeRepository) core.KnowledgeRepository {
		flaky.KnowledgeRepository = r
		return flaky
	})

	created, err := f.svc.CreateDocument(ctx, DocumentRequest{
		Title:    "notes",
		FileName: "notes.txt",
		Data:     []byte("old content alpha"),
	}, SameTitleConflict)
	require.NoError(t, err)
	oldKey := created.Record.FileURL

	flaky.fail = true
	_, err = f.svc.UpdateDocument(ctx, created.Record.ID, DocumentRequest{
		Title:    "notes",
		FileName: "notes.txt",
		Data:     []byte("brand new content zeta"),
	})
	require.Error(t, err)

	rec, err := f.repo.Get(ctx, created.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, oldKey, rec.FileURL)
	assert.Empty(t, f.chunks(t, created.Record.ID))

	_, err = f.artifacts.Get(ctx, oldKey)
	assert.NoError(t, err)

	flaky.fail = false
	n, err := f.svc.Index(ctx, created.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	chunks := f.chunks(t, created.Record.ID)
	require.Len(t, chunks, 1)
	assert.Equal(t, "old content alpha", chunks[0].Text)
}

func TestDeleteWithMissingArtifactSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.svc.CreateDocument(ctx, DocumentRequest{
		Title:    "old memo",
		FileName: "memo.txt",
		Data:     []byte("please remember the meeting"),
	}, SameTitleConflict)
	require.NoError(t, err)
	require.NoError(t, f.artifacts.Delete(ctx, created.Record.FileURL))

	require.NoError(t, f.svc.DeleteByPath(ctx, created.Record.FileURL))

	assert.Empty(t, f.chunks(t, created.Record.ID))
	rec, err := f.repo.Get(ctx, created.Record.ID)
	require.NoError(t, err)
	assert.Nil(t, rec)

	assert.ErrorIs(t, f.svc.Delete(ctx, created.Record.ID), core.ErrNotFound)
	assert.ErrorIs(t, f.svc.DeleteByPath(ctx, "missing/key.txt"), core.ErrNotFound)
}

func TestSetExpiredTogglesChunkMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.IngestText(ctx, "promo", "Spring promotion gives twenty percent off.", "", "", SameTitleConflict)
	require.NoError(t, err)
	id := res.Record.ID
	before := f.chunks(t, id)

	n, err := f.svc.SetExpired(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, len(before), n)

	for i, c := range f.chunks(t, id) {
		assert.Equal(t, models.StatusExpired, c.Metadata.Status)
		assert.False(t, c.Metadata.IsActive)
		assert.Equal(t, before[i].Text, c.Text)
		assert.Equal(t, before[i].Embedding, c.Embedding)
	}
	rec, err := f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, rec.Status)

	hits, err := f.svc.Search(ctx, "spring promotion", 5, 0, true)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = f.svc.SetExpired(ctx, id, false)
	require.NoError(t, err)
	hits, err = f.svc.Search(ctx, "spring promotion", 5, 0, true)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.True(t, hits[0].Chunk.Metadata.IsActive)

	rec, err = f.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.ReferNum)
}

func TestUnsupportedFormatStoresNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.CreateDocument(ctx, DocumentRequest{
		Title:    "diagram",
		FileName: "diagram.png",
		Data:     []byte{0x89, 'P', 'N', 'G'},
	}, SameTitleConflict)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUnsupportedFormat)

	rec, err := f.repo.GetByTitle(ctx, "diagram")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRegisterReplaceSwapsArtifact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.Register(ctx, DocumentRequest{Title: "guide", FileName: "guide.txt", Data: []byte("v1")}, SameTitleConflict)
	require.NoError(t, err)

	second, err := f.svc.Register(ctx, DocumentRequest{Title: "guide", FileName: "guide.txt", Data: []byte("v2")}, SameTitleReplace)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.FileURL, second.FileURL)

	_, err = f.artifacts.Get(ctx, first.FileURL)
	assert.ErrorIs(t, err, core.ErrNotFound)

	n, err := f.svc.Index(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "v2", f.chunks(t, second.ID)[0].Text)
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := NewKeyedMutex()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(7)
			defer unlock()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Zero(t, km.size())
}
