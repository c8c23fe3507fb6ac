package db

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta/internal/config"
	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/models"
)

func newRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := OpenSQLite(filepath.Join(t.TempDir(), "knowledge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteCreateAndLookups(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	rec := &models.KnowledgeRecord{Type: "pdf", Title: "handbook", FileURL: "a1/handbook.pdf", FileSize: 42}
	require.NoError(t, repo.Create(ctx, rec))
	assert.NotZero(t, rec.ID)
	assert.Equal(t, models.StatusEffective, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "handbook", got.Title)
	assert.Equal(t, int64(42), got.FileSize)

	byTitle, err := repo.GetByTitle(ctx, "handbook")
	require.NoError(t, err)
	require.NotNil(t, byTitle)
	assert.Equal(t, rec.ID, byTitle.ID)

	byURL, err := repo.GetByFileURL(ctx, "a1/handbook.pdf")
	require.NoError(t, err)
	require.NotNil(t, byURL)
	assert.Equal(t, rec.ID, byURL.ID)
}

func TestSQLiteMissingRows(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	got, err := repo.Get(ctx, 99)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = repo.GetByTitle(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.ErrorIs(t, repo.UpdateStatus(ctx, 99, models.StatusExpired), core.ErrNotFound)
	assert.ErrorIs(t, repo.IncrementReferNum(ctx, 99), core.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, 99), core.ErrNotFound)
	assert.ErrorIs(t, repo.Update(ctx, &models.KnowledgeRecord{ID: 99, Title: "x"}), core.ErrNotFound)
}

func TestSQLiteDuplicateTitle(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	require.NoError(t, repo.Create(ctx, &models.KnowledgeRecord{Type: "md", Title: "faq"}))
	err := repo.Create(ctx, &models.KnowledgeRecord{Type: "md", Title: "faq"})
	assert.ErrorIs(t, err, core.ErrTitleConflict)
}

func TestSQLiteMutations(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	rec := &models.KnowledgeRecord{Type: models.TypeJSON, Title: "notes", Content: "v1"}
	require.NoError(t, repo.Create(ctx, rec))

	rec.Content = "v2"
	rec.Scene = "onboarding"
	require.NoError(t, repo.Update(ctx, rec))
	require.NoError(t, repo.UpdateStatus(ctx, rec.ID, models.StatusExpired))
	require.NoError(t, repo.IncrementReferNum(ctx, rec.ID))
	require.NoError(t, repo.IncrementReferNum(ctx, rec.ID))

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)
	assert.Equal(t, "onboarding", got.Scene)
	assert.Equal(t, models.StatusExpired, got.Status)
	assert.Equal(t, int64(2), got.ReferNum)
	assert.False(t, got.IsActive())

	require.NoError(t, repo.Delete(ctx, rec.ID))
	got, err = repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteListPaginates(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	for _, title := range []string{"a", "b", "c", "d"} {
		require.NoError(t, repo.Create(ctx, &models.KnowledgeRecord{Type: "txt", Title: title}))
	}

	all, err := repo.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	page, err := repo.List(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].Title)
	assert.Equal(t, "c", page[1].Title)
}

func TestOpenSelectsBackendByScheme(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{DatabaseURL: "sqlite://" + filepath.Join(t.TempDir(), "k.db")}

	repo, err := Open(ctx, cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	assert.IsType(t, &SQLiteRepository{}, repo)

	_, err = Open(ctx, &config.Config{DatabaseURL: "mysql://localhost/db"}, slog.Default())
	assert.Error(t, err)
}
