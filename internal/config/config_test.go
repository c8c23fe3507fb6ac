package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("VECTOR_STORE", "file")
	t.Setenv("ARTIFACT_STORE", "local")
	t.Setenv("EMBED_BATCH_SIZE", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 800, cfg.Ingest.TargetSize)
	assert.Equal(t, 160, cfg.Ingest.Overlap)
	assert.Equal(t, 200, cfg.Ingest.MinSize)
	assert.Equal(t, 1500, cfg.Ingest.MaxSize)
	assert.Equal(t, 10, cfg.Ingest.EmbedBatchSize)
}

func TestLoadConfigYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contexta.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
vector_store:
  kind: qdrant
  collection: docs
ocr:
  provider: none
  languages: [eng]
ingest:
  target_size: 400
  overlap: 40
  min_size: 100
  max_size: 600
`), 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("ARTIFACT_STORE", "local")
	t.Setenv("OCR_TIMEOUT", "90s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "qdrant", cfg.VectorStore)
	assert.Equal(t, "docs", cfg.QdrantCollection)
	assert.Equal(t, "none", cfg.OCRProvider)
	assert.Equal(t, []string{"eng"}, cfg.OCRLanguages)
	assert.Equal(t, 90*time.Second, cfg.OCRTimeout)
	assert.Equal(t, 400, cfg.Ingest.TargetSize)
	assert.Equal(t, 600, cfg.Ingest.MaxSize)
	assert.Equal(t, 10, cfg.Ingest.EmbedBatchSize)
}

func TestValidateRejectsBadSplitterBounds(t *testing.T) {
	s := DefaultIngestSettings()
	s.MinSize = s.MaxSize
	assert.Error(t, s.Validate())

	s = DefaultIngestSettings()
	s.Overlap = s.TargetSize
	assert.Error(t, s.Validate())

	assert.NoError(t, DefaultIngestSettings().Validate())
}

func TestValidateUnknownBackend(t *testing.T) {
	cfg := &Config{DatabaseURL: "sqlite://x.db", VectorStore: "milvus", ArtifactStore: "local", Ingest: DefaultIngestSettings()}
	assert.Error(t, cfg.Validate())
}
