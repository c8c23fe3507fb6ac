package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/models"
)

const fileFormatVersion = 1

type fileDocument struct {
	Version int            `json:"version"`
	Chunks  []models.Chunk `json:"chunks"`
}

// FileStore keeps all chunks in one JSON document. Every mutation rewrites
// the whole document through a temp file and rename, so readers of the file
// see either the old or the new generation.
type FileStore struct {
	mu       sync.RWMutex
	path     string
	chunks   []models.Chunk
	embedder Embedder
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*options)

type options struct {
	embedder Embedder
	logger   *slog.Logger
}

// WithEmbedder lets UpdateWhere refresh vectors of chunks whose text changed.
func WithEmbedder(e Embedder) Option {
	return func(o *options) { o.embedder = e }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// OpenFileStore loads path if it exists; a missing file is an empty store.
func OpenFileStore(path string, opts ...Option) (*FileStore, error) {
	o := buildOptions(opts)
	s := &FileStore{
		path:     path,
		embedder: o.embedder,
		logger:   o.logger.With("component", "vectorstore", "backend", "file"),
		now:      time.Now,
	}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, &core.VectorStoreError{Op: "open", Err: err}
	}

	var doc fileDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, &core.VectorStoreError{Op: "open", Err: fmt.Errorf("decode %s: %w", path, err)}
	}
	s.chunks = doc.Chunks
	s.logger.Info("vector file loaded", "path", path, "chunks", len(s.chunks))
	return s, nil
}

func (s *FileStore) AddMany(ctx context.Context, chunks []models.Chunk) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	next := make([]models.Chunk, len(s.chunks), len(s.chunks)+len(chunks))
	copy(next, s.chunks)
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		ids[i] = c.ID
		next = append(next, c)
	}

	if err := s.persist(next); err != nil {
		return nil, &core.VectorStoreError{Op: "add", Err: err}
	}
	s.chunks = next
	return ids, nil
}

func (s *FileStore) List(_ context.Context, pred Predicate) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Chunk
	for _, c := range s.chunks {
		if pred.Matches(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *FileStore) Count(_ context.Context, pred Predicate) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.chunks {
		if pred.Matches(c) {
			n++
		}
	}
	return n, nil
}

func (s *FileStore) SimilaritySearch(_ context.Context, query []float32, k int, pred Predicate) ([]ScoredChunk, error) {
	k = searchK(k)
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]ScoredChunk, 0, k)
	for _, c := range s.chunks {
		if !pred.Matches(c) {
			continue
		}
		score, ok := cosine(query, c.Embedding)
		if !ok {
			continue
		}
		hits = append(hits, ScoredChunk{Chunk: c, Score: score})
	}
	return topK(hits, k), nil
}

func (s *FileStore) RemoveWhere(_ context.Context, pred Predicate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make([]models.Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		if !pred.Matches(c) {
			keep = append(keep, c)
		}
	}
	removed := len(s.chunks) - len(keep)
	if removed == 0 {
		return 0, nil
	}

	if err := s.persist(keep); err != nil {
		return 0, &core.VectorStoreError{Op: "remove", Err: err}
	}
	s.chunks = keep
	return removed, nil
}

func (s *FileStore) UpdateWhere(ctx context.Context, pred Predicate, mutate func(*models.Chunk)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]models.Chunk, len(s.chunks))
	copy(next, s.chunks)

	var (
		matched  int
		reembed  []int
		newTexts []string
	)
	for i := range next {
		if !pred.Matches(next[i]) {
			continue
		}
		matched++
		before := next[i].Text
		next[i].Metadata.Extra = cloneMap(next[i].Metadata.Extra)
		mutate(&next[i])
		if next[i].Text != before {
			reembed = append(reembed, i)
			newTexts = append(newTexts, next[i].Text)
		}
	}
	if matched == 0 {
		return 0, nil
	}

	if len(reembed) > 0 {
		if s.embedder == nil {
			s.logger.Warn("chunk text changed without an embedder, vectors left as is", "chunks", len(reembed))
		} else {
			vecs, err := s.embedder.EmbedDocuments(ctx, newTexts)
			if err != nil {
				return 0, &core.VectorStoreError{Op: "update", Err: err}
			}
			if len(vecs) != len(newTexts) {
				return 0, &core.VectorStoreError{Op: "update", Err: fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(newTexts))}
			}
			for j, i := range reembed {
				next[i].Embedding = vecs[j]
			}
		}
	}

	if err := s.persist(next); err != nil {
		return 0, &core.VectorStoreError{Op: "update", Err: err}
	}
	s.chunks = next
	return matched, nil
}

func (s *FileStore) Close() error { return nil }

// persist writes chunks to a temp file next to the target and renames it
// into place. The caller holds the write lock.
func (s *FileStore) persist(chunks []models.Chunk) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	b, err := json.Marshal(fileDocument{Version: fileFormatVersion, Chunks: chunks})
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ Store = (*FileStore)(nil)
