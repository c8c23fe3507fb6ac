package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/models"
)

// Point is a chunk in the external index's wire shape. Payload holds
// scalar-only fields produced by Payload.
type Point struct {
	ID        string
	Vector    []float32
	Text      string
	Payload   map[string]any
	CreatedAt time.Time
}

// ScoredPoint is a search hit with the backend's similarity score
// (already converted so that higher is better).
type ScoredPoint struct {
	Point
	Score float64
}

// IndexClient is a connection mode to an external vector database. Filters
// are scalar equality on payload fields.
type IndexClient interface {
	Upsert(ctx context.Context, points []Point) error
	Search(ctx context.Context, vector []float32, limit int, filter map[string]any) ([]ScoredPoint, error)
	Scroll(ctx context.Context, filter map[string]any) ([]Point, error)
	// ScrollIDs lists matching point ids without fetching vectors or payloads.
	ScrollIDs(ctx context.Context, filter map[string]any) ([]string, error)
	Delete(ctx context.Context, ids []string) error
	// UpdatePayload rewrites text and payload of an existing point, keeping its vector.
	UpdatePayload(ctx context.Context, p Point) error
	Close() error
}

// ExternalStore adapts an IndexClient to Store, serializing non-scalar
// metadata on the way in and parsing it on the way out.
type ExternalStore struct {
	client    IndexClient
	embedder  Embedder
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

func NewExternalStore(client IndexClient, opts ...Option) *ExternalStore {
	o := buildOptions(opts)
	return &ExternalStore{
		client:    client,
		embedder:  o.embedder,
		logger:    o.logger.With("component", "vectorstore", "backend", "external"),
		batchSize: 64,
		now:       time.Now,
	}
}

func (s *ExternalStore) AddMany(ctx context.Context, chunks []models.Chunk) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	now := s.now().UTC()
	points := make([]Point, len(chunks))
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		p, err := toPoint(c)
		if err != nil {
			return nil, &core.VectorStoreError{Op: "add", Err: err}
		}
		points[i] = p
		ids[i] = c.ID
	}

	for start := 0; start < len(points); start += s.batchSize {
		end := min(start+s.batchSize, len(points))
		if err := s.client.Upsert(ctx, points[start:end]); err != nil {
			return nil, &core.VectorStoreError{Op: "add", Err: err}
		}
	}
	return ids, nil
}

func (s *ExternalStore) List(ctx context.Context, pred Predicate) ([]models.Chunk, error) {
	filter, err := scalarFilter(pred.Equals)
	if err != nil {
		return nil, &core.VectorStoreError{Op: "list", Err: err}
	}
	points, err := s.client.Scroll(ctx, filter)
	if err != nil {
		return nil, &core.VectorStoreError{Op: "list", Err: err}
	}

	out := make([]models.Chunk, 0, len(points))
	for _, p := range points {
		c, err := fromPoint(p)
		if err != nil {
			return nil, &core.VectorStoreError{Op: "list", Err: err}
		}
		if pred.Matches(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *ExternalStore) Count(ctx context.Context, pred Predicate) (int, error) {
	chunks, err := s.List(ctx, pred)
	if err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// SimilaritySearch pushes equality filters down and re-checks every hit.
// With an in-process Match the candidate window starts at 4k and grows
// fourfold until k hits survive, the backend runs dry or
// maxSearchCandidates is reached; past that bound fewer than k hits may be
// returned.
func (s *ExternalStore) SimilaritySearch(ctx context.Context, query []float32, k int, pred Predicate) ([]ScoredChunk, error) {
	k = searchK(k)
	filter, err := scalarFilter(pred.Equals)
	if err != nil {
		return nil, &core.VectorStoreError{Op: "search", Err: err}
	}
	limit := k
	if pred.Match != nil {
		limit = min(k*overFetch, max(k, maxSearchCandidates))
	}

	for {
		hits, err := s.client.Search(ctx, query, limit, filter)
		if err != nil {
			return nil, &core.VectorStoreError{Op: "search", Err: err}
		}

		out := make([]ScoredChunk, 0, len(hits))
		for _, h := range hits {
			c, err := fromPoint(h.Point)
			if err != nil {
				return nil, &core.VectorStoreError{Op: "search", Err: err}
			}
			if pred.Matches(c) {
				out = append(out, ScoredChunk{Chunk: c, Score: h.Score})
			}
		}
		if len(out) >= k || len(hits) < limit || limit >= maxSearchCandidates {
			return topK(out, k), nil
		}
		limit = min(limit*overFetch, maxSearchCandidates)
	}
}

// RemoveWhere collects ids only. Chunks are fetched just when an in-process
// Match has to inspect them.
func (s *ExternalStore) RemoveWhere(ctx context.Context, pred Predicate) (int, error) {
	ids, err := s.matchingIDs(ctx, pred)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.client.Delete(ctx, ids); err != nil {
		return 0, &core.VectorStoreError{Op: "remove", Err: err}
	}
	return len(ids), nil
}

func (s *ExternalStore) matchingIDs(ctx context.Context, pred Predicate) ([]string, error) {
	if pred.Match != nil {
		matches, err := s.List(ctx, pred)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(matches))
		for i, c := range matches {
			ids[i] = c.ID
		}
		return ids, nil
	}
	filter, err := scalarFilter(pred.Equals)
	if err != nil {
		return nil, &core.VectorStoreError{Op: "remove", Err: err}
	}
	ids, err := s.client.ScrollIDs(ctx, filter)
	if err != nil {
		return nil, &core.VectorStoreError{Op: "remove", Err: err}
	}
	return ids, nil
}

func (s *ExternalStore) UpdateWhere(ctx context.Context, pred Predicate, mutate func(*models.Chunk)) (int, error) {
	matches, err := s.List(ctx, pred)
	if err != nil {
		return 0, err
	}

	for _, c := range matches {
		before := c.Text
		c.Metadata.Extra = cloneMap(c.Metadata.Extra)
		mutate(&c)

		if c.Text == before {
			p, err := toPoint(c)
			if err != nil {
				return 0, &core.VectorStoreError{Op: "update", Err: err}
			}
			if err := s.client.UpdatePayload(ctx, p); err != nil {
				return 0, &core.VectorStoreError{Op: "update", Err: err}
			}
			continue
		}

		if s.embedder != nil {
			vecs, err := s.embedder.EmbedDocuments(ctx, []string{c.Text})
			if err != nil {
				return 0, &core.VectorStoreError{Op: "update", Err: err}
			}
			if len(vecs) == 1 {
				c.Embedding = vecs[0]
			}
		} else {
			s.logger.Warn("chunk text changed without an embedder, vector left as is", "id", c.ID)
		}
		p, err := toPoint(c)
		if err != nil {
			return 0, &core.VectorStoreError{Op: "update", Err: err}
		}
		if err := s.client.Upsert(ctx, []Point{p}); err != nil {
			return 0, &core.VectorStoreError{Op: "update", Err: err}
		}
	}
	return len(matches), nil
}

func (s *ExternalStore) Close() error { return s.client.Close() }

func toPoint(c models.Chunk) (Point, error) {
	enc, err := EncodeMetadata(c.Metadata.AsMap())
	if err != nil {
		return Point{}, err
	}
	return Point{
		ID:        c.ID,
		Vector:    c.Embedding,
		Text:      c.Text,
		Payload:   Payload(enc),
		CreatedAt: c.CreatedAt,
	}, nil
}

func fromPoint(p Point) (models.Chunk, error) {
	meta, err := DecodeMetadata(FromPayload(p.Payload))
	if err != nil {
		return models.Chunk{}, fmt.Errorf("point %s: %w", p.ID, err)
	}
	return models.Chunk{
		ID:        p.ID,
		Text:      p.Text,
		Metadata:  models.MetadataFromMap(meta),
		Embedding: p.Vector,
		CreatedAt: p.CreatedAt,
	}, nil
}

var _ Store = (*ExternalStore)(nil)
