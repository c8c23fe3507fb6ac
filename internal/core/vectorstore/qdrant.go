package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// QdrantConfig configures the REST connection mode.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

// QdrantClient is a minimal REST client to Qdrant using cosine distance.
type QdrantClient struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client
}

const qdrantScrollPage = 256

// NewQdrantClient connects and creates the collection when it is missing.
func NewQdrantClient(ctx context.Context, cfg QdrantConfig) (*QdrantClient, error) {
	if cfg.URL == "" || cfg.Collection == "" {
		return nil, errors.New("qdrant url and collection are required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	c := &QdrantClient{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: timeout},
	}
	if cfg.Dimension > 0 {
		if err := c.ensureCollection(ctx, cfg.Dimension); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *QdrantClient) ensureCollection(ctx context.Context, dim int) error {
	status, err := c.do(ctx, http.MethodGet, c.collectionURL(""), nil, nil)
	if err == nil {
		return nil
	}
	if status != http.StatusNotFound {
		return err
	}
	body := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": "Cosine"},
	}
	if _, err := c.do(ctx, http.MethodPut, c.collectionURL(""), body, nil); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	index := map[string]any{"field_name": "knowledgeId", "field_schema": "integer"}
	if _, err := c.do(ctx, http.MethodPut, c.collectionURL("/index?wait=true"), index, nil); err != nil {
		return fmt.Errorf("create knowledgeId index: %w", err)
	}
	return nil
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (c *QdrantClient) Upsert(ctx context.Context, points []Point) error {
	wire := make([]qdrantPoint, len(points))
	for i, p := range points {
		wire[i] = qdrantPoint{ID: p.ID, Vector: p.Vector, Payload: withReserved(p)}
	}
	_, err := c.do(ctx, http.MethodPut, c.collectionURL("/points?wait=true"), map[string]any{"points": wire}, nil)
	return err
}

func (c *QdrantClient) Search(ctx context.Context, vector []float32, limit int, filter map[string]any) ([]ScoredPoint, error) {
	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  true,
	}
	if f := qdrantFilter(filter); f != nil {
		req["filter"] = f
	}
	var resp struct {
		Result []struct {
			qdrantPoint
			Score float64 `json:"score"`
		} `json:"result"`
	}
	if _, err := c.do(ctx, http.MethodPost, c.collectionURL("/points/search"), req, &resp); err != nil {
		return nil, err
	}
	out := make([]ScoredPoint, 0, len(resp.Result))
	for _, r := range resp.Result {
		out = append(out, ScoredPoint{Point: fromQdrant(r.qdrantPoint), Score: r.Score})
	}
	return out, nil
}

func (c *QdrantClient) Scroll(ctx context.Context, filter map[string]any) ([]Point, error) {
	var out []Point
	err := c.scroll(ctx, filter, true, func(p qdrantPoint) {
		out = append(out, fromQdrant(p))
	})
	return out, err
}

func (c *QdrantClient) ScrollIDs(ctx context.Context, filter map[string]any) ([]string, error) {
	var ids []string
	err := c.scroll(ctx, filter, false, func(p qdrantPoint) {
		ids = append(ids, p.ID)
	})
	return ids, err
}

// scroll pages through matching points. Without withData only ids come back.
func (c *QdrantClient) scroll(ctx context.Context, filter map[string]any, withData bool, visit func(qdrantPoint)) error {
	var offset any
	for {
		req := map[string]any{
			"limit":        qdrantScrollPage,
			"with_payload": withData,
			"with_vector":  withData,
		}
		if f := qdrantFilter(filter); f != nil {
			req["filter"] = f
		}
		if offset != nil {
			req["offset"] = offset
		}
		var resp struct {
			Result struct {
				Points         []qdrantPoint `json:"points"`
				NextPageOffset any           `json:"next_page_offset"`
			} `json:"result"`
		}
		if _, err := c.do(ctx, http.MethodPost, c.collectionURL("/points/scroll"), req, &resp); err != nil {
			return err
		}
		for _, p := range resp.Result.Points {
			visit(p)
		}
		if resp.Result.NextPageOffset == nil {
			return nil
		}
		offset = resp.Result.NextPageOffset
	}
}

func (c *QdrantClient) Delete(ctx context.Context, ids []string) error {
	_, err := c.do(ctx, http.MethodPost, c.collectionURL("/points/delete?wait=true"), map[string]any{"points": ids}, nil)
	return err
}

func (c *QdrantClient) UpdatePayload(ctx context.Context, p Point) error {
	body := map[string]any{"payload": withReserved(p), "points": []string{p.ID}}
	_, err := c.do(ctx, http.MethodPut, c.collectionURL("/points/payload?wait=true"), body, nil)
	return err
}

func (c *QdrantClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *QdrantClient) collectionURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", c.url, c.collection, suffix)
}

// do sends a JSON request and decodes the response into out when given. The
// HTTP status is returned alongside any error.
func (c *QdrantClient) do(ctx context.Context, method, url string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("qdrant encode: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("qdrant %s %s failed: %s: %s", method, url, resp.Status, bytes.TrimSpace(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("qdrant decode: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func qdrantFilter(filter map[string]any) map[string]any {
	if len(filter) == 0 {
		return nil
	}
	must := make([]map[string]any, 0, len(filter))
	for k, v := range filter {
		must = append(must, map[string]any{"key": k, "match": map[string]any{"value": v}})
	}
	return map[string]any{"must": must}
}

func withReserved(p Point) map[string]any {
	out := make(map[string]any, len(p.Payload)+2)
	for k, v := range p.Payload {
		out[k] = v
	}
	out[TextField] = p.Text
	if !p.CreatedAt.IsZero() {
		out[CreatedAtField] = p.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func fromQdrant(q qdrantPoint) Point {
	p := Point{ID: q.ID, Vector: q.Vector, Payload: q.Payload}
	if t, ok := q.Payload[TextField].(string); ok {
		p.Text = t
	}
	if ts, ok := q.Payload[CreatedAtField].(string); ok {
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return p
}

var _ IndexClient = (*QdrantClient)(nil)
