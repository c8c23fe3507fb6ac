package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"
)

// PgvectorConfig configures the Postgres connection mode. The pgvector
// extension must be installable in the target database.
type PgvectorConfig struct {
	DSN       string
	Table     string
	Dimension int
}

// PgvectorClient stores points in a table with a vector column and a JSONB
// payload. Scores are 1 - cosine distance.
type PgvectorClient struct {
	db    *sql.DB
	table string
}

var tableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func NewPgvectorClient(ctx context.Context, cfg PgvectorConfig) (*PgvectorClient, error) {
	if cfg.DSN == "" {
		return nil, errors.New("pgvector dsn is required")
	}
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid pgvector table name %q", cfg.Table)
	}
	if cfg.Dimension <= 0 {
		return nil, errors.New("pgvector dimension must be > 0")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	c := &PgvectorClient{db: db, table: cfg.Table}
	if err := c.ensureTable(pctx, cfg.Dimension); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *PgvectorClient) ensureTable(ctx context.Context, dim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id          TEXT PRIMARY KEY,
			text        TEXT NOT NULL,
			embedding   VECTOR(%d),
			metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, c.table, dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_knowledge_idx ON %s ((metadata->>'knowledgeId'))`, c.table, c.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_metadata_idx ON %s USING GIN (metadata)`, c.table, c.table),
	}
	for _, q := range stmts {
		if _, err := c.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("bootstrap %s: %w", c.table, err)
		}
	}
	return nil
}

func (c *PgvectorClient) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`
		INSERT INTO %s (id, text, embedding, metadata, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
		ON CONFLICT (id) DO UPDATE
		SET text = EXCLUDED.text,
		    embedding = EXCLUDED.embedding,
		    metadata = EXCLUDED.metadata
	`, c.table)
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		meta, err := json.Marshal(p.Payload)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode payload %s: %w", p.ID, err)
		}
		var created any
		if !p.CreatedAt.IsZero() {
			created = p.CreatedAt
		}
		if _, err := stmt.ExecContext(ctx, p.ID, p.Text, pgvector.NewVector(p.Vector), meta, created); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (c *PgvectorClient) Search(ctx context.Context, vector []float32, limit int, filter map[string]any) ([]ScoredPoint, error) {
	where, args, err := jsonbFilter(filter, 2)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`
		SELECT id, text, embedding, metadata, created_at, embedding <=> $1 AS distance
		FROM %s
		%s
		ORDER BY distance ASC
		LIMIT %d
	`, c.table, where, limit)

	rows, err := c.db.QueryContext(ctx, q, append([]any{pgvector.NewVector(vector)}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var out []ScoredPoint
	for rows.Next() {
		var (
			p        Point
			distance float64
		)
		if err := scanPoint(rows, &p, &distance); err != nil {
			return nil, err
		}
		out = append(out, ScoredPoint{Point: p, Score: 1 - distance})
	}
	return out, rows.Err()
}

func (c *PgvectorClient) Scroll(ctx context.Context, filter map[string]any) ([]Point, error) {
	where, args, err := jsonbFilter(filter, 1)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT id, text, embedding, metadata, created_at FROM %s %s ORDER BY created_at, id`, c.table, where)
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("scroll: %w", err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var p Point
		if err := scanPoint(rows, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (c *PgvectorClient) ScrollIDs(ctx context.Context, filter map[string]any) ([]string, error) {
	where, args, err := jsonbFilter(filter, 1)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s %s`, c.table, where), args...)
	if err != nil {
		return nil, fmt.Errorf("scroll ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (c *PgvectorClient) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, c.table)
	_, err := c.db.ExecContext(ctx, q, ids)
	return err
}

func (c *PgvectorClient) UpdatePayload(ctx context.Context, p Point) error {
	meta, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("encode payload %s: %w", p.ID, err)
	}
	q := fmt.Sprintf(`UPDATE %s SET text = $2, metadata = $3 WHERE id = $1`, c.table)
	_, err = c.db.ExecContext(ctx, q, p.ID, p.Text, meta)
	return err
}

func (c *PgvectorClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// jsonbFilter turns scalar equalities into a single containment predicate
// starting at placeholder $first.
func jsonbFilter(filter map[string]any, first int) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	b, err := json.Marshal(filter)
	if err != nil {
		return "", nil, fmt.Errorf("encode filter: %w", err)
	}
	return fmt.Sprintf("WHERE metadata @> $%d::jsonb", first), []any{string(b)}, nil
}

func scanPoint(rows *sql.Rows, p *Point, extra ...any) error {
	var (
		emb  pgvector.Vector
		meta []byte
	)
	dest := append([]any{&p.ID, &p.Text, &emb, &meta, &p.CreatedAt}, extra...)
	if err := rows.Scan(dest...); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	p.Vector = emb.Slice()
	if err := json.Unmarshal(meta, &p.Payload); err != nil {
		return fmt.Errorf("decode payload %s: %w", p.ID, err)
	}
	return nil
}

var _ IndexClient = (*PgvectorClient)(nil)
