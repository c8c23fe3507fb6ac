package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/models"
)

// PostgresRepository is the KnowledgeRepository on Postgres.
type PostgresRepository struct {
	db *sql.DB
}

const knowledgeColumns = `id, type, title, business, scene, status, file_url, file_size, refer_num, content, created_at, updated_at`

func NewPostgresRepository(ctx context.Context, databaseURL, sslCertPath string, logger *slog.Logger) (*PostgresRepository, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn := databaseURL
	if sslCertPath != "" {
		if _, err := os.Stat(sslCertPath); err != nil {
			return nil, fmt.Errorf("ssl cert not accessible at %q: %w", sslCertPath, err)
		}
		u, err := url.Parse(databaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("sslmode", "verify-ca")
		q.Set("sslrootcert", sslCertPath)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &PostgresRepository{db: db}, nil
}

func (c *PostgresRepository) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *PostgresRepository) Create(ctx context.Context, rec *models.KnowledgeRecord) error {
	if rec == nil {
		return errors.New("nil knowledge record")
	}
	const q = `
		INSERT INTO knowledge
			(type, title, business, scene, status, file_url, file_size, refer_num, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`
	err := c.db.QueryRowContext(ctx, q,
		rec.Type, rec.Title, rec.Business, rec.Scene, statusOrDefault(rec.Status),
		rec.FileURL, rec.FileSize, rec.ReferNum, rec.Content,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return translatePgError(err)
	}
	rec.Status = statusOrDefault(rec.Status)
	return nil
}

func (c *PostgresRepository) Get(ctx context.Context, id int64) (*models.KnowledgeRecord, error) {
	return c.getOne(ctx, `SELECT `+knowledgeColumns+` FROM knowledge WHERE id = $1`, id)
}

func (c *PostgresRepository) GetByTitle(ctx context.Context, title string) (*models.KnowledgeRecord, error) {
	return c.getOne(ctx, `SELECT `+knowledgeColumns+` FROM knowledge WHERE title = $1`, title)
}

func (c *PostgresRepository) GetByFileURL(ctx context.Context, fileURL string) (*models.KnowledgeRecord, error) {
	return c.getOne(ctx, `SELECT `+knowledgeColumns+` FROM knowledge WHERE file_url = $1 ORDER BY id LIMIT 1`, fileURL)
}

func (c *PostgresRepository) getOne(ctx context.Context, q string, arg any) (*models.KnowledgeRecord, error) {
	var k models.KnowledgeRecord
	err := scanKnowledge(c.db.QueryRowContext(ctx, q, arg), &k)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (c *PostgresRepository) List(ctx context.Context, limit, offset int) ([]models.KnowledgeRecord, error) {
	q := `SELECT ` + knowledgeColumns + ` FROM knowledge ORDER BY id ASC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1 OFFSET $2`
		args = append(args, limit, max(offset, 0))
	}
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.KnowledgeRecord
	for rows.Next() {
		var k models.KnowledgeRecord
		if err := scanKnowledge(rows, &k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (c *PostgresRepository) Update(ctx context.Context, rec *models.KnowledgeRecord) error {
	const q = `
		UPDATE knowledge
		SET type = $2, title = $3, business = $4, scene = $5, status = $6,
		    file_url = $7, file_size = $8, content = $9, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`
	err := c.db.QueryRowContext(ctx, q,
		rec.ID, rec.Type, rec.Title, rec.Business, rec.Scene, statusOrDefault(rec.Status),
		rec.FileURL, rec.FileSize, rec.Content,
	).Scan(&rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("knowledge %d: %w", rec.ID, core.ErrNotFound)
	}
	return translatePgError(err)
}

func (c *PostgresRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	return c.execOne(ctx, id, `UPDATE knowledge SET status = $2, updated_at = now() WHERE id = $1`, id, status)
}

func (c *PostgresRepository) IncrementReferNum(ctx context.Context, id int64) error {
	return c.execOne(ctx, id, `UPDATE knowledge SET refer_num = refer_num + 1 WHERE id = $1`, id)
}

func (c *PostgresRepository) Delete(ctx context.Context, id int64) error {
	return c.execOne(ctx, id, `DELETE FROM knowledge WHERE id = $1`, id)
}

func (c *PostgresRepository) execOne(ctx context.Context, id int64, q string, args ...any) error {
	res, err := c.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("knowledge %d: %w", id, core.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKnowledge(row rowScanner, k *models.KnowledgeRecord) error {
	return row.Scan(
		&k.ID, &k.Type, &k.Title, &k.Business, &k.Scene, &k.Status,
		&k.FileURL, &k.FileSize, &k.ReferNum, &k.Content, &k.CreatedAt, &k.UpdatedAt,
	)
}

// translatePgError maps a unique violation on title onto ErrTitleConflict.
func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, core.ErrTitleConflict)
	}
	return err
}

func statusOrDefault(s string) string {
	if s == "" {
		return models.StatusEffective
	}
	return s
}

var _ core.KnowledgeRepository = (*PostgresRepository)(nil)
