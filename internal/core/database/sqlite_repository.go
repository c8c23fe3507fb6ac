package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite" // CGO-free driver
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/models"
)

// SQLiteRepository is the KnowledgeRepository for single-node deployments.
type SQLiteRepository struct {
	db *gorm.DB
}

func OpenSQLite(path string) (*SQLiteRepository, error) {
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY under the worker pool.
	sqlDB.SetMaxOpenConns(1)

	if err := gdb.AutoMigrate(&models.KnowledgeRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &SQLiteRepository{db: gdb}, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, rec *models.KnowledgeRecord) error {
	if rec == nil {
		return errors.New("nil knowledge record")
	}
	rec.Status = statusOrDefault(rec.Status)
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("knowledge.title: %w", core.ErrTitleConflict)
		}
		return err
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id int64) (*models.KnowledgeRecord, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *SQLiteRepository) GetByTitle(ctx context.Context, title string) (*models.KnowledgeRecord, error) {
	return r.first(r.db.WithContext(ctx).Where("title = ?", title))
}

func (r *SQLiteRepository) GetByFileURL(ctx context.Context, fileURL string) (*models.KnowledgeRecord, error) {
	return r.first(r.db.WithContext(ctx).Where("file_url = ?", fileURL))
}

func (r *SQLiteRepository) first(q *gorm.DB) (*models.KnowledgeRecord, error) {
	var k models.KnowledgeRecord
	err := q.Order("id").First(&k).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (r *SQLiteRepository) List(ctx context.Context, limit, offset int) ([]models.KnowledgeRecord, error) {
	q := r.db.WithContext(ctx).Order("id")
	if limit > 0 {
		q = q.Limit(limit).Offset(max(offset, 0))
	}
	var out []models.KnowledgeRecord
	return out, q.Find(&out).Error
}

func (r *SQLiteRepository) Update(ctx context.Context, rec *models.KnowledgeRecord) error {
	now := time.Now()
	err := r.updates(ctx, rec.ID, map[string]any{
		"type":       rec.Type,
		"title":      rec.Title,
		"business":   rec.Business,
		"scene":      rec.Scene,
		"status":     statusOrDefault(rec.Status),
		"file_url":   rec.FileURL,
		"file_size":  rec.FileSize,
		"content":    rec.Content,
		"updated_at": now,
	})
	if err == nil {
		rec.UpdatedAt = now
	}
	return err
}

func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	return r.updates(ctx, id, map[string]any{"status": status, "updated_at": time.Now()})
}

func (r *SQLiteRepository) IncrementReferNum(ctx context.Context, id int64) error {
	return r.updates(ctx, id, map[string]any{"refer_num": gorm.Expr("refer_num + 1")})
}

func (r *SQLiteRepository) updates(ctx context.Context, id int64, values map[string]any) error {
	res := r.db.WithContext(ctx).Model(&models.KnowledgeRecord{}).Where("id = ?", id).UpdateColumns(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("knowledge %d: %w", id, core.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Delete(&models.KnowledgeRecord{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("knowledge %d: %w", id, core.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ core.KnowledgeRepository = (*SQLiteRepository)(nil)
