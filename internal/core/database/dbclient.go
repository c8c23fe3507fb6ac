package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/markdave123-py/contexta/internal/config"
	"github.com/markdave123-py/contexta/internal/core"
)

// Open selects the relational backend from the DATABASE_URL scheme:
// postgres:// and postgresql:// use Postgres, sqlite:// or a bare path use SQLite.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (core.KnowledgeRepository, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	logger = logger.With("component", "database")

	url := cfg.DatabaseURL
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		logger.Info("using postgres knowledge repository")
		return NewPostgresRepository(ctx, url, cfg.SslCertPath, logger)
	case strings.HasPrefix(url, "sqlite://"):
		url = strings.TrimPrefix(url, "sqlite://")
	case strings.Contains(url, "://"):
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme in %q", url)
	}
	if url == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	logger.Info("using sqlite knowledge repository", "path", url)
	return OpenSQLite(url)
}
