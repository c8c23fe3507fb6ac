package objectclient

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/markdave123-py/contexta/internal/config"
	"github.com/markdave123-py/contexta/internal/core"
)

const maxNameBytes = 200

// Open builds the artifact store named by ARTIFACT_STORE.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (core.ObjectClient, error) {
	switch cfg.ArtifactStore {
	case "s3":
		return NewS3Client(ctx, cfg, logger)
	case "local", "":
		return NewLocalStore(cfg.UploadsDir, logger)
	default:
		return nil, fmt.Errorf("unknown artifact store %q", cfg.ArtifactStore)
	}
}

// SanitizeFilename reduces a client-supplied name to a single safe path
// element. Directory parts, control characters and characters reserved on
// common filesystems are removed; an empty result becomes "file".
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))

	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			continue
		case strings.ContainsRune(`<>:"/|?*`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}

	out := strings.Trim(b.String(), ". ")
	if len(out) > maxNameBytes {
		cut := maxNameBytes
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	if out == "" {
		return "file"
	}
	return out
}

// newKey prefixes the sanitized name with a fresh uuid so a write never
// lands on an existing artifact.
func newKey(name string) string {
	return uuid.NewString() + "/" + SanitizeFilename(name)
}
