package objectclient

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta/internal/config"
	"github.com/markdave123-py/contexta/internal/core"
)

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"report.pdf":                 "report.pdf",
		"../../etc/passwd":           "passwd",
		`C:\Users\me\Quarterly.xlsx`: "Quarterly.xlsx",
		"re:port?.pdf":               "re_port_.pdf",
		"a\x00b.txt":                 "ab.txt",
		"..":                         "file",
		"":                           "file",
		"  notes.md  ":               "notes.md",
		"季度报告.docx":                  "季度报告.docx",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}

	long := SanitizeFilename(strings.Repeat("报", 100) + ".pdf")
	assert.LessOrEqual(t, len(long), maxNameBytes)
	assert.True(t, strings.HasPrefix(long, "报"))
}

func newLocal(t *testing.T) (*LocalStore, string) {
	t.Helper()
	root := t.TempDir()
	s, err := NewLocalStore(root, slog.Default())
	require.NoError(t, err)
	return s, root
}

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, root := newLocal(t)

	key, err := s.Put(ctx, "../secret/handbook.pdf", []byte("%PDF-1.4"), "application/pdf")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(key, "/handbook.pdf"), key)

	_, err = os.Stat(filepath.Join(root, filepath.FromSlash(key)))
	require.NoError(t, err)

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, key), core.ErrNotFound)
}

func TestLocalStoreNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	s, _ := newLocal(t)

	k1, err := s.Put(ctx, "same.txt", []byte("one"), "text/plain")
	require.NoError(t, err)
	k2, err := s.Put(ctx, "same.txt", []byte("two"), "text/plain")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	d1, err := s.Get(ctx, k1)
	require.NoError(t, err)
	assert.Equal(t, "one", string(d1))
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	s, _ := newLocal(t)

	for _, key := range []string{"../outside.txt", "/etc/passwd", "a/../../x", ""} {
		_, err := s.Get(ctx, key)
		assert.Error(t, err, key)
		assert.NotErrorIs(t, err, core.ErrNotFound, key)
	}
}

func TestOpenDefaultsToLocal(t *testing.T) {
	store, err := Open(context.Background(), &config.Config{ArtifactStore: "local", UploadsDir: t.TempDir()}, slog.Default())
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)

	_, err = Open(context.Background(), &config.Config{ArtifactStore: "ftp"}, slog.Default())
	assert.Error(t, err)
}
