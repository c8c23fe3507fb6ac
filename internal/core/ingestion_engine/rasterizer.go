package ingestion_engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/markdave123-py/contexta/internal/core"
)

// PopplerRasterizer renders pages with the poppler-utils binaries.
type PopplerRasterizer struct {
	DPI          int
	PdftoppmPath string
	PdfinfoPath  string
}

func NewPopplerRasterizer(dpi int) *PopplerRasterizer {
	if dpi <= 0 {
		dpi = 150
	}
	return &PopplerRasterizer{DPI: dpi, PdftoppmPath: "pdftoppm", PdfinfoPath: "pdfinfo"}
}

// Available reports whether both binaries are on PATH.
func (p *PopplerRasterizer) Available() bool {
	if _, err := exec.LookPath(p.PdftoppmPath); err != nil {
		return false
	}
	_, err := exec.LookPath(p.PdfinfoPath)
	return err == nil
}

func (p *PopplerRasterizer) PageCount(ctx context.Context, pdfPath string) (int, error) {
	out, err := exec.CommandContext(ctx, p.PdfinfoPath, pdfPath).Output()
	if err != nil {
		return 0, fmt.Errorf("pdfinfo: %w", err)
	}
	return parsePageCount(out)
}

// Rasterize renders one 1-based page to PNG on stdout.
func (p *PopplerRasterizer) Rasterize(ctx context.Context, pdfPath string, page int) ([]byte, error) {
	n := strconv.Itoa(page)
	cmd := exec.CommandContext(ctx, p.PdftoppmPath,
		"-png", "-r", strconv.Itoa(p.DPI), "-f", n, "-l", n, "-singlefile", pdfPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdftoppm page %d: %w: %s", page, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("pdftoppm page %d: empty image", page)
	}
	return stdout.Bytes(), nil
}

func parsePageCount(info []byte) (int, error) {
	sc := bufio.NewScanner(bytes.NewReader(info))
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(key) != "Pages" {
			continue
		}
		return strconv.Atoi(strings.TrimSpace(val))
	}
	return 0, fmt.Errorf("pdfinfo: no page count in output")
}

var _ core.PageRasterizer = (*PopplerRasterizer)(nil)
