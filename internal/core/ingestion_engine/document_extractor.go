package ingestion_engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"code.sajari.com/docconv"
	"github.com/xuri/excelize/v2"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/models"
)

// Supported format tags.
const (
	FormatPDF  = "pdf"
	FormatDOCX = "docx"
	FormatXLSX = "xlsx"
	FormatMD   = "md"
	FormatTXT  = "txt"
)

var mimeFormats = map[string]string{
	"application/pdf": FormatPDF,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": FormatDOCX,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       FormatXLSX,
	"text/markdown":   FormatMD,
	"text/x-markdown": FormatMD,
	"text/plain":      FormatTXT,
}

var tagFormats = map[string]string{
	"pdf":      FormatPDF,
	"docx":     FormatDOCX,
	"xlsx":     FormatXLSX,
	"md":       FormatMD,
	"markdown": FormatMD,
	"txt":      FormatTXT,
	"text":     FormatTXT,
}

// ResolveFormat maps an extension, bare tag, file name or MIME type onto a
// supported format tag.
func ResolveFormat(hint string) (string, bool) {
	h := strings.ToLower(strings.TrimSpace(hint))
	if i := strings.IndexByte(h, ';'); i >= 0 {
		h = strings.TrimSpace(h[:i])
	}
	if f, ok := mimeFormats[h]; ok {
		return f, true
	}
	if f, ok := tagFormats[strings.TrimPrefix(h, ".")]; ok {
		return f, true
	}
	if ext := filepath.Ext(h); ext != "" {
		f, ok := tagFormats[strings.TrimPrefix(ext, ".")]
		return f, ok
	}
	return "", false
}

// Extractor turns an artifact into positioned lines. PDFs whose text layer is
// too thin are rasterized and sent to the OCR provider page by page.
type Extractor struct {
	ocr           core.OCRProvider
	raster        core.PageRasterizer
	minChars      int
	ocrTimeout    time.Duration
	rasterTimeout time.Duration
	workers       int
	logger        *slog.Logger
	onPageFailure func(page int, err error)
}

type ExtractorOption func(*Extractor)

// WithOCR enables the scanned-PDF fallback.
func WithOCR(ocr core.OCRProvider, raster core.PageRasterizer) ExtractorOption {
	return func(e *Extractor) {
		e.ocr = ocr
		e.raster = raster
	}
}

// WithOCRThreshold sets how many non-space characters the text layer needs
// before OCR is skipped.
func WithOCRThreshold(minChars int) ExtractorOption {
	return func(e *Extractor) { e.minChars = minChars }
}

func WithOCRTimeouts(ocr, raster time.Duration) ExtractorOption {
	return func(e *Extractor) {
		e.ocrTimeout = ocr
		e.rasterTimeout = raster
	}
}

// WithOCRWorkers bounds how many pages of one document are recognized at once.
func WithOCRWorkers(n int) ExtractorOption {
	return func(e *Extractor) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithExtractorLogger(logger *slog.Logger) ExtractorOption {
	return func(e *Extractor) { e.logger = logger }
}

// WithPageFailureHook is called for every page whose OCR failed.
func WithPageFailureHook(fn func(page int, err error)) ExtractorOption {
	return func(e *Extractor) { e.onPageFailure = fn }
}

func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		minChars:      50,
		ocrTimeout:    60 * time.Second,
		rasterTimeout: 30 * time.Second,
		workers:       1,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "extractor")
	return e
}

// ExtractWithPosition never returns an empty slice: sources without text
// produce a single empty line on page 1.
func (e *Extractor) ExtractWithPosition(ctx context.Context, artifact []byte, formatHint string) ([]models.PositionedLine, error) {
	format, ok := ResolveFormat(formatHint)
	if !ok {
		return nil, &core.ExtractionError{Format: formatHint, Err: core.ErrUnsupportedFormat}
	}
	if len(bytes.TrimSpace(artifact)) == 0 {
		return placeholderLines(), nil
	}

	var (
		lines []models.PositionedLine
		err   error
	)
	switch format {
	case FormatPDF:
		lines, err = e.extractPDF(ctx, artifact)
	case FormatDOCX:
		lines, err = extractDOCX(artifact)
	case FormatXLSX:
		lines, err = extractXLSX(artifact)
	default:
		lines = textLines(string(artifact), 1)
	}
	if err != nil {
		var xe *core.ExtractionError
		if errors.As(err, &xe) {
			return nil, err
		}
		return nil, &core.ExtractionError{Format: format, Err: err}
	}
	if len(lines) == 0 {
		return placeholderLines(), nil
	}
	return lines, nil
}

func placeholderLines() []models.PositionedLine {
	return []models.PositionedLine{{Page: 1, Line: 1, Text: ""}}
}

// textLines splits text into one line per source line on the given page.
func textLines(text string, page int) []models.PositionedLine {
	text = strings.ToValidUTF8(text, "")
	text = strings.TrimPrefix(text, "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	raw := strings.Split(text, "\n")
	out := make([]models.PositionedLine, 0, len(raw))
	for i, l := range raw {
		out = append(out, models.PositionedLine{Page: page, Line: i + 1, Text: l})
	}
	return out
}

func extractDOCX(data []byte) ([]models.PositionedLine, error) {
	body, _, err := docconv.ConvertDocx(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("docconv: %w", err)
	}
	return textLines(body, 1), nil
}

// extractXLSX emits one page per sheet and one line per row, cells joined by
// tabs. Line numbers follow spreadsheet row numbers.
func extractXLSX(data []byte) ([]models.PositionedLine, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var out []models.PositionedLine
	for si, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		for ri, row := range rows {
			end := len(row)
			for end > 0 && strings.TrimSpace(row[end-1]) == "" {
				end--
			}
			out = append(out, models.PositionedLine{
				Page: si + 1,
				Line: ri + 1,
				Text: strings.Join(row[:end], "\t"),
			})
		}
	}
	return out, nil
}
