package ingestion_engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"unicode"

	"github.com/ledongthuc/pdf"
	"github.com/panjf2000/ants/v2"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/models"
)

// extractPDF reads the text layer and degrades to per-page OCR when it holds
// fewer than minChars non-space characters.
func (e *Extractor) extractPDF(ctx context.Context, data []byte) ([]models.PositionedLine, error) {
	lines, pages, chars, err := readTextLayer(data)
	if err != nil {
		return nil, err
	}
	if chars >= e.minChars {
		return lines, nil
	}

	if e.ocr == nil || e.raster == nil {
		if chars > 0 {
			e.logger.Warn("pdf text layer is thin and ocr is not configured", "chars", chars)
			return lines, nil
		}
		return nil, fmt.Errorf("pdf has no text layer: %w", core.ErrOCRUnavailable)
	}

	e.logger.Info("pdf text layer below threshold, running ocr", "chars", chars, "pages", pages)
	ocrLines, err := e.ocrPDF(ctx, data, pages)
	if err != nil {
		if chars > 0 {
			e.logger.Warn("ocr failed, keeping text layer", "error", err)
			return lines, nil
		}
		return nil, err
	}
	return ocrLines, nil
}

// readTextLayer returns the text-layer lines, the page count and the number
// of non-space characters found.
func readTextLayer(data []byte) (lines []models.PositionedLine, pages int, chars int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open pdf: %w", err)
	}

	pages = r.NumPage()
	for i := 1; i <= pages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, perr := page.GetPlainText(nil)
		if perr != nil {
			continue
		}
		for _, l := range textLines(text, i) {
			chars += countNonSpace(l.Text)
			lines = append(lines, l)
		}
	}
	return lines, pages, chars, nil
}

// ocrPDF rasterizes and recognizes each page on a bounded pool. A failure on
// page one is returned; other failed pages become a single empty line.
func (e *Extractor) ocrPDF(ctx context.Context, data []byte, pages int) ([]models.PositionedLine, error) {
	f, err := os.CreateTemp("", "contexta-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create temp pdf: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("write temp pdf: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close temp pdf: %w", err)
	}

	if pages == 0 {
		if pages, err = e.raster.PageCount(ctx, path); err != nil {
			return nil, fmt.Errorf("count pages: %w", err)
		}
	}

	pool, err := ants.NewPool(e.workers)
	if err != nil {
		return nil, fmt.Errorf("ocr pool: %w", err)
	}
	defer pool.Release()

	texts := make([]string, pages)
	errs := make([]error, pages)
	var wg sync.WaitGroup
	for p := 1; p <= pages; p++ {
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			texts[p-1], errs[p-1] = e.ocrPage(ctx, path, p)
		}); err != nil {
			wg.Done()
			errs[p-1] = err
		}
	}
	wg.Wait()

	if pages > 0 && errs[0] != nil {
		e.pageFailed(1, errs[0])
		return nil, fmt.Errorf("ocr page 1: %w", errs[0])
	}

	var out []models.PositionedLine
	for i := 0; i < pages; i++ {
		page := i + 1
		if errs[i] != nil {
			e.pageFailed(page, errs[i])
			out = append(out, models.PositionedLine{Page: page, Line: 1, OCR: true})
			continue
		}
		for _, l := range textLines(texts[i], page) {
			l.OCR = true
			out = append(out, l)
		}
	}
	return out, nil
}

func (e *Extractor) ocrPage(ctx context.Context, path string, page int) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, e.rasterTimeout)
	img, err := e.raster.Rasterize(rctx, path, page)
	cancel()
	if err != nil {
		return "", fmt.Errorf("rasterize: %w", err)
	}

	octx, cancel := context.WithTimeout(ctx, e.ocrTimeout)
	defer cancel()
	text, err := e.ocr.RecognizePage(octx, img)
	if err != nil {
		return "", fmt.Errorf("recognize: %w", err)
	}
	return text, nil
}

func (e *Extractor) pageFailed(page int, err error) {
	e.logger.Warn("ocr page failed", "page", page, "error", err)
	if e.onPageFailure != nil {
		e.onPageFailure(page, err)
	}
}

func countNonSpace(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
