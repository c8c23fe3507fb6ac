//go:build ocr

package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"github.com/markdave123-py/contexta/internal/core"
)

// TesseractOCR runs a local tesseract through its C API. Build with -tags ocr.
type TesseractOCR struct {
	mu     sync.Mutex
	client *gosseract.Client
}

func NewTesseractOCR(languages []string) (*TesseractOCR, error) {
	client := gosseract.NewClient()
	if len(languages) > 0 {
		if err := client.SetLanguage(languages...); err != nil {
			client.Close()
			return nil, fmt.Errorf("tesseract languages: %w", err)
		}
	}
	return &TesseractOCR{client: client}, nil
}

// RecognizePage is serialized: a gosseract client is not safe for
// concurrent use. The context is not observed by the C call.
func (t *TesseractOCR) RecognizePage(ctx context.Context, png []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.client.SetImageFromBytes(png); err != nil {
		return "", fmt.Errorf("tesseract image: %w", err)
	}
	text, err := t.client.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract: %w", err)
	}
	return text, nil
}

func (t *TesseractOCR) Close() error { return t.client.Close() }

var _ core.OCRProvider = (*TesseractOCR)(nil)
