//go:build !ocr

package llm

import (
	"context"

	"github.com/markdave123-py/contexta/internal/core"
)

// TesseractOCR is unavailable in builds without the ocr tag.
type TesseractOCR struct{}

func NewTesseractOCR([]string) (*TesseractOCR, error) {
	return nil, core.ErrOCRUnavailable
}

func (*TesseractOCR) RecognizePage(context.Context, []byte) (string, error) {
	return "", core.ErrOCRUnavailable
}

func (*TesseractOCR) Close() error { return nil }
