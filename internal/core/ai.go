package core

import "context"

// EmbeddingProvider turns texts into vectors, one per input, in order.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// OCRProvider recognizes the text on a single rasterized page.
type OCRProvider interface {
	RecognizePage(ctx context.Context, png []byte) (string, error)
}

// PageRasterizer renders PDF pages to PNG images.
type PageRasterizer interface {
	PageCount(ctx context.Context, pdfPath string) (int, error)
	Rasterize(ctx context.Context, pdfPath string, page int) ([]byte, error)
}
