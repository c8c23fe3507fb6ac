package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/markdave123-py/contexta/internal/core"
)

const ocrPrompt = "Transcribe all text on this page exactly as it appears, one output line per printed line. " +
	"Do not summarize, translate or add commentary. Return an empty response if the page has no text."

// GeminiOCR recognizes page images with a multimodal Gemini model.
type GeminiOCR struct {
	client    *genai.Client
	modelName string
}

func NewGeminiOCR(ctx context.Context, apiKey, modelName string) (*GeminiOCR, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &GeminiOCR{client: cl, modelName: modelName}, nil
}

func (g *GeminiOCR) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiOCR) RecognizePage(ctx context.Context, png []byte) (string, error) {
	m := g.client.GenerativeModel(g.modelName)
	m.SetTemperature(0)

	resp, err := m.GenerateContent(ctx, genai.ImageData("png", png), genai.Text(ocrPrompt))
	if err != nil {
		return "", fmt.Errorf("gemini ocr: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}

var _ core.OCRProvider = (*GeminiOCR)(nil)
