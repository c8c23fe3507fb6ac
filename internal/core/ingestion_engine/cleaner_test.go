package ingestion_engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/markdave123-py/contexta/internal/models"
)

func TestClean(t *testing.T) {
	cases := []struct {
		name string
		in   string
		ocr  bool
		want string
	}{
		{"collapses whitespace", "  hello   world  ", false, "hello world"},
		{"drops zero width", "a\u200bb", false, "ab"},
		{"keeps tabs as column separators", "a \t b", false, "a\tb"},
		{"tabs only is empty", "\t\t", false, ""},
		{"collapses tab runs and trims tabs", "\ta\t\tb\t", false, "a\tb"},
		{"space then tab run", "a  \t\t  b", false, "a\tb"},
		{"keeps symbols outside ocr", "a ★", false, "a ★"},
		{"ocr drops symbols", "价格：100元 ★", true, "价格：100元"},
		{"ocr drops other scripts", "Привет hello", true, "hello"},
		{"empty stays empty", "", true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Clean(tc.in, tc.ocr))
		})
	}
}

func TestCleanLinesDropsEmptyAndKeepsPositions(t *testing.T) {
	in := []models.PositionedLine{
		{Page: 1, Line: 1, Text: " intro "},
		{Page: 1, Line: 2, Text: "   "},
		{Page: 2, Line: 5, Text: "★★", OCR: true},
		{Page: 2, Line: 6, Text: "body", OCR: true},
	}
	out := CleanLines(in)
	assert.Equal(t, []models.PositionedLine{
		{Page: 1, Line: 1, Text: "intro"},
		{Page: 2, Line: 6, Text: "body", OCR: true},
	}, out)
}
