package ingestion_engine

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta/internal/models"
)

func mustSplitter(t *testing.T, cfg SplitConfig) *Splitter {
	t.Helper()
	s, err := NewSplitter(cfg)
	require.NoError(t, err)
	return s
}

func linesOf(page int, texts ...string) []models.PositionedLine {
	out := make([]models.PositionedLine, len(texts))
	for i, t := range texts {
		out[i] = models.PositionedLine{Page: page, Line: i + 1, Text: t}
	}
	return out
}

// paragraphs builds text with no repeated words so chunk positions are unambiguous.
func paragraphs(n int) []models.PositionedLine {
	var lines []models.PositionedLine
	word := 0
	for p := 0; p < n; p++ {
		var sentences []string
		for s := 0; s < 2+p%5; s++ {
			words := make([]string, 6+(p*s)%9)
			for w := range words {
				words[w] = fmt.Sprintf("w%d", word)
				word++
			}
			sentences = append(sentences, strings.Join(words, " ")+".")
		}
		lines = append(lines, models.PositionedLine{Page: 1 + p/10, Line: p%10 + 1, Text: strings.Join(sentences, " ")})
	}
	return lines
}

func TestSplitConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultSplitConfig().Validate())

	bad := DefaultSplitConfig()
	bad.MinSize = 800
	assert.Error(t, bad.Validate(), "two undersized chunks would exceed max")

	bad = DefaultSplitConfig()
	bad.Overlap = bad.TargetSize
	assert.Error(t, bad.Validate())

	bad = DefaultSplitConfig()
	bad.TargetSize = 2000
	assert.Error(t, bad.Validate())

	_, err := NewSplitter(SplitConfig{})
	assert.Error(t, err)
}

func TestSplitSpanCrossesPages(t *testing.T) {
	s := mustSplitter(t, DefaultSplitConfig())
	lines := []models.PositionedLine{
		{Page: 1, Line: 1, Text: "A"},
		{Page: 1, Line: 2, Text: "B"},
		{Page: 2, Line: 1, Text: "C"},
	}

	pieces := s.Split(lines)
	require.Len(t, pieces, 1)
	assert.Equal(t, "A\nB\nC", pieces[0].Text)
	assert.Equal(t, models.Span{Page: 1, Line: 1, EndPage: 2, EndLine: 1}, pieces[0].Span)
}

func TestSplitEmptyInputYieldsPlaceholder(t *testing.T) {
	s := mustSplitter(t, DefaultSplitConfig())
	for _, in := range [][]models.PositionedLine{nil, linesOf(1, "", "  ")} {
		pieces := s.Split(in)
		require.Len(t, pieces, 1)
		assert.Equal(t, EmptyDocumentText, pieces[0].Text)
		assert.Equal(t, models.Span{Page: 1, Line: 1, EndPage: 1, EndLine: 1}, pieces[0].Span)
	}
}

func TestSplitNeverExceedsMax(t *testing.T) {
	cfg := DefaultSplitConfig()
	s := mustSplitter(t, cfg)

	inputs := map[string][]models.PositionedLine{
		"no separators": linesOf(1, strings.Repeat("x", 5000)),
		"cjk":           linesOf(1, strings.Repeat("汉", 4000)),
		"paragraphs":    paragraphs(60),
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			pieces := s.Split(in)
			require.NotEmpty(t, pieces)
			for i, p := range pieces {
				assert.LessOrEqual(t, utf8.RuneCountInString(p.Text), cfg.MaxSize, "piece %d", i)
				assert.NotEmpty(t, strings.TrimSpace(p.Text))
			}
		})
	}
}

func TestSplitNoAdjacentUndersizedPair(t *testing.T) {
	cfg := DefaultSplitConfig()
	s := mustSplitter(t, cfg)

	pieces := s.Split(paragraphs(80))
	require.Greater(t, len(pieces), 2)
	for i := 0; i+1 < len(pieces); i++ {
		a := utf8.RuneCountInString(pieces[i].Text)
		b := utf8.RuneCountInString(pieces[i+1].Text)
		assert.False(t, a < cfg.MinSize && b < cfg.MinSize, "pieces %d and %d are both below min (%d, %d)", i, i+1, a, b)
	}
}

func TestSplitReconstructsWithoutOverlap(t *testing.T) {
	cfg := SplitConfig{
		TargetSize: 100,
		Overlap:    0,
		MinSize:    20,
		MaxSize:    200,
		Separators: []string{"\n\n", "\n", " ", ""},
	}
	s := mustSplitter(t, cfg)

	in := paragraphs(25)
	pieces := s.Split(in)
	require.Greater(t, len(pieces), 1)

	var src, got strings.Builder
	for _, l := range in {
		src.WriteString(l.Text)
	}
	for _, p := range pieces {
		got.WriteString(p.Text)
	}
	strip := func(s string) string { return strings.Join(strings.Fields(s), "") }
	assert.Equal(t, strip(src.String()), strip(got.String()))
}

func TestSplitSpansAreOrdered(t *testing.T) {
	s := mustSplitter(t, DefaultSplitConfig())
	pieces := s.Split(paragraphs(40))
	require.Greater(t, len(pieces), 1)

	for i, p := range pieces {
		sp := p.Span
		assert.True(t, sp.Page < sp.EndPage || (sp.Page == sp.EndPage && sp.Line <= sp.EndLine), "piece %d span %+v", i, sp)
		if i > 0 {
			prev := pieces[i-1].Span
			assert.True(t, prev.Page < sp.Page || (prev.Page == sp.Page && prev.Line <= sp.Line), "piece %d starts before piece %d", i, i-1)
		}
	}
	assert.Equal(t, 1, pieces[0].Span.Page)
	assert.Equal(t, 1, pieces[0].Span.Line)
	last := pieces[len(pieces)-1].Span
	assert.Equal(t, 4, last.EndPage)
	assert.Equal(t, 10, last.EndLine)
}
