package ingestion_engine

import (
	"strings"
	"unicode"

	"github.com/markdave123-py/contexta/internal/models"
)

// ocrPunctuation is the punctuation OCR output may keep; anything else that is
// not a letter or digit is treated as recognition noise.
const ocrPunctuation = ".,;:!?'\"()[]{}<>-_/\\@#$%&*+=~^|`" +
	"，。、；：！？“”‘’（）【】《》〈〉「」『』—…·￥％～"

// Clean normalizes a single line. Zero-width and control characters are
// removed, runs of whitespace collapse to one space and runs of tabs to one
// tab, kept as a column separator. Leading and trailing blanks are trimmed. OCR lines are further restricted to CJK scripts, Latin
// letters, digits and common punctuation. An empty line stays empty.
func Clean(line string, isOCR bool) string {
	if line == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(line))
	pendingSpace := false
	lastTab := false

	for _, r := range line {
		switch {
		case r == '\t':
			if !lastTab && b.Len() > 0 {
				b.WriteByte('\t')
			}
			pendingSpace, lastTab = false, true
			continue
		case unicode.IsSpace(r):
			pendingSpace = true
			continue
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r), r == unicode.ReplacementChar:
			continue
		}
		if isOCR && !ocrAllowed(r) {
			continue
		}
		if pendingSpace && b.Len() > 0 && !lastTab {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
		pendingSpace, lastTab = false, false
	}

	return strings.TrimRight(b.String(), "\t")
}

func ocrAllowed(r rune) bool {
	switch {
	case unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul):
		return true
	case unicode.IsLetter(r) && unicode.In(r, unicode.Latin):
		return true
	case unicode.IsDigit(r):
		return true
	}
	return strings.ContainsRune(ocrPunctuation, r)
}

// CleanLines cleans every line and drops the ones left empty. Page and line
// numbers are carried through unchanged.
func CleanLines(lines []models.PositionedLine) []models.PositionedLine {
	out := make([]models.PositionedLine, 0, len(lines))
	for _, l := range lines {
		text := Clean(l.Text, l.OCR)
		if text == "" {
			continue
		}
		l.Text = text
		out = append(out, l)
	}
	return out
}
