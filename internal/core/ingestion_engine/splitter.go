package ingestion_engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/markdave123-py/contexta/internal/models"
)

// EmptyDocumentText is the text of the single chunk emitted for documents
// with no extractable content.
const EmptyDocumentText = "[empty document]"

// DefaultSeparators orders split boundaries from paragraph down to character.
var DefaultSeparators = []string{
	"\n\n", "\n",
	"。", ". ", "！", "! ", "？", "? ",
	"；", "; ", "，", ", ",
	" ", "",
}

var fineSeparators = []string{
	"。", ". ", "！", "! ", "？", "? ",
	"；", "; ", "，", ", ",
	" ", "",
}

// SplitConfig bounds chunk sizes. All sizes count runes.
//
// TargetSize: size the boundary splitter aims for.
// Overlap:    runes shared between consecutive initial chunks.
// MinSize:    chunks below this are merged with their successor when possible.
// MaxSize:    hard upper bound on every emitted chunk.
type SplitConfig struct {
	TargetSize int
	Overlap    int
	MinSize    int
	MaxSize    int
	Separators []string
}

func DefaultSplitConfig() SplitConfig {
	return SplitConfig{TargetSize: 800, Overlap: 160, MinSize: 200, MaxSize: 1500}
}

func (c SplitConfig) Validate() error {
	switch {
	case c.MinSize <= 0 || c.MinSize >= c.MaxSize:
		return fmt.Errorf("splitter: min %d must be in (0, max %d)", c.MinSize, c.MaxSize)
	case 2*c.MinSize > c.MaxSize:
		return errors.New("splitter: two undersized chunks must fit within max")
	case c.TargetSize <= 0 || c.TargetSize > c.MaxSize:
		return fmt.Errorf("splitter: target %d must be in (0, max %d]", c.TargetSize, c.MaxSize)
	case c.Overlap < 0 || c.Overlap >= c.TargetSize:
		return fmt.Errorf("splitter: overlap %d must be in [0, target %d)", c.Overlap, c.TargetSize)
	}
	return nil
}

// Piece is a bounded span of document text and the lines it was cut from.
type Piece struct {
	Text string
	Span models.Span
}

// segment is a chunk candidate with its byte range in the joined blob.
// located is false when the range is a proportional estimate.
type segment struct {
	text       string
	start, end int
	located    bool
}

// lineRange is one source line inside the blob; end is exclusive and points
// at the joining newline.
type lineRange struct {
	page, line int
	start, end int
}

// Splitter turns cleaned lines into size-bounded pieces with their spans.
type Splitter struct {
	cfg    SplitConfig
	coarse textsplitter.RecursiveCharacter
	fine   textsplitter.RecursiveCharacter
}

func NewSplitter(cfg SplitConfig) (*Splitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seps := cfg.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	fineSize := cfg.MaxSize / 2
	if fineSize < cfg.MinSize {
		fineSize = cfg.MinSize
	}
	return &Splitter{
		cfg: cfg,
		coarse: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.TargetSize),
			textsplitter.WithChunkOverlap(cfg.Overlap),
			textsplitter.WithSeparators(seps),
			textsplitter.WithKeepSeparator(true),
			textsplitter.WithLenFunc(utf8.RuneCountInString),
		),
		fine: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(fineSize),
			textsplitter.WithChunkOverlap(0),
			textsplitter.WithSeparators(fineSeparators),
			textsplitter.WithKeepSeparator(true),
			textsplitter.WithLenFunc(utf8.RuneCountInString),
		),
	}, nil
}

// Split joins the lines, cuts them at the strongest available boundaries,
// merges undersized neighbours and re-splits oversized chunks. Input with no
// text yields a single EmptyDocumentText piece.
func (s *Splitter) Split(lines []models.PositionedLine) []Piece {
	blob, table := joinLines(lines)
	if strings.TrimSpace(blob) == "" {
		return []Piece{{
			Text: EmptyDocumentText,
			Span: models.Span{Page: 1, Line: 1, EndPage: 1, EndLine: 1},
		}}
	}

	parts, err := s.coarse.SplitText(blob)
	if err != nil || len(parts) == 0 {
		parts = []string{blob}
	}

	segs := locate(blob, 0, parts, true, s.cfg.Overlap*utf8.UTFMax)
	segs = s.merge(blob, segs)
	segs = s.splitOversized(blob, segs)
	segs = s.merge(blob, segs)

	out := make([]Piece, 0, len(segs))
	for _, sg := range segs {
		if strings.TrimSpace(sg.text) == "" {
			continue
		}
		out = append(out, Piece{Text: sg.text, Span: resolveSpan(table, sg.start, sg.end)})
	}
	if len(out) == 0 {
		out = append(out, Piece{Text: EmptyDocumentText, Span: models.Span{Page: 1, Line: 1, EndPage: 1, EndLine: 1}})
	}
	return out
}

// joinLines concatenates non-empty lines with newlines and records each
// line's byte range.
func joinLines(lines []models.PositionedLine) (string, []lineRange) {
	var b strings.Builder
	table := make([]lineRange, 0, len(lines))
	for _, l := range lines {
		if l.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		start := b.Len()
		b.WriteString(l.Text)
		table = append(table, lineRange{page: l.Page, line: l.Line, start: start, end: b.Len()})
	}
	return b.String(), table
}

// resolveSpan maps a byte range onto lines. The start line holds the first
// byte (a start on a joining newline belongs to the next line); the end line
// is the last line the range overlaps.
func resolveSpan(table []lineRange, start, end int) models.Span {
	if len(table) == 0 {
		return models.Span{Page: 1, Line: 1, EndPage: 1, EndLine: 1}
	}
	if end <= start {
		end = start + 1
	}
	first := sort.Search(len(table), func(i int) bool { return table[i].end > start })
	if first == len(table) {
		first = len(table) - 1
	}
	last := sort.Search(len(table), func(i int) bool { return table[i].start > end-1 }) - 1
	if last < first {
		last = first
	}
	return models.Span{
		Page:    table[first].page,
		Line:    table[first].line,
		EndPage: table[last].page,
		EndLine: table[last].line,
	}
}

// locate finds each part inside base: exact match from a moving cursor, then
// a whitespace-insensitive match, then a proportional estimate. Offsets are
// shifted by offset. When exact is false every result is marked as an
// estimate. Consecutive parts share at most overlap bytes, which keeps the
// cursor from matching a repeated phrase inside the previous part.
func locate(base string, offset int, parts []string, exact bool, overlap int) []segment {
	var (
		norm    string
		normIdx []int
	)
	segs := make([]segment, 0, len(parts))
	cursor := 0
	n := len(parts)

	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		if at := indexFrom(base, p, cursor); at >= 0 {
			segs = append(segs, segment{text: p, start: offset + at, end: offset + at + len(p), located: exact})
			cursor = max(at+1, at+len(p)-overlap)
			continue
		}

		if norm == "" {
			norm, normIdx = normalizeSpace(base)
		}
		np, _ := normalizeSpace(p)
		np = strings.TrimSpace(np)
		from := sort.SearchInts(normIdx, cursor)
		if at := indexFrom(norm, np, from); at >= 0 && np != "" {
			start := normIdx[at]
			end := normIdx[at+len(np)-1] + 1
			text := p
			if exact {
				text = base[start:end]
			}
			segs = append(segs, segment{text: text, start: offset + start, end: offset + end, located: exact})
			cursor = max(start+1, end-overlap)
			continue
		}

		start := runeFloor(base, i*len(base)/n)
		end := runeFloor(base, min(len(base), start+len(p)))
		segs = append(segs, segment{text: p, start: offset + start, end: offset + end})
	}
	return segs
}

// merge walks left to right and joins a chunk below MinSize with its
// successor while the result stays within MaxSize.
func (s *Splitter) merge(blob string, segs []segment) []segment {
	if len(segs) < 2 {
		return segs
	}
	out := make([]segment, 0, len(segs))
	cur := segs[0]
	for _, next := range segs[1:] {
		if runeLen(cur.text) < s.cfg.MinSize {
			if merged := joinSegments(blob, cur, next); runeLen(merged.text) <= s.cfg.MaxSize {
				cur = merged
				continue
			}
		}
		out = append(out, cur)
		cur = next
	}
	return append(out, cur)
}

func joinSegments(blob string, a, b segment) segment {
	if a.located && b.located && b.start >= a.start {
		end := max(a.end, b.end)
		return segment{text: blob[a.start:end], start: a.start, end: end, located: true}
	}
	return segment{
		text:  a.text + "\n" + b.text,
		start: min(a.start, b.start),
		end:   max(a.end, b.end),
	}
}

// splitOversized re-splits chunks above MaxSize with the finer splitter and
// hard-cuts whatever still does not fit.
func (s *Splitter) splitOversized(blob string, segs []segment) []segment {
	out := make([]segment, 0, len(segs))
	for _, sg := range segs {
		if runeLen(sg.text) <= s.cfg.MaxSize {
			out = append(out, sg)
			continue
		}
		parts, err := s.fine.SplitText(sg.text)
		if err != nil || len(parts) == 0 {
			parts = []string{sg.text}
		}
		for _, sub := range locate(sg.text, sg.start, parts, sg.located, 0) {
			if runeLen(sub.text) <= s.cfg.MaxSize {
				out = append(out, sub)
				continue
			}
			out = append(out, hardCut(sub, s.cfg.MaxSize)...)
		}
	}
	return out
}

// hardCut slices a segment into windows of at most size runes.
func hardCut(sg segment, size int) []segment {
	var out []segment
	text := sg.text
	pos := 0
	for len(text) > 0 {
		cut := len(text)
		if utf8.RuneCountInString(text) > size {
			cut = 0
			for i := 0; i < size; i++ {
				_, w := utf8.DecodeRuneInString(text[cut:])
				cut += w
			}
		}
		out = append(out, segment{
			text:    text[:cut],
			start:   sg.start + pos,
			end:     sg.start + pos + cut,
			located: sg.located,
		})
		pos += cut
		text = text[cut:]
	}
	return out
}

// normalizeSpace collapses whitespace runs to one space. idx maps every byte
// of the result back to its byte offset in s.
func normalizeSpace(s string) (string, []int) {
	var b strings.Builder
	b.Grow(len(s))
	idx := make([]int, 0, len(s))
	inSpace := false
	for i := 0; i < len(s); {
		r, w := utf8.DecodeRuneInString(s[i:])
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteByte(' ')
				idx = append(idx, i)
				inSpace = true
			}
			i += w
			continue
		}
		inSpace = false
		for k := 0; k < w; k++ {
			b.WriteByte(s[i+k])
			idx = append(idx, i+k)
		}
		i += w
	}
	return b.String(), idx
}

func indexFrom(s, sub string, from int) int {
	if from >= len(s) {
		return -1
	}
	at := strings.Index(s[from:], sub)
	if at < 0 {
		return -1
	}
	return from + at
}

func runeFloor(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
