// Package chunker splits page text into token-bounded, type-tagged chunks.
package chunker

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/feichai0017/document-context/internal/models"
)

const (
	DefaultTokenBudget = 800

	maxHeaderLines = 3
	maxFooterLines = 2
)

var chunkNamespace = uuid.MustParse("6f1f2b8e-3c1d-5a7e-9a52-0c4b7d2e8f10")

// Option configures a Chunker.
type Option func(*Chunker)

// WithTokenBudget caps the estimated tokens per chunk.
func WithTokenBudget(budget int) Option {
	return func(c *Chunker) {
		if budget > 0 {
			c.budget = budget
		}
	}
}

// WithPreserveStructure keeps blocks of different types in separate chunks.
func WithPreserveStructure(preserve bool) Option {
	return func(c *Chunker) {
		c.preserve = preserve
	}
}

// WithTokenCounter swaps the default four-characters-per-token estimate.
func WithTokenCounter(counter TokenCounter) Option {
	return func(c *Chunker) {
		if counter != nil {
			c.counter = counter
		}
	}
}

// Chunker is stateless after construction and safe for concurrent use.
type Chunker struct {
	budget   int
	preserve bool
	counter  TokenCounter
}

// New creates a Chunker with the given options.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		budget:   DefaultTokenBudget,
		preserve: true,
		counter:  CharCounter{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Budget returns the configured token budget.
func (c *Chunker) Budget() int { return c.budget }

type line struct {
	text string
	no   int // 1-based
	kind models.ChunkType
}

type block struct {
	kind  models.ChunkType
	lines []line
}

// Chunk splits one page's final text. Chunk indexes restart at 0 on every page.
func (c *Chunker) Chunk(documentID string, page int, text string) []models.Chunk {
	blocks := c.segment(text)
	if len(blocks) == 0 {
		return nil
	}

	var pieces []block
	for _, b := range blocks {
		pieces = append(pieces, c.fit(b)...)
	}
	packed := c.pack(pieces)

	chunks := make([]models.Chunk, 0, len(packed))
	for i, p := range packed {
		body := p.text()
		chunks = append(chunks, models.Chunk{
			ID:         ChunkID(documentID, page, i),
			DocumentID: documentID,
			Page:       page,
			Index:      i,
			Position:   models.Position{Start: p.lines[0].no, End: p.lines[len(p.lines)-1].no},
			TokenCount: c.counter.Count(body),
			Type:       p.kind,
			Text:       body,
		})
	}
	return chunks
}

// ChunkID is stable for a (document, page, index) triple.
func ChunkID(documentID string, page, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s/%d/%d", documentID, page, index))).String()
}

// segment classifies lines and groups them into typed blocks.
func (c *Chunker) segment(text string) []block {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	raw := strings.Split(text, "\n")

	lines := make([]line, 0, len(raw))
	for i, r := range raw {
		if strings.TrimSpace(r) == "" {
			lines = append(lines, line{no: i + 1})
			continue
		}
		lines = append(lines, line{text: strings.TrimRight(r, " \t"), no: i + 1})
	}

	nonBlank := make([]int, 0, len(lines))
	for i, l := range lines {
		if l.text != "" {
			nonBlank = append(nonBlank, i)
		}
	}
	if len(nonBlank) == 0 {
		return nil
	}

	// leading headings
	header := 0
	for header < len(nonBlank) && header < maxHeaderLines {
		t := lines[nonBlank[header]].text
		if !IsHeadingLine(t) || IsTableLine(t) || IsFooterLine(t) {
			break
		}
		lines[nonBlank[header]].kind = models.ChunkHeader
		header++
	}
	// trailing furniture
	for k := 0; k < maxFooterLines; k++ {
		j := len(nonBlank) - 1 - k
		if j < header || !IsFooterLine(lines[nonBlank[j]].text) {
			break
		}
		lines[nonBlank[j]].kind = models.ChunkFooter
	}

	// table runs need at least two consecutive rows
	for i := 0; i < len(lines); {
		if lines[i].kind != "" || lines[i].text == "" || !IsTableLine(lines[i].text) {
			i++
			continue
		}
		j := i
		for j < len(lines) && lines[j].kind == "" && lines[j].text != "" && IsTableLine(lines[j].text) {
			j++
		}
		if j-i >= 2 {
			for k := i; k < j; k++ {
				lines[k].kind = models.ChunkTable
			}
		}
		i = j
	}

	inList := false
	for i := range lines {
		l := &lines[i]
		if l.text == "" {
			inList = false
			continue
		}
		if l.kind != "" {
			inList = false
			continue
		}
		switch {
		case IsListLine(l.text):
			l.kind = models.ChunkList
			inList = true
		case inList && startsIndented(l.text):
			l.kind = models.ChunkList
		default:
			l.kind = models.ChunkParagraph
			inList = false
		}
	}

	var blocks []block
	var cur *block
	for _, l := range lines {
		if l.text == "" {
			cur = nil
			continue
		}
		if cur == nil || cur.kind != l.kind {
			blocks = append(blocks, block{kind: l.kind})
			cur = &blocks[len(blocks)-1]
		}
		cur.lines = append(cur.lines, l)
	}
	return blocks
}

// fit splits a block so every piece fits the budget.
func (c *Chunker) fit(b block) []block {
	if c.counter.Count(b.text()) <= c.budget {
		return []block{b}
	}
	var out []block
	cur := block{kind: b.kind}
	for _, l := range b.lines {
		for _, part := range c.splitLine(l) {
			candidate := cur
			candidate.lines = append(append([]line{}, cur.lines...), part)
			if len(cur.lines) > 0 && c.counter.Count(candidate.text()) > c.budget {
				out = append(out, cur)
				cur = block{kind: b.kind, lines: []line{part}}
				continue
			}
			cur = candidate
		}
	}
	if len(cur.lines) > 0 {
		out = append(out, cur)
	}
	return out
}

// splitLine breaks an oversized line at word boundaries, and oversized words by runes.
func (c *Chunker) splitLine(l line) []line {
	if c.counter.Count(l.text) <= c.budget {
		return []line{l}
	}
	var out []line
	var cur string
	for _, w := range strings.Fields(l.text) {
		for c.counter.Count(w) > c.budget {
			if cur != "" {
				out = append(out, line{text: cur, no: l.no, kind: l.kind})
				cur = ""
			}
			n := c.maxPrefix(w)
			out = append(out, line{text: w[:n], no: l.no, kind: l.kind})
			w = w[n:]
		}
		if w == "" {
			continue
		}
		next := w
		if cur != "" {
			next = cur + " " + w
		}
		if cur != "" && c.counter.Count(next) > c.budget {
			out = append(out, line{text: cur, no: l.no, kind: l.kind})
			next = w
		}
		cur = next
	}
	if cur != "" {
		out = append(out, line{text: cur, no: l.no, kind: l.kind})
	}
	return out
}

// maxPrefix returns the byte length of the longest rune prefix of w that fits the budget.
func (c *Chunker) maxPrefix(w string) int {
	offsets := make([]int, 0, len(w)+1)
	for i := range w {
		offsets = append(offsets, i)
	}
	offsets = append(offsets, len(w))
	// offsets[k] is the byte length of the first k runes
	k := sort.Search(len(offsets), func(k int) bool {
		return c.counter.Count(w[:offsets[k]]) > c.budget
	}) - 1
	if k < 1 {
		k = 1
	}
	return offsets[k]
}

// pack merges adjacent pieces while they fit the budget.
func (c *Chunker) pack(pieces []block) []block {
	var out []block
	for _, p := range pieces {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if c.mergeable(last.kind, p.kind) {
				merged := block{kind: last.kind, lines: append(append([]line{}, last.lines...), p.lines...)}
				if c.counter.Count(merged.text()) <= c.budget {
					if !c.preserve {
						merged.kind = dominant(last, &p)
					}
					*last = merged
					continue
				}
			}
		}
		out = append(out, p)
	}
	return out
}

func (c *Chunker) mergeable(a, b models.ChunkType) bool {
	if !c.preserve {
		return true
	}
	if a != b {
		return false
	}
	// tables and lists stay one run per chunk so row groups are not interleaved
	return a == models.ChunkParagraph || a == models.ChunkHeader || a == models.ChunkFooter
}

func dominant(a, b *block) models.ChunkType {
	if len(b.lines) > len(a.lines) {
		return b.kind
	}
	return a.kind
}

func (b block) text() string {
	var sb strings.Builder
	for i, l := range b.lines {
		if i > 0 {
			if l.no-b.lines[i-1].no > 1 {
				sb.WriteString("\n\n")
			} else if l.no == b.lines[i-1].no {
				sb.WriteString(" ")
			} else {
				sb.WriteString("\n")
			}
		}
		sb.WriteString(l.text)
	}
	return sb.String()
}

func startsIndented(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return r == ' ' || r == '\t'
}

// Join concatenates chunks in index order.
func Join(chunks []models.Chunk) string {
	sorted := make([]models.Chunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	parts := make([]string, len(sorted))
	for i, ch := range sorted {
		parts[i] = ch.Text
	}
	return strings.Join(parts, "\n")
}

// NormalizeSpace collapses every whitespace run to a single space.
func NormalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
