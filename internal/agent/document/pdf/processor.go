package pdf

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/ledongthuc/pdf"

	"github.com/feichai0017/document-context/internal/agent/document"
	"github.com/feichai0017/document-context/internal/models"
	"github.com/feichai0017/document-context/internal/structure"
	"github.com/feichai0017/document-context/pkg/logger"
)

const MimeType = "application/pdf"

// Opener opens PDF containers with ledongthuc/pdf.
type Opener struct {
	logger logger.Logger
}

func NewOpener(log logger.Logger) *Opener {
	return &Opener{logger: log}
}

func (o *Opener) CanOpen(mimeType string) bool {
	return mimeType == MimeType
}

func (o *Opener) Open(data []byte) (src document.Source, err error) {
	// 损坏的文件可能让解析器 panic
	defer func() {
		if r := recover(); r != nil {
			src, err = nil, fmt.Errorf("failed to open pdf: %v", r)
		}
	}()

	reader := bytes.NewReader(data)
	pdfReader, err := pdf.NewReader(reader, reader.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}
	return &Source{reader: pdfReader, data: data, logger: o.logger}, nil
}

// Source is an opened PDF. Pages may be read from several goroutines;
// access to the underlying reader is serialized.
type Source struct {
	mu     sync.Mutex
	reader *pdf.Reader
	data   []byte
	logger logger.Logger
}

func (s *Source) NumPages() int {
	return s.reader.NumPage()
}

func (s *Source) Page(n int) (document.Page, error) {
	if n < 1 || n > s.reader.NumPage() {
		return nil, fmt.Errorf("page %d out of range", n)
	}
	return &Page{src: s, number: n}, nil
}

func (s *Source) Close() error {
	return nil
}

// Page is one PDF page.
type Page struct {
	src    *Source
	number int
}

func (p *Page) Number() int { return p.number }

func (p *Page) Image() []byte { return nil }

// Document returns the container bytes, which renderers need.
func (p *Page) Document() []byte { return p.src.data }

// Content extracts positioned text. When the content stream cannot be
// interpreted the plain text extractor is tried instead.
func (p *Page) Content() (text string, items []models.TextItem, err error) {
	p.src.mu.Lock()
	defer p.src.mu.Unlock()

	page := p.src.reader.Page(p.number)
	if page.V.IsNull() {
		return "", nil, nil
	}

	items, err = p.items(page)
	if err == nil && len(items) > 0 {
		return structure.LayoutText(items), items, nil
	}
	if err != nil {
		p.src.logger.Warn("Falling back to plain text extraction",
			logger.Int("page", p.number),
			logger.Error(err),
		)
	}
	text, err = p.plainText(page)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get text from page %d: %w", p.number, err)
	}
	return text, nil, nil
}

func (p *Page) items(page pdf.Page) (items []models.TextItem, err error) {
	defer func() {
		if r := recover(); r != nil {
			items, err = nil, fmt.Errorf("content stream: %v", r)
		}
	}()
	return MergeGlyphs(page.Content().Text), nil
}

func (p *Page) plainText(page pdf.Page) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("plain text: %v", r)
		}
	}()
	return page.GetPlainText(nil)
}

// MergeGlyphs joins adjacent glyph runs on the same baseline into words.
// Whitespace glyphs end the current word.
func MergeGlyphs(glyphs []pdf.Text) []models.TextItem {
	var items []models.TextItem
	open := false
	for _, g := range glyphs {
		if strings.TrimFunc(g.S, unicode.IsSpace) == "" {
			open = false
			continue
		}
		if n := len(items); open && n > 0 {
			last := &items[n-1]
			fs := math.Max(last.FontSize, 1)
			if math.Abs(last.Y-g.Y) < fs*0.2 && g.X-(last.X+last.W) < fs*0.15 && g.X >= last.X {
				last.Text += g.S
				last.W = math.Max(last.W, g.X+g.W-last.X)
				continue
			}
		}
		items = append(items, models.TextItem{Text: g.S, X: g.X, Y: g.Y, W: g.W, FontSize: g.FontSize})
		open = true
	}
	return items
}
