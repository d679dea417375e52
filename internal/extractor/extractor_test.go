package extractor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/document-context/internal/agent/document"
	"github.com/feichai0017/document-context/internal/chunker"
	"github.com/feichai0017/document-context/internal/models"
	"github.com/feichai0017/document-context/pkg/logger"
)

type fakePage struct {
	number int
	text   string
	img    []byte
	err    error
	panics bool
}

func (p *fakePage) Number() int { return p.number }
func (p *fakePage) Image() []byte {
	return p.img
}
func (p *fakePage) Content() (string, []models.TextItem, error) {
	if p.panics {
		panic("bad content stream")
	}
	return p.text, nil, p.err
}

type fakeRenderer struct {
	calls atomic.Int32
	err   error
}

func (r *fakeRenderer) Render(context.Context, document.Page, int) ([]byte, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return []byte("png"), nil
}

type fakeEngine struct {
	calls atomic.Int32
	res   document.OCRResult
	err   error
	block bool
}

func (e *fakeEngine) Recognize(ctx context.Context, _ []byte, _ document.OCROptions) (document.OCRResult, error) {
	e.calls.Add(1)
	if e.block {
		<-ctx.Done()
		return document.OCRResult{}, ctx.Err()
	}
	return e.res, e.err
}

func newExtractor(r document.Renderer, e document.OCREngine) *Extractor {
	return New(r, e, DefaultOptions(), logger.NewTestLogger())
}

var prose = strings.Repeat("The lease term runs for ten years. ", 15)

func TestHeuristics(t *testing.T) {
	assert.Equal(t, 6, AlphaLength("ab 12 $%^"))
	assert.Equal(t, 0.5, DigitRatio("ab12"))
	assert.Equal(t, 0.0, DigitRatio(""))

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"empty page", "", true},
		{"short page", "Rent Roll", true},
		{"long prose", prose, false},
		{"long but numeric", strings.Repeat("12345 abcd", 50), true},
		{"moderately numeric", strings.Repeat("123 abcdefg", 50), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsOCR(tt.text, DefaultTriggerLength, DefaultDigitRatio))
		})
	}
}

func TestNormalizeOCRText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"NOI   was\t\tl  million", "NOI was 1 million"},
		{"Unit 1O5 rent", "Unit 105 rent"},
		{"O units vacant", "0 units vacant"},
		{"2l3 and 1O0O1", "213 and 10001"},
		{"5O sq ft", "50 sq ft"},
		{"Oak Lane lease", "Oak Lane lease"},
		{"a\n\n\n\n\n\nb", "a\n\n\nb"},
		{"a\n\nb", "a\n\nb"},
		{"  \n row  \r\n", "row"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeOCRText(tt.in))
		})
	}
}

func TestMergeText(t *testing.T) {
	assert.Equal(t, "a\nb", MergeText("a ", " b"))
	assert.Equal(t, "b", MergeText("", "b"))
	assert.Equal(t, "a", MergeText("a", "  "))
}

func TestExtractProseSkipsOCR(t *testing.T) {
	r, e := &fakeRenderer{}, &fakeEngine{}
	page := newExtractor(r, e).Extract(context.Background(), &fakePage{number: 1, text: prose})

	assert.Equal(t, models.MethodTextLayer, page.Method)
	assert.False(t, page.OCR)
	assert.Equal(t, 1.0, page.Confidence)
	assert.Nil(t, page.Err)
	assert.Zero(t, r.calls.Load())
	assert.Zero(t, e.calls.Load())
}

func TestExtractScannedPageUsesOCR(t *testing.T) {
	r := &fakeRenderer{}
	e := &fakeEngine{res: document.OCRResult{
		Text:       "the lease commences on july first and\nruns for a term of five years",
		Confidence: 0.91,
	}}
	page := newExtractor(r, e).Extract(context.Background(), &fakePage{number: 1, img: []byte("scan")})

	require.Nil(t, page.Err)
	assert.True(t, page.OCR)
	assert.Equal(t, models.MethodOCR, page.Method)
	assert.Equal(t, 0.91, page.Confidence)
	assert.Zero(t, r.calls.Load(), "image pages are not rendered")

	chunks := chunker.New().Chunk("doc", page.Number, page.Text)
	require.NotEmpty(t, chunks)
	assert.Equal(t, models.ChunkParagraph, chunks[0].Type)
}

func TestExtractNumericPageMergesOCR(t *testing.T) {
	text := strings.Repeat("12345 abcd", 50)
	require.Equal(t, 500, len(text))
	require.Equal(t, 0.5, DigitRatio(text))

	r := &fakeRenderer{}
	e := &fakeEngine{res: document.OCRResult{Text: "Unit 1O1  $1,8OO", Confidence: 0.8}}
	page := newExtractor(r, e).Extract(context.Background(), &fakePage{number: 2, text: text})

	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, int32(1), e.calls.Load())
	assert.Equal(t, models.MethodMerged, page.Method)
	assert.True(t, strings.HasPrefix(page.Text, text+"\n"))
	assert.True(t, strings.HasSuffix(page.Text, "Unit 101 $1,8OO"))
}

func TestExtractOCRFailureKeepsStructuralText(t *testing.T) {
	e := &fakeEngine{err: errors.New("tesseract crashed")}
	page := newExtractor(&fakeRenderer{}, e).Extract(context.Background(), &fakePage{number: 3, text: "Rent Roll"})

	require.NotNil(t, page.Err)
	assert.Equal(t, models.KindExtraction, page.Err.Kind)
	assert.Equal(t, models.CodeOCRFailed, page.Err.Code)
	assert.Equal(t, "Rent Roll", page.Text)
	assert.Equal(t, LowConfidence, page.Confidence)
	assert.True(t, page.Usable())
}

func TestExtractRenderFailureEmptiesPage(t *testing.T) {
	r := &fakeRenderer{err: errors.New("bad xref")}
	page := newExtractor(r, &fakeEngine{}).Extract(context.Background(), &fakePage{number: 4, text: "Rent Roll"})

	require.NotNil(t, page.Err)
	assert.Equal(t, models.CodeRenderFailed, page.Err.Code)
	assert.Empty(t, page.Text)
	assert.False(t, page.Usable())
}

func TestExtractTimeoutKeepsStructuralText(t *testing.T) {
	opts := DefaultOptions()
	opts.PageTimeout = 20 * time.Millisecond
	x := New(&fakeRenderer{}, &fakeEngine{block: true}, opts, logger.NewTestLogger())

	page := x.Extract(context.Background(), &fakePage{number: 5, text: "Rent Roll"})
	require.NotNil(t, page.Err)
	assert.True(t, models.IsTimeout(page.Err))
	assert.Equal(t, models.KindExtraction, page.Err.Kind)
	assert.Equal(t, "Rent Roll", page.Text)
}

func TestExtractCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	page := newExtractor(&fakeRenderer{}, &fakeEngine{block: true}).Extract(ctx, &fakePage{number: 6})

	require.NotNil(t, page.Err)
	assert.Equal(t, models.CodeCancelled, page.Err.Code)
	assert.Equal(t, models.MethodNone, page.Method)
}

func TestExtractWithoutBackendsKeepsText(t *testing.T) {
	page := newExtractor(nil, nil).Extract(context.Background(), &fakePage{number: 7, text: "Rent Roll"})
	assert.Nil(t, page.Err)
	assert.Equal(t, "Rent Roll", page.Text)
	assert.False(t, page.OCR)
}

func TestExtractRecoversPanics(t *testing.T) {
	page := newExtractor(nil, nil).Extract(context.Background(), &fakePage{number: 8, panics: true})
	require.NotNil(t, page.Err)
	assert.Equal(t, 8, page.Err.Page)
}

func TestExtractStructuralErrorFallsBackToOCR(t *testing.T) {
	e := &fakeEngine{res: document.OCRResult{Text: "recovered", Confidence: 0.7}}
	page := newExtractor(&fakeRenderer{}, e).Extract(context.Background(), &fakePage{number: 9, err: errors.New("bad stream")})
	assert.Nil(t, page.Err)
	assert.Equal(t, "recovered", page.Text)
}
