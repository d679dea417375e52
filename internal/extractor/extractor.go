// Package extractor turns one document page into text, falling back to OCR
// when the text layer is missing or too numeric to trust.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/feichai0017/document-context/internal/agent/document"
	"github.com/feichai0017/document-context/internal/models"
	"github.com/feichai0017/document-context/pkg/logger"
)

const (
	DefaultTriggerLength = 400
	DefaultDigitRatio    = 0.35
	DefaultDPI           = 300
	DefaultPageTimeout   = 60 * time.Second

	// LowConfidence marks pages whose OCR step failed.
	LowConfidence = 0.2
)

// Options 单页提取参数
type Options struct {
	TriggerLength int
	DigitRatio    float64
	DPI           int
	PageTimeout   time.Duration
	OCR           document.OCROptions
}

func DefaultOptions() Options {
	return Options{
		TriggerLength: DefaultTriggerLength,
		DigitRatio:    DefaultDigitRatio,
		DPI:           DefaultDPI,
		PageTimeout:   DefaultPageTimeout,
		OCR:           document.OCROptions{Languages: []string{"eng"}},
	}
}

// Extractor holds no per-page state and is safe for concurrent use.
type Extractor struct {
	renderer document.Renderer
	engine   document.OCREngine
	opts     Options
	logger   logger.Logger
}

// New builds an extractor. Nil backends mean OCR is disabled.
func New(renderer document.Renderer, engine document.OCREngine, opts Options, log logger.Logger) *Extractor {
	if renderer == nil {
		renderer = document.NopRenderer{}
	}
	if engine == nil {
		engine = document.NopEngine{}
	}
	def := DefaultOptions()
	if opts.TriggerLength <= 0 {
		opts.TriggerLength = def.TriggerLength
	}
	if opts.DigitRatio <= 0 {
		opts.DigitRatio = def.DigitRatio
	}
	if opts.DPI <= 0 {
		opts.DPI = def.DPI
	}
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = def.PageTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Extractor{renderer: renderer, engine: engine, opts: opts, logger: log}
}

func (e *Extractor) Options() Options { return e.opts }

// Extract never returns an error. Failures are recorded on the page and the
// page keeps whatever text could be recovered.
func (e *Extractor) Extract(ctx context.Context, page document.Page) (result models.Page) {
	n := page.Number()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Page extraction panicked", logger.Int("page", n), logger.Any("panic", r))
			result = models.Page{
				Number: n,
				Method: models.MethodNone,
				Err:    models.NewExtractionError(n, models.CodeOCRFailed, fmt.Errorf("panic: %v", r)),
			}
		}
	}()

	text, items, err := page.Content()
	if err != nil {
		e.logger.Warn("Structural extraction failed", logger.Int("page", n), logger.Error(err))
		text, items = "", nil
	}
	structural := models.Page{
		Number:     n,
		Text:       text,
		Items:      items,
		Method:     models.MethodTextLayer,
		Confidence: structuralConfidence(text),
	}
	if !NeedsOCR(text, e.opts.TriggerLength, e.opts.DigitRatio) {
		return structural
	}

	pctx, cancel := context.WithTimeout(ctx, e.opts.PageTimeout)
	defer cancel()

	img, err := e.raster(pctx, page)
	if err != nil {
		if errors.Is(err, document.ErrUnavailable) {
			return structural
		}
		if code, ok := e.interrupted(ctx, pctx); ok {
			return e.failed(structural, code, err)
		}
		e.logger.Warn("Page render failed", logger.Int("page", n), logger.Error(err))
		return models.Page{
			Number: n,
			Method: models.MethodNone,
			Err:    models.NewExtractionError(n, models.CodeRenderFailed, err),
		}
	}

	res, err := e.engine.Recognize(pctx, img, e.opts.OCR)
	if err != nil {
		if errors.Is(err, document.ErrUnavailable) {
			return structural
		}
		code, ok := e.interrupted(ctx, pctx)
		if !ok {
			code = models.CodeOCRFailed
		}
		return e.failed(structural, code, err)
	}

	ocrText := NormalizeOCRText(res.Text)
	out := models.Page{
		Number:     n,
		Text:       MergeText(text, ocrText),
		Items:      items,
		OCR:        true,
		Confidence: res.Confidence,
		Method:     models.MethodOCR,
	}
	if AlphaLength(text) > 0 && ocrText != "" {
		out.Method = models.MethodMerged
	}
	if ocrText == "" {
		out.Method = structural.Method
		out.Confidence = LowConfidence
	}
	e.logger.Debug("Page recognized",
		logger.Int("page", n),
		logger.String("method", string(out.Method)),
		logger.Float64("confidence", out.Confidence),
	)
	return out
}

// raster uses the page's own image when it is one.
func (e *Extractor) raster(ctx context.Context, page document.Page) ([]byte, error) {
	if img := page.Image(); len(img) > 0 {
		return img, nil
	}
	return e.renderer.Render(ctx, page, e.opts.DPI)
}

// interrupted distinguishes the page deadline from caller cancellation.
func (e *Extractor) interrupted(parent, pctx context.Context) (string, bool) {
	if parent.Err() != nil {
		return models.CodeCancelled, true
	}
	if errors.Is(pctx.Err(), context.DeadlineExceeded) {
		return models.CodePageTimeout, true
	}
	return "", false
}

func (e *Extractor) failed(structural models.Page, code string, err error) models.Page {
	e.logger.Warn("OCR fallback failed, keeping structural text",
		logger.Int("page", structural.Number),
		logger.String("code", code),
		logger.Error(err),
	)
	structural.Confidence = LowConfidence
	structural.Err = models.NewExtractionError(structural.Number, code, err)
	if !structural.Usable() {
		structural.Method = models.MethodNone
	}
	return structural
}

func structuralConfidence(text string) float64 {
	if AlphaLength(text) == 0 {
		return 0
	}
	return 1
}
