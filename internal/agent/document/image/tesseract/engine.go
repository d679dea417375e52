// Package tesseract wraps the tesseract C library. It needs cgo and libtesseract.
package tesseract

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"

	"github.com/feichai0017/document-context/internal/agent/document"
	"github.com/feichai0017/document-context/internal/agent/document/image"
	"github.com/feichai0017/document-context/pkg/logger"
)

// Engine runs tesseract with single-block segmentation. The LSTM engine is
// tesseract's default mode, so no engine setting is passed.
type Engine struct {
	logger     logger.Logger
	preprocess []image.Preprocessor
}

func NewEngine(log logger.Logger, preprocess []image.Preprocessor) *Engine {
	return &Engine{logger: log, preprocess: preprocess}
}

type ocrOutput struct {
	res document.OCRResult
	err error
}

// Recognize honours ctx by abandoning the call. The cgo call itself cannot be interrupted.
func (e *Engine) Recognize(ctx context.Context, img []byte, opts document.OCROptions) (document.OCRResult, error) {
	done := make(chan ocrOutput, 1)
	go func() {
		res, err := e.recognize(img, opts)
		done <- ocrOutput{res: res, err: err}
	}()
	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return document.OCRResult{}, ctx.Err()
	}
}

func (e *Engine) recognize(img []byte, opts document.OCROptions) (document.OCRResult, error) {
	data, err := image.Apply(img, e.preprocess)
	if err != nil {
		return document.OCRResult{}, err
	}

	// 每个任务使用独立的 Tesseract 客户端
	client := gosseract.NewClient()
	defer client.Close()

	langs := opts.Languages
	if len(langs) == 0 {
		langs = []string{"eng"}
	}
	if err := client.SetLanguage(langs...); err != nil {
		return document.OCRResult{}, fmt.Errorf("failed to set language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_BLOCK); err != nil {
		return document.OCRResult{}, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if opts.Whitelist != "" {
		if err := client.SetWhitelist(opts.Whitelist); err != nil {
			return document.OCRResult{}, fmt.Errorf("failed to set whitelist: %w", err)
		}
	}
	if err := client.SetVariable("preserve_interword_spaces", "1"); err != nil {
		return document.OCRResult{}, err
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return document.OCRResult{}, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return document.OCRResult{}, fmt.Errorf("failed to get text: %w", err)
	}

	boxes, err := client.GetBoundingBoxesVerbose()
	if err != nil {
		e.logger.Warn("Failed to get bounding boxes", logger.Error(err))
		return document.OCRResult{Text: text}, nil
	}
	return document.OCRResult{Text: text, Confidence: meanConfidence(boxes, opts.MinConfidence)}, nil
}

func meanConfidence(boxes []gosseract.BoundingBox, floor float64) float64 {
	var total float64
	n := 0
	for _, b := range boxes {
		if b.Confidence >= floor {
			total += b.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n) / 100
}
