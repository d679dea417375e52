package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/feichai0017/document-context/config"
	"github.com/feichai0017/document-context/internal/agent/document"
	"github.com/feichai0017/document-context/internal/agent/document/image"
	"github.com/feichai0017/document-context/internal/agent/document/image/tesseract"
	"github.com/feichai0017/document-context/internal/agent/document/pdf"
	"github.com/feichai0017/document-context/internal/extractor"
	"github.com/feichai0017/document-context/pkg/logger"
)

const (
	EngineTesseract = "tesseract"
	EngineTextract  = "textract"
	RendererPoppler = "pdftoppm"
	BackendNone     = "none"
)

// Backends 启动时根据配置选定的文档能力
type Backends struct {
	Openers  []document.Opener
	Renderer document.Renderer
	Engine   document.OCREngine
	logger   logger.Logger
}

// NewBackends selects the renderer and OCR engine named in cfg.OCR. A renderer
// binary missing from PATH disables rendering instead of failing startup.
func NewBackends(ctx context.Context, cfg *config.Config, log logger.Logger) (*Backends, error) {
	b := &Backends{
		Openers: []document.Opener{
			pdf.NewOpener(log),
			image.NewOpener(),
		},
		logger: log,
	}

	switch strings.ToLower(cfg.OCR.Renderer) {
	case RendererPoppler:
		r, err := pdf.NewPopplerRenderer()
		if err != nil {
			log.Warn("Page rendering disabled", logger.Error(err))
			b.Renderer = document.NopRenderer{}
		} else {
			b.Renderer = r
		}
	case BackendNone, "":
		b.Renderer = document.NopRenderer{}
	default:
		return nil, fmt.Errorf("unknown renderer %q", cfg.OCR.Renderer)
	}

	switch strings.ToLower(cfg.OCR.Engine) {
	case EngineTesseract:
		var chain []image.Preprocessor
		if cfg.OCR.Preprocess {
			chain = image.NewPipeline(image.DefaultPreprocessConfig())
		}
		b.Engine = tesseract.NewEngine(log.Named("tesseract"), chain)
	case EngineTextract:
		engine, err := image.NewTextractEngine(ctx, image.TextractConfig{
			Region:    cfg.Storage.S3.Region,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
		}, log.Named("textract"))
		if err != nil {
			return nil, fmt.Errorf("failed to create textract engine: %w", err)
		}
		b.Engine = engine
	case BackendNone, "":
		b.Engine = document.NopEngine{}
	default:
		return nil, fmt.Errorf("unknown OCR engine %q", cfg.OCR.Engine)
	}

	log.Info("Document backends ready",
		logger.String("renderer", cfg.OCR.Renderer),
		logger.String("engine", cfg.OCR.Engine),
	)
	return b, nil
}

// OpenerFor returns the opener for mimeType.
func (b *Backends) OpenerFor(mimeType string) (document.Opener, error) {
	for _, o := range b.Openers {
		if o.CanOpen(mimeType) {
			return o, nil
		}
	}
	return nil, fmt.Errorf("no opener for mime type: %s", mimeType)
}

// Extractor builds a page extractor over these backends.
func (b *Backends) Extractor(cfg config.OCRConfig, opts extractor.Options) *extractor.Extractor {
	if cfg.TriggerLength > 0 {
		opts.TriggerLength = cfg.TriggerLength
	}
	if cfg.DigitRatio > 0 {
		opts.DigitRatio = cfg.DigitRatio
	}
	if cfg.DPI > 0 {
		opts.DPI = cfg.DPI
	}
	opts.OCR = document.OCROptions{
		Languages:     cfg.Languages,
		Whitelist:     cfg.Whitelist,
		MinConfidence: cfg.MinConfidence,
	}
	return extractor.New(b.Renderer, b.Engine, opts, b.logger.Named("extractor"))
}
