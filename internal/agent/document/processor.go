package document

import (
	"context"
	"errors"

	"github.com/feichai0017/document-context/internal/models"
)

// ErrUnavailable is returned by renderers and OCR engines that are disabled by configuration.
var ErrUnavailable = errors.New("backend unavailable")

// Opener 打开原始字节，产出可逐页访问的文档
type Opener interface {
	// CanOpen 检查是否可以处理指定MIME类型的文件
	CanOpen(mimeType string) bool

	// Open parses the container. A corrupt container is an error.
	Open(data []byte) (Source, error)
}

// Source is an opened document. Pages are numbered from 1.
type Source interface {
	NumPages() int
	Page(n int) (Page, error)
	Close() error
}

// Page 单页，可提取结构文本也可栅格化
type Page interface {
	Number() int
	// Content returns the structural text and its positioned items. Image pages return empty text.
	Content() (string, []models.TextItem, error)
	// Image returns the raster for pages that are already images, nil otherwise.
	Image() []byte
}

// Renderer rasterizes a page at the given DPI.
type Renderer interface {
	Render(ctx context.Context, page Page, dpi int) ([]byte, error)
}

// OCROptions 识别参数
type OCROptions struct {
	Languages     []string
	Whitelist     string
	MinConfidence float64
}

// OCRResult carries recognized text and a confidence in [0,1].
type OCRResult struct {
	Text       string
	Confidence float64
}

// OCREngine recognizes text in a raster image.
type OCREngine interface {
	Recognize(ctx context.Context, img []byte, opts OCROptions) (OCRResult, error)
}

// NopRenderer is used when rendering is disabled.
type NopRenderer struct{}

func (NopRenderer) Render(context.Context, Page, int) ([]byte, error) {
	return nil, ErrUnavailable
}

// NopEngine is used when OCR is disabled.
type NopEngine struct{}

func (NopEngine) Recognize(context.Context, []byte, OCROptions) (OCRResult, error) {
	return OCRResult{}, ErrUnavailable
}
