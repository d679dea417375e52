package image

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/feichai0017/document-context/internal/agent/document"
	"github.com/feichai0017/document-context/internal/models"
)

var supportedTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/tiff": true,
	"image/bmp":  true,
	"image/gif":  true,
}

// Opener treats a raster image as a one page document with no text layer.
type Opener struct{}

func NewOpener() *Opener {
	return &Opener{}
}

func (o *Opener) CanOpen(mimeType string) bool {
	return supportedTypes[strings.ToLower(mimeType)]
}

func (o *Opener) Open(data []byte) (document.Source, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	b := img.Bounds()
	return &Source{page: &Page{data: data, width: b.Dx(), height: b.Dy()}}, nil
}

// Source is a single image.
type Source struct {
	page *Page
}

func (s *Source) NumPages() int { return 1 }

func (s *Source) Page(n int) (document.Page, error) {
	if n != 1 {
		return nil, fmt.Errorf("page %d out of range", n)
	}
	return s.page, nil
}

func (s *Source) Close() error { return nil }

// Page is the image itself.
type Page struct {
	data          []byte
	width, height int
}

func (p *Page) Number() int { return 1 }

func (p *Page) Content() (string, []models.TextItem, error) { return "", nil, nil }

func (p *Page) Image() []byte { return p.data }

// Size returns the pixel dimensions.
func (p *Page) Size() (int, int) { return p.width, p.height }
