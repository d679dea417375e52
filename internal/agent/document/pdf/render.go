package pdf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/feichai0017/document-context/internal/agent/document"
)

// ErrRendererNotFound is returned when pdftoppm is not on PATH.
var ErrRendererNotFound = fmt.Errorf("pdftoppm not found: %w", document.ErrUnavailable)

// CommandRunner runs an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// CheckAvailable reports whether pdftoppm can be found.
func CheckAvailable() error {
	if _, err := exec.LookPath("pdftoppm"); err != nil {
		return ErrRendererNotFound
	}
	return nil
}

// PopplerRenderer rasterizes PDF pages to PNG with poppler's pdftoppm.
type PopplerRenderer struct {
	runner CommandRunner
}

func NewPopplerRenderer() (*PopplerRenderer, error) {
	if err := CheckAvailable(); err != nil {
		return nil, err
	}
	return &PopplerRenderer{runner: execRunner{}}, nil
}

func NewPopplerRendererWithRunner(runner CommandRunner) *PopplerRenderer {
	return &PopplerRenderer{runner: runner}
}

type containerPage interface {
	Document() []byte
}

func (r *PopplerRenderer) Render(ctx context.Context, page document.Page, dpi int) ([]byte, error) {
	if img := page.Image(); img != nil {
		return img, nil
	}
	cp, ok := page.(containerPage)
	if !ok {
		return nil, errors.New("page has no container to render")
	}

	tmp, err := os.CreateTemp("", "render-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(cp.Document()); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}

	n := strconv.Itoa(page.Number())
	// without an output root pdftoppm writes the single page to stdout
	out, err := r.runner.Run(ctx, "pdftoppm",
		"-r", strconv.Itoa(dpi),
		"-f", n, "-l", n,
		"-png", "-singlefile",
		tmp.Name(),
	)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("pdftoppm produced no output")
	}
	return out, nil
}
