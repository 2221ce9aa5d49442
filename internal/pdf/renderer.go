package pdf

import (
	"fmt"
	"strings"

	"pdfcards/internal/pipeline"
)

// DefaultDPI balances legibility for vision models against image size.
const DefaultDPI = 150

// NewRenderer returns the renderer named by kind: "fitz", "ghostscript" or
// "none". "none" yields a nil renderer, disabling vision fallback.
func NewRenderer(kind string, dpi float64) (pipeline.PageRenderer, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "fitz", "mupdf":
		return NewFitzRenderer(dpi), nil
	case "ghostscript", "gs":
		return NewGhostscriptRenderer("gs", dpi), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown renderer %q", kind)
	}
}
