package pdf

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"github.com/gen2brain/go-fitz"

	"pdfcards/internal/pipeline"
)

// FitzRenderer rasterises pages in-process with MuPDF.
type FitzRenderer struct {
	dpi float64
}

func NewFitzRenderer(dpi float64) *FitzRenderer {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return &FitzRenderer{dpi: dpi}
}

// RenderPage renders a 1-based page to PNG.
func (r *FitzRenderer) RenderPage(ctx context.Context, data []byte, page int) (pipeline.Image, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Image{}, err
	}
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return pipeline.Image{}, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	// fitz pages are zero indexed.
	if page < 1 || page > doc.NumPage() {
		return pipeline.Image{}, fmt.Errorf("page %d out of range (%d pages)", page, doc.NumPage())
	}
	img, err := doc.ImageDPI(page-1, r.dpi)
	if err != nil {
		return pipeline.Image{}, fmt.Errorf("render page %d: %w", page, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return pipeline.Image{}, fmt.Errorf("encode page %d: %w", page, err)
	}
	return pipeline.Image{MIMEType: "image/png", Data: buf.Bytes()}, nil
}
