package pdf

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"pdfcards/internal/pipeline"
)

// GhostscriptRenderer shells out to gs for hosts without cgo.
type GhostscriptRenderer struct {
	binary string
	dpi    float64
}

func NewGhostscriptRenderer(binary string, dpi float64) *GhostscriptRenderer {
	if binary == "" {
		binary = "gs"
	}
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return &GhostscriptRenderer{binary: binary, dpi: dpi}
}

func (r *GhostscriptRenderer) RenderPage(ctx context.Context, data []byte, page int) (pipeline.Image, error) {
	tempDir, err := os.MkdirTemp("", "pdf-render-*")
	if err != nil {
		return pipeline.Image{}, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	input := filepath.Join(tempDir, "input.pdf")
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return pipeline.Image{}, fmt.Errorf("write temp pdf: %w", err)
	}
	output := filepath.Join(tempDir, "page.png")

	// png16m is 24-bit colour.
	cmd := exec.CommandContext(ctx, r.binary,
		"-dQUIET",
		"-dSAFER",
		"-dNOPAUSE",
		"-dBATCH",
		"-sDEVICE=png16m",
		fmt.Sprintf("-r%d", int(r.dpi)),
		fmt.Sprintf("-dFirstPage=%d", page),
		fmt.Sprintf("-dLastPage=%d", page),
		fmt.Sprintf("-sOutputFile=%s", output),
		input,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return pipeline.Image{}, ctx.Err()
		}
		return pipeline.Image{}, fmt.Errorf("ghostscript render failed: %w, stderr: %s", err, stderr.String())
	}

	imageData, err := os.ReadFile(output)
	if err != nil {
		return pipeline.Image{}, fmt.Errorf("read rendered page %d: %w", page, err)
	}
	return pipeline.Image{MIMEType: "image/png", Data: imageData}, nil
}
