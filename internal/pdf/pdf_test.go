package pdf

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPDF writes a minimal single-font PDF with one page per text.
func buildPDF(texts ...string) []byte {
	var objects []string
	n := len(texts)
	// 1 catalog, 2 pages, 3 font, then page/content pairs.
	kids := ""
	for i := range texts {
		kids += fmt.Sprintf("%d 0 R ", 4+2*i)
	}
	objects = append(objects,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d /MediaBox [0 0 612 792] >>", kids, n),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	)
	for i, text := range texts {
		stream := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
		objects = append(objects,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestOpenerReadsPages(t *testing.T) {
	data := buildPDF("Photosynthesis converts light energy", "Mitochondria produce ATP")

	doc, err := NewOpener().Open(data)
	require.NoError(t, err)
	require.Equal(t, 2, doc.NumPages())

	page, err := doc.PageContent(2)
	require.NoError(t, err)
	assert.Contains(t, page.Text, "Mitochondria")
	assert.InDelta(t, 612, page.Width, 0.01)
	assert.InDelta(t, 792, page.Height, 0.01)
	assert.Zero(t, page.LargestImagePixels)

	_, err = doc.PageContent(3)
	assert.Error(t, err)
}

func TestOpenerRejectsCorruptData(t *testing.T) {
	for _, data := range [][]byte{
		nil,
		[]byte("hello world"),
		[]byte("%PDF-1.4\nthis is not really a pdf"),
	} {
		_, err := NewOpener().Open(data)
		assert.Error(t, err)
	}
}

func TestFitzRendererProducesPNG(t *testing.T) {
	data := buildPDF("Rendered page")

	img, err := NewFitzRenderer(72).RenderPage(context.Background(), data, 1)
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MIMEType)

	decoded, err := png.Decode(bytes.NewReader(img.Data))
	require.NoError(t, err)
	assert.InDelta(t, 612, decoded.Bounds().Dx(), 2)

	_, err = NewFitzRenderer(72).RenderPage(context.Background(), data, 2)
	assert.Error(t, err)
}

func TestGhostscriptRenderer(t *testing.T) {
	if _, err := exec.LookPath("gs"); err != nil {
		t.Skip("ghostscript not installed")
	}
	img, err := NewGhostscriptRenderer("", 72).RenderPage(context.Background(), buildPDF("Rendered page"), 1)
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(img.Data))
	assert.NoError(t, err)
}

func TestNewRenderer(t *testing.T) {
	r, err := NewRenderer("none", 0)
	require.NoError(t, err)
	assert.Nil(t, r)

	r, err = NewRenderer("gs", 0)
	require.NoError(t, err)
	assert.IsType(t, &GhostscriptRenderer{}, r)

	_, err = NewRenderer("imagemagick", 0)
	assert.Error(t, err)
}
