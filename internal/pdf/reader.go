// Package pdf adapts PDF libraries to the pipeline's extraction and
// rendering interfaces.
package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"pdfcards/internal/pipeline"
)

// Opener reads page text and layout with github.com/ledongthuc/pdf.
type Opener struct{}

func NewOpener() *Opener {
	return &Opener{}
}

// Open parses data as a PDF. The parser panics on some malformed inputs;
// those are returned as errors.
func (o *Opener) Open(data []byte) (doc pipeline.PDFDocument, err error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte("%PDF")) {
		return nil, errors.New("missing %PDF header")
	}
	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, fmt.Errorf("parse pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parse pdf: %w", err)
	}
	return &document{r: r}, nil
}

type document struct {
	r *pdf.Reader
}

func (d *document) NumPages() int {
	return d.r.NumPage()
}

func (d *document) PageContent(page int) (pipeline.PageContent, error) {
	if page < 1 || page > d.r.NumPage() {
		return pipeline.PageContent{}, fmt.Errorf("page %d out of range", page)
	}
	p := d.r.Page(page)
	if p.V.IsNull() {
		return pipeline.PageContent{}, fmt.Errorf("page %d missing from page tree", page)
	}

	text, err := p.GetPlainText(nil)
	if err != nil {
		return pipeline.PageContent{}, fmt.Errorf("extract text: %w", err)
	}
	width, height := mediaBox(p)
	return pipeline.PageContent{
		Text:               strings.TrimSpace(text),
		Width:              width,
		Height:             height,
		LargestImagePixels: largestImage(p),
	}, nil
}

// mediaBox walks up the page tree since MediaBox is inheritable.
func mediaBox(p pdf.Page) (float64, float64) {
	for v := p.V; !v.IsNull(); v = v.Key("Parent") {
		box := v.Key("MediaBox")
		if box.Kind() != pdf.Array || box.Len() != 4 {
			continue
		}
		w := box.Index(2).Float64() - box.Index(0).Float64()
		h := box.Index(3).Float64() - box.Index(1).Float64()
		if w < 0 {
			w = -w
		}
		if h < 0 {
			h = -h
		}
		return w, h
	}
	return 0, 0
}

func largestImage(p pdf.Page) int {
	xobjects := p.Resources().Key("XObject")
	largest := 0
	for _, name := range xobjects.Keys() {
		x := xobjects.Key(name)
		if x.Key("Subtype").Name() != "Image" {
			continue
		}
		px := int(x.Key("Width").Int64() * x.Key("Height").Int64())
		if px > largest {
			largest = px
		}
	}
	return largest
}
