package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// PDFOpener opens raw PDF bytes for text extraction.
type PDFOpener interface {
	Open(data []byte) (PDFDocument, error)
}

// PDFDocument exposes per-page text of an opened PDF. Pages are 1-based.
type PDFDocument interface {
	NumPages() int
	PageContent(page int) (PageContent, error)
}

// PageContent is what text extraction learned about one page.
type PageContent struct {
	Text string
	// Width and Height are in PDF points; zero when unknown.
	Width  float64
	Height float64
	// LargestImagePixels is width*height of the biggest embedded raster image.
	LargestImagePixels int
}

// PageRenderer renders a single 1-based page of a PDF to an image.
type PageRenderer interface {
	RenderPage(ctx context.Context, data []byte, page int) (Image, error)
}

// CachedPage is the derived, image-free record of an extracted page.
type CachedPage struct {
	Index              int
	Text               string
	Quality            float64
	UsedVisionFallback bool
}

// ExtractionCache stores derived page text and flags per document content.
type ExtractionCache interface {
	Load(ctx context.Context, key string) ([]CachedPage, bool, error)
	Store(ctx context.Context, key string, pages []CachedPage) error
}

// TextQuality is the outcome of the extraction quality heuristic.
type TextQuality struct {
	Score      float64
	Meaningful int
	Required   int
	WordRatio  float64
	Low        bool
	Reason     string
}

// AssessText scores extracted page text. Text is low quality when it is too
// short for the page area or mostly made of non-word characters.
func AssessText(text string, width, height float64, cfg Config) TextQuality {
	var meaningful, word int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		meaningful++
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			word++
		}
	}

	required := cfg.MinPageChars
	if area := width * height; area > 0 && cfg.MinCharsPerPoint2 > 0 {
		if byArea := int(area * cfg.MinCharsPerPoint2); byArea > required {
			required = byArea
		}
	}

	q := TextQuality{Meaningful: meaningful, Required: required}
	if meaningful > 0 {
		q.WordRatio = float64(word) / float64(meaningful)
	}

	lengthScore := 1.0
	if required > 0 {
		lengthScore = min(1, float64(meaningful)/float64(required))
	}
	q.Score = (lengthScore + q.WordRatio) / 2

	switch {
	case meaningful == 0:
		q.Low, q.Reason = true, "no text"
	case meaningful < required:
		q.Low, q.Reason = true, fmt.Sprintf("%d characters, need %d", meaningful, required)
	case q.WordRatio < cfg.MinWordRatio:
		q.Low, q.Reason = true, fmt.Sprintf("word character ratio %.2f", q.WordRatio)
	}
	return q
}

// PageExtractor decides per page between extracted text and a rendered image.
type PageExtractor struct {
	cfg      Config
	opener   PDFOpener
	renderer PageRenderer
	cache    ExtractionCache
	log      zerolog.Logger
}

func NewPageExtractor(cfg Config, opener PDFOpener, renderer PageRenderer, cache ExtractionCache, log zerolog.Logger) *PageExtractor {
	return &PageExtractor{cfg: cfg, opener: opener, renderer: renderer, cache: cache, log: log}
}

// Extract produces the Page for one page of an opened document. It never
// fails: problems degrade to vision fallback or an unusable page plus warnings.
func (e *PageExtractor) Extract(ctx context.Context, doc PDFDocument, data []byte, docID string, page int) (Page, []Warning) {
	content, err := safePageContent(doc, page)

	var reason string
	p := Page{Index: page}
	if err != nil {
		reason = "text extraction failed: " + err.Error()
	} else {
		q := AssessText(content.Text, content.Width, content.Height, e.cfg)
		p.Quality = q.Score
		switch {
		case q.Low:
			reason = "low quality text (" + q.Reason + ")"
		case e.cfg.LargeImagePixels > 0 && content.LargestImagePixels >= e.cfg.LargeImagePixels:
			reason = fmt.Sprintf("large embedded image (%d px)", content.LargestImagePixels)
		default:
			p.Text = strings.TrimSpace(content.Text)
			return p, nil
		}
	}

	return e.fallback(ctx, p, data, docID, reason)
}

func (e *PageExtractor) fallback(ctx context.Context, p Page, data []byte, docID, reason string) (Page, []Warning) {
	p.UsedVisionFallback = true
	p.Text = ""
	p.Placeholder = fmt.Sprintf("[image-based page %d]", p.Index)

	warnings := []Warning{{
		Stage:    StageExtract,
		Document: docID,
		Page:     p.Index,
		Message:  fmt.Sprintf("page %d fell back to vision: %s", p.Index, reason),
	}}

	if e.renderer == nil {
		warnings = append(warnings, Warning{
			Stage: StageExtract, Document: docID, Page: p.Index,
			Message: fmt.Sprintf("page %d has no usable content: no renderer configured", p.Index),
		})
		return p, warnings
	}

	img, err := e.renderer.RenderPage(ctx, data, p.Index)
	if err != nil {
		e.log.Warn().Err(err).Str("document", docID).Int("page", p.Index).Msg("render page failed")
		warnings = append(warnings, Warning{
			Stage: StageExtract, Document: docID, Page: p.Index,
			Message: fmt.Sprintf("page %d has no usable content: render failed: %v", p.Index, err),
		})
		return p, warnings
	}
	p.Image = &img
	return p, warnings
}

func safePageContent(doc PDFDocument, page int) (content PageContent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse page %d: %v", page, r)
		}
	}()
	return doc.PageContent(page)
}

// ExtractDocument opens one source document and extracts all its pages
// concurrently. Only a document that cannot be opened returns an error, of
// kind CorruptDocument.
func (e *PageExtractor) ExtractDocument(ctx context.Context, src SourceDocument) (Document, []Warning, error) {
	out := Document{ID: src.ID, Name: src.Name}
	key := contentKey(src.Data)

	if e.cache != nil {
		cached, ok, err := e.cache.Load(ctx, key)
		if err != nil {
			e.log.Warn().Err(err).Str("document", src.ID).Msg("extraction cache load failed")
		} else if ok && len(cached) > 0 {
			pages, warnings := e.fromCache(ctx, src, cached)
			out.Pages = pages
			return out, warnings, nil
		}
	}

	doc, err := safeOpen(e.opener, src.Data)
	if err != nil {
		return out, nil, newError(KindCorruptDocument, err, "document %s", displayName(src))
	}
	n := doc.NumPages()
	if n <= 0 {
		return out, nil, newError(KindCorruptDocument, nil, "document %s has no pages", displayName(src))
	}

	pages := make([]Page, n)
	pageWarnings := make([][]Warning, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ExtractConcurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pages[i], pageWarnings[i] = e.Extract(gctx, doc, src.Data, src.ID, i+1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, nil, err
	}

	var warnings []Warning
	for _, w := range pageWarnings {
		warnings = append(warnings, w...)
	}
	out.Pages = pages

	if e.cache != nil {
		records := make([]CachedPage, len(pages))
		for i, p := range pages {
			records[i] = CachedPage{Index: p.Index, Text: p.Text, Quality: p.Quality, UsedVisionFallback: p.UsedVisionFallback}
		}
		if err := e.cache.Store(ctx, key, records); err != nil {
			e.log.Warn().Err(err).Str("document", src.ID).Msg("extraction cache store failed")
		}
	}
	return out, warnings, nil
}

func (e *PageExtractor) fromCache(ctx context.Context, src SourceDocument, cached []CachedPage) ([]Page, []Warning) {
	pages := make([]Page, len(cached))
	var warnings []Warning
	for i, c := range cached {
		p := Page{Index: c.Index, Text: c.Text, Quality: c.Quality}
		if c.UsedVisionFallback {
			var w []Warning
			p, w = e.fallback(ctx, p, src.Data, src.ID, "cached low quality text")
			warnings = append(warnings, w...)
		}
		pages[i] = p
	}
	return pages, warnings
}

func safeOpen(opener PDFOpener, data []byte) (doc PDFDocument, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("open pdf: %v", r)
		}
	}()
	return opener.Open(data)
}

func contentKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func displayName(src SourceDocument) string {
	if src.Name != "" {
		return fmt.Sprintf("%q (%s)", src.Name, src.ID)
	}
	return src.ID
}
