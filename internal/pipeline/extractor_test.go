package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssessText(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name   string
		text   string
		width  float64
		height float64
		low    bool
	}{
		{name: "empty", text: "", low: true},
		{name: "whitespace only", text: " \n\t ", low: true},
		{name: "too short", text: "Chapter 1", low: true},
		{name: "rich text", text: richText(80), width: 612, height: 792, low: false},
		{name: "garbled glyphs", text: strings.Repeat("�%$#@!*&^ ", 40), low: true},
		{name: "short for a large page", text: richText(20), width: 2000, height: 3000, low: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := AssessText(tt.text, tt.width, tt.height, cfg)
			assert.Equal(t, tt.low, q.Low, "reason: %s", q.Reason)
			assert.GreaterOrEqual(t, q.Score, 0.0)
			assert.LessOrEqual(t, q.Score, 1.0)
		})
	}
}

func TestPageExtractorFallsBackToVision(t *testing.T) {
	cfg := DefaultConfig()
	doc := &fakeDoc{
		pages: []PageContent{
			{Text: richText(80), Width: 612, Height: 792},
			{Text: "", Width: 612, Height: 792},
			{Text: "Fig. 3", Width: 612, Height: 792},
			{Text: richText(80), Width: 612, Height: 792, LargestImagePixels: 1_000_000},
			{},
			{},
		},
		errs:   map[int]error{5: errors.New("invalid font encoding")},
		panics: map[int]bool{6: true},
	}
	renderer := &fakeRenderer{}
	ex := NewPageExtractor(cfg, nil, renderer, nil, zerolog.Nop())

	for page := 1; page <= 6; page++ {
		p, warnings := ex.Extract(context.Background(), doc, []byte("doc"), "doc", page)
		if page == 1 {
			assert.False(t, p.UsedVisionFallback)
			assert.NotEmpty(t, p.Text)
			assert.Nil(t, p.Image)
			assert.Empty(t, warnings)
			continue
		}
		assert.True(t, p.UsedVisionFallback, "page %d", page)
		assert.Empty(t, p.Text, "page %d", page)
		assert.Contains(t, p.Placeholder, "image-based page")
		require.NotNil(t, p.Image, "page %d", page)
		require.NotEmpty(t, warnings)
		assert.Contains(t, warnings[0].Message, "fell back to vision")
	}
	assert.Equal(t, 5, renderer.calls)
}

func TestPageExtractorRenderFailureLeavesPageUnusable(t *testing.T) {
	doc := &fakeDoc{pages: []PageContent{{Text: ""}}}
	ex := NewPageExtractor(DefaultConfig(), nil, &fakeRenderer{fail: true}, nil, zerolog.Nop())

	p, warnings := ex.Extract(context.Background(), doc, []byte("doc"), "doc", 1)

	assert.True(t, p.UsedVisionFallback)
	assert.False(t, p.Usable())
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[1].Message, "render failed")
}

func TestExtractDocumentCorrupt(t *testing.T) {
	ex := NewPageExtractor(DefaultConfig(), fakeOpener{}, &fakeRenderer{}, nil, zerolog.Nop())

	_, _, err := ex.ExtractDocument(context.Background(), SourceDocument{ID: "d1", Name: "broken.pdf", Data: []byte("garbage")})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptDocument)
	assert.Contains(t, err.Error(), "broken.pdf")
}

func TestExtractDocumentKeepsPageOrder(t *testing.T) {
	doc := richDoc(12)
	doc.pages[4].Text = ""
	opener := fakeOpener{docs: map[string]*fakeDoc{"a": doc}}
	ex := NewPageExtractor(DefaultConfig(), opener, &fakeRenderer{}, nil, zerolog.Nop())

	out, warnings, err := ex.ExtractDocument(context.Background(), SourceDocument{ID: "a", Data: []byte("a")})

	require.NoError(t, err)
	require.Len(t, out.Pages, 12)
	for i, p := range out.Pages {
		assert.Equal(t, i+1, p.Index)
	}
	assert.True(t, out.Pages[4].UsedVisionFallback)
	require.Len(t, warnings, 1)
	assert.Equal(t, 5, warnings[0].Page)
}

type memoryCache struct {
	stored map[string][]CachedPage
	loads  int
}

func (c *memoryCache) Load(_ context.Context, key string) ([]CachedPage, bool, error) {
	c.loads++
	pages, ok := c.stored[key]
	return pages, ok, nil
}

func (c *memoryCache) Store(_ context.Context, key string, pages []CachedPage) error {
	c.stored[key] = pages
	return nil
}

func TestExtractDocumentUsesCache(t *testing.T) {
	doc := richDoc(3)
	doc.pages[1].Text = ""
	opener := fakeOpener{docs: map[string]*fakeDoc{"a": doc}}
	cache := &memoryCache{stored: map[string][]CachedPage{}}
	renderer := &fakeRenderer{}
	ex := NewPageExtractor(DefaultConfig(), opener, renderer, cache, zerolog.Nop())
	src := SourceDocument{ID: "a", Data: []byte("a")}

	first, _, err := ex.ExtractDocument(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, cache.stored, 1)

	// A hit must not touch the PDF at all; only vision pages are re-rendered.
	opener.docs["a"].panics = map[int]bool{1: true, 2: true, 3: true}
	second, _, err := ex.ExtractDocument(context.Background(), src)
	require.NoError(t, err)

	require.Len(t, second.Pages, 3)
	assert.Equal(t, first.Pages[0].Text, second.Pages[0].Text)
	assert.True(t, second.Pages[1].UsedVisionFallback)
	assert.NotNil(t, second.Pages[1].Image)
	assert.Equal(t, 2, renderer.calls)
}
