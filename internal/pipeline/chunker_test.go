package pipeline

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textPage(i, size int) Page {
	return Page{Index: i, Text: strings.Repeat("a", size), Quality: 1}
}

func visionPage(i int) Page {
	return Page{
		Index:              i,
		UsedVisionFallback: true,
		Placeholder:        fmt.Sprintf("[image-based page %d]", i),
		Image:              &Image{MIMEType: "image/png", Data: []byte{1}},
	}
}

func TestChunkIsLosslessAndNonOverlapping(t *testing.T) {
	docs := []Document{
		{ID: "a", Pages: []Page{textPage(1, 400), textPage(2, 400), textPage(3, 400), {Index: 4}}},
		{ID: "b", Pages: []Page{visionPage(1), textPage(2, 900), textPage(3, 100)}},
		{ID: "c", Pages: []Page{textPage(1, 50)}},
	}

	chunks, warnings := Chunk(docs, 1000, 300)
	require.Empty(t, warnings)

	var got []PageRef
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.LessOrEqual(t, c.Size, 1000)
		got = append(got, c.PageRefs()...)
	}

	var want []PageRef
	for _, d := range docs {
		for _, p := range d.Pages {
			want = append(want, PageRef{DocumentID: d.ID, Page: p.Index})
		}
	}
	assert.Equal(t, want, got)
}

func TestChunkModes(t *testing.T) {
	docs := []Document{
		{ID: "a", Pages: []Page{textPage(1, 450), textPage(2, 450), visionPage(3), textPage(4, 100)}},
	}

	chunks, _ := Chunk(docs, 1000, 300)

	require.Len(t, chunks, 2)
	assert.Equal(t, ModeText, chunks[0].Mode)
	assert.Empty(t, chunks[0].Images())
	assert.Equal(t, ModeVision, chunks[1].Mode)
	assert.Len(t, chunks[1].Images(), 1)
	assert.Contains(t, chunks[1].Segments[0].Text, "[image-based page 3]")
}

func TestChunkTruncatesOversizedPage(t *testing.T) {
	docs := []Document{{ID: "a", Pages: []Page{textPage(1, 100), textPage(2, 5000), textPage(3, 100)}}}

	chunks, warnings := Chunk(docs, 1000, 300)

	require.Len(t, warnings, 1)
	assert.Equal(t, 2, warnings[0].Page)
	assert.Contains(t, warnings[0].Message, "truncated")

	require.Len(t, chunks, 3)
	assert.Equal(t, 1000, chunks[1].Size)
	text := chunks[1].Segments[0].Text
	assert.LessOrEqual(t, utf8.RuneCountInString(text), 1000)
	body := strings.TrimPrefix(text, "=== Page 2 ===\n")
	assert.Equal(t, 1000-pageHeaderCost(2), utf8.RuneCountInString(body))
}

func TestChunkSizeCoversPageHeaders(t *testing.T) {
	var pages []Page
	for i := 1; i <= 10; i++ {
		pages = append(pages, textPage(i, 10))
	}

	chunks, warnings := Chunk([]Document{{ID: "a", Pages: pages}}, 50, 300)

	require.Empty(t, warnings)
	for _, c := range chunks {
		var text int
		for _, seg := range c.Segments {
			text += utf8.RuneCountInString(seg.Text)
		}
		assert.LessOrEqual(t, text, c.Size)
		assert.LessOrEqual(t, c.Size, 50)
	}

	chunks, _ = Chunk([]Document{{ID: "a", Pages: pages}}, 1000, 300)
	require.Len(t, chunks, 1)
	assert.LessOrEqual(t, utf8.RuneCountInString(chunks[0].Segments[0].Text), chunks[0].Size)
}

func TestChunkOversizedImagePageIsNotTruncated(t *testing.T) {
	docs := []Document{{ID: "a", Pages: []Page{textPage(1, 50), visionPage(2)}}}

	chunks, warnings := Chunk(docs, 200, 300)

	require.Len(t, warnings, 1)
	assert.Equal(t, 2, warnings[0].Page)
	assert.NotContains(t, warnings[0].Message, "truncated")
	assert.Contains(t, warnings[0].Message, "image page 2")

	require.Len(t, chunks, 2)
	assert.Equal(t, ModeVision, chunks[1].Mode)
	assert.Equal(t, 200, chunks[1].Size)
	assert.Contains(t, chunks[1].Segments[0].Text, "[image-based page 2]")
}

func TestChunkMergesConsecutivePagesIntoSegments(t *testing.T) {
	docs := []Document{
		{ID: "a", Name: "notes.pdf", Pages: []Page{textPage(1, 10), textPage(2, 10)}},
		{ID: "b", Name: "slides.pdf", Pages: []Page{textPage(1, 10)}},
	}

	chunks, _ := Chunk(docs, 1000, 300)

	require.Len(t, chunks, 1)
	require.Len(t, chunks[0].Segments, 2)
	assert.Equal(t, 1, chunks[0].Segments[0].FirstPage)
	assert.Equal(t, 2, chunks[0].Segments[0].LastPage)
	assert.Equal(t, "notes.pdf pp.1-2, slides.pdf p.1", chunks[0].Label())
}

func TestChunkSkipsDuplicateDocuments(t *testing.T) {
	doc := Document{ID: "a", Pages: []Page{textPage(1, 10), textPage(2, 10)}}

	chunks, warnings := Chunk([]Document{doc, doc}, 1000, 300)

	require.Len(t, warnings, 1)
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0].PageRefs(), 2)
}
