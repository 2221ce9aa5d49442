package pipeline

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Chunk greedily packs pages, in document-then-page order, into chunks whose
// size does not exceed budget. Size counts the page headers and separators
// written into segment text. Pages are never split across chunks; a
// single page larger than the budget is truncated and reported. Documents that
// appear more than once (same ID) are packed once.
func Chunk(documents []Document, budget int, visionPageCost int) ([]ContentChunk, []Warning) {
	if budget <= 0 {
		budget = 1
	}

	var (
		chunks   []ContentChunk
		warnings []Warning
		cur      ContentChunk
	)
	closeChunk := func() {
		if len(cur.Segments) == 0 {
			return
		}
		cur.Index = len(chunks)
		chunks = append(chunks, cur)
		cur = ContentChunk{}
	}

	seen := make(map[string]bool, len(documents))
	for _, doc := range documents {
		if seen[doc.ID] {
			warnings = append(warnings, Warning{
				Stage: StageChunk, Document: doc.ID,
				Message: fmt.Sprintf("document %s listed more than once, using first occurrence", doc.ID),
			})
			continue
		}
		seen[doc.ID] = true

		for _, page := range doc.Pages {
			body, cost := pageBody(page, visionPageCost)
			if cost > budget {
				if page.Image == nil {
					body = truncateRunes(body, max(budget-pageHeaderCost(page.Index), 0))
					warnings = append(warnings, Warning{
						Stage: StageChunk, Document: doc.ID, Page: page.Index,
						Message: fmt.Sprintf("page %d exceeds the chunk budget (%d > %d), truncated", page.Index, cost, budget),
					})
				} else {
					warnings = append(warnings, Warning{
						Stage: StageChunk, Document: doc.ID, Page: page.Index,
						Message: fmt.Sprintf("image page %d costs more than the chunk budget (%d > %d), sent on its own", page.Index, cost, budget),
					})
				}
				cost = budget
			}
			if cur.Size > 0 && cur.Size+cost > budget {
				closeChunk()
			}
			appendPage(&cur, doc, page, body, cost)
		}
	}
	closeChunk()
	return chunks, warnings
}

func pageBody(p Page, visionPageCost int) (string, int) {
	switch {
	case p.Image != nil:
		return p.Placeholder, visionPageCost + pageHeaderCost(p.Index)
	case strings.TrimSpace(p.Text) != "":
		return p.Text, utf8.RuneCountInString(p.Text) + pageHeaderCost(p.Index)
	default:
		return "", 0
	}
}

func pageHeader(index int) string {
	return fmt.Sprintf("=== Page %d ===\n", index)
}

// pageHeaderCost is the header plus the separator that precedes it when the
// page continues a segment.
func pageHeaderCost(index int) int {
	return len(pageHeader(index)) + len(pageSeparator)
}

const pageSeparator = "\n\n"

func appendPage(c *ContentChunk, doc Document, p Page, body string, cost int) {
	var seg *Segment
	if n := len(c.Segments); n > 0 {
		last := &c.Segments[n-1]
		if last.DocumentID == doc.ID && last.LastPage+1 == p.Index {
			seg = last
		}
	}
	if seg == nil {
		c.Segments = append(c.Segments, Segment{
			DocumentID:   doc.ID,
			DocumentName: doc.Name,
			FirstPage:    p.Index,
			LastPage:     p.Index,
		})
		seg = &c.Segments[len(c.Segments)-1]
	}
	seg.LastPage = p.Index

	if body != "" {
		var b strings.Builder
		b.WriteString(seg.Text)
		if seg.Text != "" {
			b.WriteString(pageSeparator)
		}
		b.WriteString(pageHeader(p.Index))
		b.WriteString(body)
		seg.Text = b.String()
	}
	if p.Image != nil {
		seg.Images = append(seg.Images, *p.Image)
		c.Mode = ModeVision
	} else if c.Mode == "" {
		c.Mode = ModeText
	}
	c.Size += cost
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
