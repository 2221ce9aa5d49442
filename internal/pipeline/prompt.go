package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// CorrectiveInstruction is appended to a chunk prompt after the model returned
// output that could not be parsed.
const CorrectiveInstruction = `Your previous output was not valid JSON. Return only a JSON array of objects with "question", "answer" and optional "hint" string fields, with no other text.`

const (
	maxSummaryLineRunes    = 80
	summaryLinesPerSegment = 3
)

// PromptBuilder turns chunks and learning instructions into per-chunk prompts.
type PromptBuilder struct {
	cfg Config
}

func NewPromptBuilder(cfg Config) *PromptBuilder {
	return &PromptBuilder{cfg: cfg}
}

// ValidateRequest rejects requests before any model call is made.
func ValidateRequest(instructions string, targetCount, ceiling int) error {
	if strings.TrimSpace(instructions) == "" {
		return newError(KindInvalidRequest, nil, "instructions are empty")
	}
	if targetCount <= 0 {
		return newError(KindInvalidRequest, nil, "target count must be positive, got %d", targetCount)
	}
	if ceiling > 0 && targetCount > ceiling {
		return newError(KindInvalidRequest, nil, "target count %d exceeds the ceiling of %d", targetCount, ceiling)
	}
	return nil
}

// Build validates the request, distributes targetCount over the chunks and
// renders one prompt per chunk that received a non-zero share. With no chunks
// and a topic, a single topic-only prompt is produced.
func (b *PromptBuilder) Build(instructions, topic string, chunks []ContentChunk, targetCount int, existing []Flashcard) (GenerationRequest, error) {
	if err := ValidateRequest(instructions, targetCount, b.cfg.Ceiling); err != nil {
		return GenerationRequest{}, err
	}

	req := GenerationRequest{
		Instructions: instructions,
		Topic:        strings.TrimSpace(topic),
		TargetCount:  targetCount,
		Chunks:       chunks,
	}

	if len(chunks) == 0 {
		if req.Topic == "" {
			return req, newError(KindNoExtractableContent, nil, "no documents and no deck topic")
		}
		chunk := ContentChunk{Mode: ModeText}
		req.Chunks = []ContentChunk{chunk}
		req.Prompts = []ChunkPrompt{{
			Chunk:  chunk,
			Count:  targetCount,
			Mode:   ModeText,
			Prompt: b.render(req, chunk, 1, targetCount, nil, existing),
		}}
		return req, nil
	}

	sizes := make([]int, len(chunks))
	for i, c := range chunks {
		sizes[i] = c.Size
	}
	alloc := Allocate(sizes, targetCount)

	var summary []string
	for i, chunk := range chunks {
		if alloc[i] == 0 {
			continue
		}
		req.Prompts = append(req.Prompts, ChunkPrompt{
			Chunk:  chunk,
			Count:  alloc[i],
			Mode:   chunk.Mode,
			Images: chunk.Images(),
			Prompt: b.render(req, chunk, len(chunks), alloc[i], tail(summary, b.cfg.MaxSummaryEntries), existing),
		})
		summary = append(summary, chunkConcepts(chunk)...)
	}
	return req, nil
}

// Allocate distributes target across chunks proportionally to their sizes.
// Every non-empty chunk gets at least one card and the shares sum to target;
// the rounding remainder, positive or negative, is absorbed by the largest
// chunks. When target is smaller than the number of non-empty chunks, the
// largest chunks get one card each.
func Allocate(sizes []int, target int) []int {
	alloc := make([]int, len(sizes))
	if target <= 0 {
		return alloc
	}

	var order []int
	total := 0
	for i, s := range sizes {
		if s > 0 {
			order = append(order, i)
			total += s
		}
	}
	if len(order) == 0 {
		return alloc
	}
	sort.SliceStable(order, func(a, b int) bool { return sizes[order[a]] > sizes[order[b]] })

	if target < len(order) {
		for _, i := range order[:target] {
			alloc[i] = 1
		}
		return alloc
	}

	sum := 0
	for _, i := range order {
		share := int(int64(target) * int64(sizes[i]) / int64(total))
		if share < 1 {
			share = 1
		}
		alloc[i] = share
		sum += share
	}

	remainder := target - sum
	if remainder > 0 {
		alloc[order[0]] += remainder
	}
	for _, i := range order {
		if remainder >= 0 {
			break
		}
		take := min(alloc[i]-1, -remainder)
		alloc[i] -= take
		remainder += take
	}
	return alloc
}

func (b *PromptBuilder) render(req GenerationRequest, chunk ContentChunk, chunkTotal, count int, summary []string, existing []Flashcard) string {
	var sb strings.Builder

	sb.WriteString("You are an expert educator who designs flashcards for active recall and spaced repetition.\n\n")
	sb.WriteString("Learning instructions (follow them exactly):\n")
	sb.WriteString(req.Instructions)
	sb.WriteString("\n\n")
	if req.Topic != "" {
		sb.WriteString("Deck topic: " + sanitizeForPrompt(req.Topic, 200) + "\n\n")
	}

	if len(chunk.Segments) == 0 {
		fmt.Fprintf(&sb, "Create exactly %d flashcards about the deck topic using your own knowledge.\n\n", count)
	} else {
		fmt.Fprintf(&sb, "Create exactly %d flashcards from the source material below (part %d of %d: %s).\n\n",
			count, chunk.Index+1, chunkTotal, chunk.Label())
	}

	sb.WriteString(`Output rules:
- Respond with ONLY a JSON array. Each element is an object {"question": "...", "answer": "...", "hint": "..."}; "hint" is optional.
- Questions must be atomic, unambiguous and answerable from the material.
- When the instructions ask for prerequisites or foundational concepts, include cards for them as well.
- Do not repeat concepts that other parts of this material already cover (listed below).
- Do not duplicate flashcards that already exist in the deck (listed below).
`)
	sb.WriteString("\n")

	if len(chunk.Segments) > 0 {
		if len(summary) == 0 {
			sb.WriteString("Concepts already requested from other parts: none, this is the first part.\n\n")
		} else {
			sb.WriteString("Concepts already requested from other parts:\n")
			for _, line := range summary {
				sb.WriteString("- " + line + "\n")
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString(buildExistingCardsPrompt(existing, b.cfg.MaxExistingInPrompt))

	if len(chunk.Segments) == 0 {
		return sb.String()
	}

	sb.WriteString("\nSource material:\n")
	if chunk.Mode == ModeVision {
		sb.WriteString("Pages marked as image-based are attached as images in page order; read them as part of the material.\n")
	}
	for _, seg := range chunk.Segments {
		if seg.Text == "" {
			continue
		}
		name := seg.DocumentName
		if name == "" {
			name = seg.DocumentID
		}
		fmt.Fprintf(&sb, "\n--- %s, pages %d-%d ---\n%s\n", name, seg.FirstPage, seg.LastPage, seg.Text)
	}
	return sb.String()
}

func buildExistingCardsPrompt(existing []Flashcard, limit int) string {
	if len(existing) == 0 {
		return "The deck has no flashcards yet.\n"
	}
	var sb strings.Builder
	sb.WriteString("Flashcards already in the deck (avoid duplicating these):\n")
	written := 0
	for _, card := range existing {
		if limit > 0 && written >= limit {
			sb.WriteString("- (additional cards omitted)\n")
			break
		}
		q := sanitizeForPrompt(card.Question, 200)
		a := sanitizeForPrompt(card.Answer, 200)
		if q == "" || a == "" {
			continue
		}
		fmt.Fprintf(&sb, "- Q: %s | A: %s\n", q, a)
		written++
	}
	return sb.String()
}

// chunkConcepts summarises what a chunk covers with a few heading-like lines
// per segment.
func chunkConcepts(c ContentChunk) []string {
	var out []string
	for _, seg := range c.Segments {
		name := seg.DocumentName
		if name == "" {
			name = seg.DocumentID
		}
		prefix := fmt.Sprintf("%s pp.%d-%d", name, seg.FirstPage, seg.LastPage)

		var lines []string
		for _, line := range strings.Split(seg.Text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "=== Page") || strings.HasPrefix(line, "[image-based page") {
				continue
			}
			lines = append(lines, sanitizeForPrompt(line, maxSummaryLineRunes))
			if len(lines) == summaryLinesPerSegment {
				break
			}
		}
		switch {
		case len(lines) > 0:
			out = append(out, prefix+": "+strings.Join(lines, "; "))
		case len(seg.Images) > 0:
			out = append(out, prefix+": image-based pages")
		}
	}
	return out
}

func tail(items []string, n int) []string {
	if n <= 0 || len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func sanitizeForPrompt(input string, limit int) string {
	collapsed := strings.Join(strings.Fields(strings.TrimSpace(input)), " ")
	if limit <= 0 {
		return collapsed
	}
	runes := []rune(collapsed)
	if len(runes) <= limit {
		return collapsed
	}
	if limit > 3 {
		return string(runes[:limit-3]) + "..."
	}
	return string(runes[:limit])
}
