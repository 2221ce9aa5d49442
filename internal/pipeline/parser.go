package pipeline

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSONArray is returned when model output contains no JSON array of objects.
var ErrNoJSONArray = errors.New("no JSON array of objects found in model output")

// Parse extracts flashcard candidates from raw model output. Surrounding prose
// and markdown fences are tolerated; the first well-formed, non-empty JSON
// array of objects is used, and an empty array only when none is found. Elements without a non-empty question and answer are
// discarded and counted; a non-string hint is cleared.
func Parse(raw string) ([]Candidate, int, error) {
	items, err := extractJSONArray(raw)
	if err != nil {
		return nil, 0, err
	}

	candidates := make([]Candidate, 0, len(items))
	discarded := 0
	for _, item := range items {
		c, ok := validateCandidate(item)
		if !ok {
			discarded++
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, discarded, nil
}

func validateCandidate(item json.RawMessage) (Candidate, bool) {
	var obj map[string]any
	if err := json.Unmarshal(item, &obj); err != nil {
		return Candidate{}, false
	}
	question, _ := obj["question"].(string)
	answer, _ := obj["answer"].(string)
	question = strings.TrimSpace(question)
	answer = strings.TrimSpace(answer)
	if question == "" || answer == "" {
		return Candidate{}, false
	}
	hint, _ := obj["hint"].(string)
	return Candidate{Question: question, Answer: answer, Hint: strings.TrimSpace(hint)}, true
}

func extractJSONArray(content string) ([]json.RawMessage, error) {
	content = stripCodeFence(content)
	// An empty array only counts when no non-empty one follows it.
	var empty []json.RawMessage
	for i := 0; i < len(content); i++ {
		if content[i] != '[' {
			continue
		}
		var items []json.RawMessage
		dec := json.NewDecoder(strings.NewReader(content[i:]))
		if err := dec.Decode(&items); err != nil {
			continue
		}
		if len(items) == 0 {
			if empty == nil {
				empty = []json.RawMessage{}
			}
			continue
		}
		if allObjects(items) {
			return items, nil
		}
	}
	if empty != nil {
		return empty, nil
	}
	return nil, ErrNoJSONArray
}

func allObjects(items []json.RawMessage) bool {
	for _, item := range items {
		trimmed := strings.TrimSpace(string(item))
		if !strings.HasPrefix(trimmed, "{") {
			return false
		}
	}
	return true
}

// stripCodeFence removes a surrounding ```json ... ``` block if present.
func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	start := strings.Index(content, "```")
	if start == -1 {
		return content
	}
	body := content[start+3:]
	if nl := strings.Index(body, "\n"); nl != -1 {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end != -1 {
		body = body[:end]
	}
	if strings.Contains(body, "[") {
		return strings.TrimSpace(body)
	}
	return content
}

// Deduper rejects question/answer pairs already seen in this run or present
// in the target deck. Keys are lowercased and whitespace-collapsed.
type Deduper struct {
	seen map[string]struct{}
}

func NewDeduper(existing []Flashcard) *Deduper {
	d := &Deduper{seen: make(map[string]struct{}, len(existing))}
	for _, card := range existing {
		d.seen[NormalizeKey(card.Question, card.Answer)] = struct{}{}
	}
	return d
}

// Add records the pair and reports whether it was new.
func (d *Deduper) Add(question, answer string) bool {
	key := NormalizeKey(question, answer)
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// NormalizeKey is the dedup identity of a question/answer pair.
func NormalizeKey(question, answer string) string {
	return normalize(question) + "\x00" + normalize(answer)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
