package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeDoc struct {
	pages  []PageContent
	errs   map[int]error
	panics map[int]bool
}

func (d *fakeDoc) NumPages() int { return len(d.pages) }

func (d *fakeDoc) PageContent(page int) (PageContent, error) {
	if d.panics[page] {
		panic("malformed content stream")
	}
	if err := d.errs[page]; err != nil {
		return PageContent{}, err
	}
	return d.pages[page-1], nil
}

type fakeOpener struct {
	docs map[string]*fakeDoc
}

func (o fakeOpener) Open(data []byte) (PDFDocument, error) {
	doc, ok := o.docs[string(data)]
	if !ok {
		return nil, errors.New("malformed PDF: missing %PDF header")
	}
	return doc, nil
}

type fakeRenderer struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (r *fakeRenderer) RenderPage(_ context.Context, data []byte, page int) (Image, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.fail {
		return Image{}, errors.New("renderer unavailable")
	}
	return Image{MIMEType: "image/png", Data: []byte(fmt.Sprintf("%s#%d", data, page))}, nil
}

type fakeModel struct {
	mu          sync.Mutex
	calls       int
	visionCalls int
	prompts     []string
	respond     func(call int, prompt string, images []Image) (string, error)
}

func (m *fakeModel) Complete(ctx context.Context, prompt string) (string, error) {
	return m.do(ctx, prompt, nil)
}

func (m *fakeModel) CompleteWithImages(ctx context.Context, prompt string, images []Image) (string, error) {
	m.mu.Lock()
	m.visionCalls++
	m.mu.Unlock()
	return m.do(ctx, prompt, images)
}

func (m *fakeModel) do(ctx context.Context, prompt string, images []Image) (string, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	return m.respond(call, prompt, images)
}

var countPattern = regexp.MustCompile(`Create exactly (\d+) flashcards`)

// requestedCount reads the per-chunk card count out of a rendered prompt.
func requestedCount(prompt string) int {
	m := countPattern.FindStringSubmatch(prompt)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// cardsJSON renders n unique cards tagged with call.
func cardsJSON(call, n int) string {
	cards := make([]Candidate, n)
	for i := range cards {
		cards[i] = Candidate{
			Question: fmt.Sprintf("Question %d.%d?", call, i),
			Answer:   fmt.Sprintf("Answer %d.%d", call, i),
		}
	}
	out, _ := json.Marshal(cards)
	return string(out)
}

// generous answers every prompt with extra cards to force truncation.
func generous(extra int) func(int, string, []Image) (string, error) {
	return func(call int, prompt string, _ []Image) (string, error) {
		return "Here are your cards:\n" + cardsJSON(call, requestedCount(prompt)+extra), nil
	}
}

func richText(words int) string {
	base := []string{"photosynthesis", "converts", "light", "energy", "into", "chemical", "energy", "stored", "in", "glucose"}
	var b strings.Builder
	for i := 0; i < words; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(base[i%len(base)])
	}
	return b.String()
}

func richDoc(pages int) *fakeDoc {
	d := &fakeDoc{}
	for i := 0; i < pages; i++ {
		d.pages = append(d.pages, PageContent{Text: richText(80), Width: 612, Height: 792})
	}
	return d
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ChunkBudget = 1500
	cfg.CallTimeout = time.Second
	return cfg
}

func noDelay() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		Sleep:       func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}
}

func newTestOrchestrator(t *testing.T, cfg Config, opener PDFOpener, renderer PageRenderer, model Model) *Orchestrator {
	t.Helper()
	o, err := New(cfg, Dependencies{
		Opener:   opener,
		Renderer: renderer,
		Model:    model,
		Retry:    noDelay(),
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}
