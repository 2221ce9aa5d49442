package pipeline

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Mode selects the model call path for a chunk.
type Mode string

const (
	ModeText   Mode = "text"
	ModeVision Mode = "vision"
)

// Image is a rendered page.
type Image struct {
	MIMEType string
	Data     []byte
}

// DataURI encodes the image as a base64 data URI accepted by chat vision APIs.
func (i Image) DataURI() string {
	mime := i.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// SourceDocument is a stored PDF handed to the pipeline by the host.
type SourceDocument struct {
	ID   string
	Name string
	Data []byte
}

// Document is a successfully opened source document and its extracted pages.
type Document struct {
	ID    string
	Name  string
	Pages []Page
}

// Page is the per-page extraction outcome. Index is 1-based.
type Page struct {
	Index              int
	Text               string
	Quality            float64
	UsedVisionFallback bool
	Placeholder        string
	Image              *Image
}

// Usable reports whether the page carries anything a model can consume.
func (p Page) Usable() bool {
	return strings.TrimSpace(p.Text) != "" || p.Image != nil
}

// Segment is a run of consecutive pages of one document inside a chunk.
type Segment struct {
	DocumentID   string
	DocumentName string
	FirstPage    int
	LastPage     int
	Text         string
	Images       []Image
}

// ContentChunk is a bounded unit of page content assembled for one generation call.
type ContentChunk struct {
	Index    int
	Segments []Segment
	Size     int
	Mode     Mode
}

// Images returns every rendered page image of the chunk in page order.
func (c ContentChunk) Images() []Image {
	var out []Image
	for _, seg := range c.Segments {
		out = append(out, seg.Images...)
	}
	return out
}

// PageRef identifies one page of one document.
type PageRef struct {
	DocumentID string
	Page       int
}

// PageRefs lists the pages covered by the chunk in order.
func (c ContentChunk) PageRefs() []PageRef {
	var refs []PageRef
	for _, seg := range c.Segments {
		for p := seg.FirstPage; p <= seg.LastPage; p++ {
			refs = append(refs, PageRef{DocumentID: seg.DocumentID, Page: p})
		}
	}
	return refs
}

// Label is a short human readable description of the chunk's page ranges.
func (c ContentChunk) Label() string {
	parts := make([]string, 0, len(c.Segments))
	for _, seg := range c.Segments {
		name := seg.DocumentName
		if name == "" {
			name = seg.DocumentID
		}
		if seg.FirstPage == seg.LastPage {
			parts = append(parts, fmt.Sprintf("%s p.%d", name, seg.FirstPage))
		} else {
			parts = append(parts, fmt.Sprintf("%s pp.%d-%d", name, seg.FirstPage, seg.LastPage))
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("chunk %d", c.Index+1)
	}
	return strings.Join(parts, ", ")
}

// ChunkPrompt is the model request for a single chunk.
type ChunkPrompt struct {
	Chunk  ContentChunk
	Count  int
	Prompt string
	Mode   Mode
	Images []Image
}

// GenerationRequest is the fully built request for one run.
type GenerationRequest struct {
	Instructions string
	Topic        string
	TargetCount  int
	Chunks       []ContentChunk
	Prompts      []ChunkPrompt
}

// Candidate is an unvalidated question/answer/hint record parsed from model output.
type Candidate struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Hint     string `json:"hint,omitempty"`
}

// Flashcard is a validated, deduplicated output card.
type Flashcard struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Hint     string `json:"hint,omitempty"`
}

// Stats summarises a run for diagnostics.
type Stats struct {
	Documents     int `json:"documents"`
	Pages         int `json:"pages"`
	VisionPages   int `json:"visionPages"`
	UnusablePages int `json:"unusablePages"`
	Chunks        int `json:"chunks"`
	ChunksFailed  int `json:"chunksFailed"`
	ChunksSkipped int `json:"chunksSkipped"`
	Candidates    int `json:"candidates"`
	Duplicates    int `json:"duplicates"`
	Truncated     int `json:"truncated"`
}

// GenerationResult is the outcome of a run.
type GenerationResult struct {
	Flashcards []Flashcard `json:"flashcards"`
	Count      int         `json:"count"`
	Warnings   []Warning   `json:"warnings"`
	Stats      Stats       `json:"stats"`
}

// Stage names used in warnings and progress reports.
const (
	StageExtract   = "extract"
	StageChunk     = "chunk"
	StagePrompt    = "prompt"
	StageGenerate  = "generate"
	StageParse     = "parse"
	StageAggregate = "aggregate"
)

// Warning is a recoverable, stage-level problem surfaced to the caller.
type Warning struct {
	Stage    string `json:"stage"`
	Kind     Kind   `json:"kind,omitempty"`
	Document string `json:"document,omitempty"`
	Page     int    `json:"page,omitempty"`
	Chunk    int    `json:"chunk,omitempty"`
	Message  string `json:"message"`
}

func (w Warning) String() string {
	return w.Stage + ": " + w.Message
}

// ProgressCallback is called as the run moves through its stages. During
// generation it is called from the chunk workers concurrently.
type ProgressCallback func(step, message string, current, total int)
