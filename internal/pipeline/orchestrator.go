package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Dependencies are the external collaborators of the pipeline.
type Dependencies struct {
	Opener   PDFOpener
	Renderer PageRenderer
	Model    Model
	// Cache is optional.
	Cache ExtractionCache
	// Retry overrides cfg.RetryPolicy(); tests use it to avoid real delays.
	Retry  *RetryPolicy
	Logger zerolog.Logger
}

// Orchestrator runs the document-to-flashcard pipeline.
type Orchestrator struct {
	cfg       Config
	extractor *PageExtractor
	builder   *PromptBuilder
	client    *GenerationClient
	log       zerolog.Logger
	now       func() time.Time
}

func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if deps.Opener == nil {
		return nil, errors.New("pipeline requires a PDF opener")
	}
	if deps.Model == nil {
		return nil, errors.New("pipeline requires a model")
	}
	policy := cfg.RetryPolicy()
	if deps.Retry != nil {
		policy = *deps.Retry
	}
	log := deps.Logger.With().Str("component", "pipeline").Logger()
	return &Orchestrator{
		cfg:       cfg,
		extractor: NewPageExtractor(cfg, deps.Opener, deps.Renderer, deps.Cache, log),
		builder:   NewPromptBuilder(cfg),
		client:    NewGenerationClient(deps.Model, policy, cfg.CallTimeout, log),
		log:       log,
		now:       time.Now,
	}, nil
}

// RunInput is everything one generation request needs.
type RunInput struct {
	Documents    []SourceDocument
	Instructions string
	// Topic is the deck topic; with no documents it drives a topic-only run.
	Topic       string
	TargetCount int
	// Existing are the flashcards already in the target deck.
	Existing []Flashcard
	Progress ProgressCallback
}

type chunkOutcome struct {
	candidates []Candidate
	discarded  int
	retried    bool
	skipped    bool
	err        error
}

// Run extracts, chunks, prompts, generates and validates. Page and chunk
// failures become warnings; only the absence of any result is an error.
// Cancelling ctx yields a Cancelled error and no flashcards.
func (o *Orchestrator) Run(ctx context.Context, in RunInput) (*GenerationResult, error) {
	if err := ValidateRequest(in.Instructions, in.TargetCount, o.cfg.Ceiling); err != nil {
		return nil, err
	}
	progress := in.Progress
	if progress == nil {
		progress = func(string, string, int, int) {}
	}
	started := o.now()
	result := &GenerationResult{}

	progress(StageExtract, fmt.Sprintf("Extracting %d documents", len(in.Documents)), 0, 100)
	docs, warnings, err := o.extractAll(ctx, in.Documents)
	if err != nil {
		return nil, o.cancelled(ctx, err)
	}
	result.Warnings = append(result.Warnings, warnings...)
	result.Stats.Documents = len(docs)

	usable := false
	for _, doc := range docs {
		for _, p := range doc.Pages {
			result.Stats.Pages++
			if p.UsedVisionFallback && p.Image != nil {
				result.Stats.VisionPages++
			}
			if p.Usable() {
				usable = true
			} else {
				result.Stats.UnusablePages++
			}
		}
	}
	if len(in.Documents) > 0 && !usable {
		return nil, newError(KindNoExtractableContent, nil,
			"%d of %d documents could be opened and none has usable text or image content", len(docs), len(in.Documents))
	}

	progress(StageChunk, "Assembling content chunks", 30, 100)
	var chunks []ContentChunk
	if len(docs) > 0 {
		var chunkWarnings []Warning
		chunks, chunkWarnings = Chunk(docs, o.cfg.ChunkBudget, o.cfg.VisionPageCost)
		result.Warnings = append(result.Warnings, chunkWarnings...)
	}

	req, err := o.builder.Build(in.Instructions, in.Topic, chunks, in.TargetCount, in.Existing)
	if err != nil {
		return nil, err
	}
	result.Stats.Chunks = len(req.Chunks)

	o.log.Info().
		Int("documents", len(docs)).
		Int("pages", result.Stats.Pages).
		Int("vision_pages", result.Stats.VisionPages).
		Int("chunks", len(req.Chunks)).
		Int("dispatch", len(req.Prompts)).
		Int("target", in.TargetCount).
		Msg("dispatching chunks")

	outcomes := o.dispatch(ctx, req.Prompts, started, progress)
	if err := ctx.Err(); err != nil {
		return nil, o.cancelled(ctx, err)
	}

	progress(StageAggregate, "Validating flashcards", 95, 100)
	if err := o.aggregate(result, req, outcomes, in.Existing); err != nil {
		return nil, err
	}

	progress("complete", fmt.Sprintf("Generated %d flashcards", result.Count), 100, 100)
	o.log.Info().
		Int("count", result.Count).
		Int("warnings", len(result.Warnings)).
		Dur("elapsed", o.now().Sub(started)).
		Msg("generation finished")
	return result, nil
}

func (o *Orchestrator) extractAll(ctx context.Context, sources []SourceDocument) ([]Document, []Warning, error) {
	type extracted struct {
		doc      Document
		warnings []Warning
		err      error
	}
	results := make([]extracted, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ExtractConcurrency)
	for i, src := range sources {
		g.Go(func() error {
			doc, warnings, err := o.extractor.ExtractDocument(gctx, src)
			if err != nil && KindOf(err) != KindCorruptDocument {
				return err
			}
			results[i] = extracted{doc: doc, warnings: warnings, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var (
		docs     []Document
		warnings []Warning
	)
	for i, r := range results {
		if r.err != nil {
			o.log.Warn().Err(r.err).Str("document", sources[i].ID).Msg("skipping corrupt document")
			warnings = append(warnings, Warning{
				Stage:    StageExtract,
				Kind:     KindCorruptDocument,
				Document: sources[i].ID,
				Message:  fmt.Sprintf("document %s could not be opened and was skipped: %v", displayName(sources[i]), r.err),
			})
			continue
		}
		docs = append(docs, r.doc)
		warnings = append(warnings, r.warnings...)
	}
	return docs, warnings, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, prompts []ChunkPrompt, started time.Time, progress ProgressCallback) []chunkOutcome {
	outcomes := make([]chunkOutcome, len(prompts))
	var deadline time.Time
	if o.cfg.MaxRunDuration > 0 {
		deadline = started.Add(o.cfg.MaxRunDuration)
	}

	var done atomic.Int32
	total := len(prompts)
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Concurrency)
	for i, p := range prompts {
		if ctx.Err() != nil {
			break
		}
		if !deadline.IsZero() && o.now().After(deadline) {
			for j := i; j < len(prompts); j++ {
				outcomes[j].skipped = true
			}
			break
		}
		g.Go(func() error {
			outcomes[i] = o.runChunk(ctx, p)
			n := int(done.Add(1))
			progress(StageGenerate, fmt.Sprintf("Generated part %d of %d", n, total), 30+65*n/total, 100)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) runChunk(ctx context.Context, p ChunkPrompt) chunkOutcome {
	log := o.log.With().Int("chunk", p.Chunk.Index).Str("mode", string(p.Mode)).Logger()

	raw, err := o.client.Generate(ctx, p)
	if err != nil {
		log.Warn().Err(err).Msg("chunk generation failed")
		return chunkOutcome{err: err}
	}
	candidates, discarded, perr := Parse(raw)
	if perr == nil {
		return chunkOutcome{candidates: candidates, discarded: discarded}
	}

	log.Debug().Err(perr).Str("raw", sanitizeForPrompt(raw, 300)).Msg("malformed model output, retrying")
	corrected := p
	corrected.Prompt = p.Prompt + "\n\n" + CorrectiveInstruction
	raw, err = o.client.Generate(ctx, corrected)
	if err != nil {
		return chunkOutcome{err: err, retried: true}
	}
	candidates, discarded, perr = Parse(raw)
	if perr != nil {
		log.Warn().Err(perr).Msg("malformed model output after corrective retry")
		return chunkOutcome{retried: true, err: newError(KindMalformedModelOutput, perr, "chunk %d", p.Chunk.Index+1)}
	}
	return chunkOutcome{candidates: candidates, discarded: discarded, retried: true}
}

func (o *Orchestrator) aggregate(result *GenerationResult, req GenerationRequest, outcomes []chunkOutcome, existing []Flashcard) error {
	dedup := NewDeduper(existing)
	var (
		cards        []Flashcard
		dispatched   int
		failed       int
		allTransient = true
	)

	for i, out := range outcomes {
		p := req.Prompts[i]
		label := p.Chunk.Label()
		if out.skipped {
			result.Stats.ChunksSkipped++
			result.Warnings = append(result.Warnings, Warning{
				Stage: StageGenerate, Chunk: p.Chunk.Index + 1,
				Message: fmt.Sprintf("%s skipped: run time limit of %s exceeded", label, o.cfg.MaxRunDuration),
			})
			continue
		}
		dispatched++
		if out.retried {
			result.Warnings = append(result.Warnings, Warning{
				Stage: StageParse, Kind: KindMalformedModelOutput, Chunk: p.Chunk.Index + 1,
				Message: fmt.Sprintf("model returned malformed JSON for %s, retried", label),
			})
		}
		if out.err != nil {
			failed++
			if !errors.Is(out.err, ErrTransient) {
				allTransient = false
			}
			kind := KindOf(out.err)
			if kind == "" {
				kind = KindChunkGenerationFailed
			}
			result.Warnings = append(result.Warnings, Warning{
				Stage: StageGenerate, Kind: kind, Chunk: p.Chunk.Index + 1,
				Message: fmt.Sprintf("%s contributed no flashcards: %v", label, out.err),
			})
			continue
		}
		if out.discarded > 0 {
			result.Warnings = append(result.Warnings, Warning{
				Stage: StageParse, Chunk: p.Chunk.Index + 1,
				Message: fmt.Sprintf("%d malformed flashcards from %s discarded", out.discarded, label),
			})
		}
		for _, c := range out.candidates {
			result.Stats.Candidates++
			if !dedup.Add(c.Question, c.Answer) {
				result.Stats.Duplicates++
				continue
			}
			cards = append(cards, Flashcard(c))
		}
	}
	result.Stats.ChunksFailed = failed

	if dispatched == 0 {
		return newError(KindAllChunksFailed, nil, "run time limit exceeded before any chunk was generated")
	}
	if failed == dispatched {
		if allTransient {
			return newError(KindUpstreamUnavailable, nil, "all %d chunks failed, model unavailable", failed)
		}
		return newError(KindAllChunksFailed, nil, "all %d chunks failed", failed)
	}

	if len(cards) > req.TargetCount {
		result.Stats.Truncated = len(cards) - req.TargetCount
		cards = cards[:req.TargetCount]
	}
	if len(cards) < req.TargetCount {
		result.Warnings = append(result.Warnings, Warning{
			Stage:   StageAggregate,
			Message: fmt.Sprintf("produced %d of %d requested flashcards", len(cards), req.TargetCount),
		})
	}
	result.Flashcards = cards
	result.Count = len(cards)
	return nil
}

func (o *Orchestrator) cancelled(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return newError(KindCancelled, ctx.Err(), "generation cancelled")
	}
	return err
}
