package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pdfcards/internal/models"
	"pdfcards/internal/pipeline"
)

// StageSave names warnings raised while persisting a run.
const StageSave = "save"

// Runner is the generation pipeline as seen by the service.
type Runner interface {
	Run(ctx context.Context, in pipeline.RunInput) (*pipeline.GenerationResult, error)
}

// GenerateRequest asks for flashcards for a deck. With no DocumentIDs every
// document of the deck is used; with none at all the deck topic drives
// generation.
type GenerateRequest struct {
	DeckID       int64
	DocumentIDs  []int64
	Instructions string
	Count        int
	Progress     pipeline.ProgressCallback
}

// GenerateOutcome is a finished generation whose cards are saved.
type GenerateOutcome struct {
	GenerationID string
	Result       *pipeline.GenerationResult
}

// GenerationService loads a deck's material, runs the pipeline and persists
// the flashcards it returns.
type GenerationService struct {
	db        *sql.DB
	decks     *DeckService
	documents *DocumentService
	runner    Runner
	log       zerolog.Logger
}

func NewGenerationService(db *sql.DB, decks *DeckService, documents *DocumentService, runner Runner, log zerolog.Logger) *GenerationService {
	return &GenerationService{
		db:        db,
		decks:     decks,
		documents: documents,
		runner:    runner,
		log:       log.With().Str("component", "generation").Logger(),
	}
}

// DefaultInstructions is used when the caller gives none.
func DefaultInstructions(deck *models.Deck) string {
	subject := deck.Topic
	if subject == "" {
		subject = deck.Name
	}
	return fmt.Sprintf("Create flashcards that cover the most important facts, definitions and concepts about %s.", subject)
}

func (s *GenerationService) Generate(ctx context.Context, req GenerateRequest) (*GenerateOutcome, error) {
	deck, err := s.decks.Get(ctx, req.DeckID)
	if err != nil {
		return nil, err
	}
	if req.Count == 0 {
		req.Count = pipeline.DefaultTargetCount
	}
	instructions := strings.TrimSpace(req.Instructions)
	if instructions == "" {
		instructions = DefaultInstructions(deck)
	}

	sources, err := s.loadSources(ctx, deck.ID, req.DocumentIDs)
	if err != nil {
		return nil, err
	}
	existing, err := s.decks.ExistingFlashcards(ctx, deck.ID)
	if err != nil {
		return nil, err
	}

	record := models.Generation{
		ID:        uuid.NewString(),
		DeckID:    deck.ID,
		Requested: req.Count,
		StartedAt: time.Now().UTC(),
	}
	log := s.log.With().Str("generation", record.ID).Int64("deck", deck.ID).Logger()
	log.Info().Int("documents", len(sources)).Int("existing", len(existing)).Int("count", req.Count).Msg("generation started")

	result, runErr := s.runner.Run(ctx, pipeline.RunInput{
		Documents:    sources,
		Instructions: instructions,
		Topic:        deck.Topic,
		TargetCount:  req.Count,
		Existing:     existing,
		Progress:     req.Progress,
	})
	record.FinishedAt = time.Now().UTC()

	if runErr != nil {
		record.Status = models.GenerationFailed
		if errors.Is(runErr, pipeline.ErrCancelled) {
			record.Status = models.GenerationCancelled
		}
		record.ErrorKind = string(pipeline.KindOf(runErr))
		record.Error = runErr.Error()
		// The run may have been cancelled; the record must still land.
		if err := s.saveRecord(context.WithoutCancel(ctx), record); err != nil {
			log.Error().Err(err).Msg("save generation record")
		}
		log.Warn().Err(runErr).Str("kind", record.ErrorKind).Msg("generation failed")
		return nil, runErr
	}

	record.Status = models.GenerationSucceeded
	if err := s.save(ctx, &record, result); err != nil {
		return nil, err
	}

	log.Info().Int("count", result.Count).Int("warnings", len(result.Warnings)).Msg("generation saved")
	return &GenerateOutcome{GenerationID: record.ID, Result: result}, nil
}

func (s *GenerationService) loadSources(ctx context.Context, deckID int64, ids []int64) ([]pipeline.SourceDocument, error) {
	var docs []models.Document
	if len(ids) == 0 {
		var err error
		if docs, err = s.documents.ListByDeck(ctx, deckID); err != nil {
			return nil, err
		}
	}
	for _, id := range ids {
		doc, err := s.documents.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if doc.DeckID != deckID {
			return nil, &pipeline.Error{Kind: pipeline.KindInvalidRequest, Msg: fmt.Sprintf("document %d does not belong to deck %d", id, deckID)}
		}
		docs = append(docs, *doc)
	}

	sources := make([]pipeline.SourceDocument, 0, len(docs))
	for _, doc := range docs {
		src, err := s.documents.Load(doc)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// save writes a succeeded run and its cards in one transaction. Cards another
// run stored in the deck meanwhile are dropped from result and reported.
func (s *GenerationService) save(ctx context.Context, record *models.Generation, result *pipeline.GenerationResult) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	fresh, err := s.decks.newFlashcards(ctx, tx, record.DeckID, result.Flashcards)
	if err != nil {
		return err
	}
	if skipped := len(result.Flashcards) - len(fresh); skipped > 0 {
		result.Warnings = append(result.Warnings, pipeline.Warning{
			Stage:   StageSave,
			Message: fmt.Sprintf("%d flashcards were already in the deck and were not saved", skipped),
		})
		result.Flashcards = fresh
		result.Count = len(fresh)
	}

	record.Produced = result.Count
	for _, w := range result.Warnings {
		record.Warnings = append(record.Warnings, w.Message)
	}
	if err = insertGeneration(ctx, tx, *record); err != nil {
		return err
	}
	if err = s.decks.insertFlashcards(ctx, tx, record.DeckID, record.ID, fresh); err != nil {
		return fmt.Errorf("save flashcards: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit generation: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *GenerationService) saveRecord(ctx context.Context, g models.Generation) error {
	return insertGeneration(ctx, s.db, g)
}

func insertGeneration(ctx context.Context, db execer, g models.Generation) error {
	warnings := g.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	raw, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO generations (id, deck_id, status, requested, produced, warnings, error_kind, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, g.ID, g.DeckID, g.Status, g.Requested, g.Produced, string(raw), g.ErrorKind, g.Error, g.StartedAt, g.FinishedAt); err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

// History lists a deck's generation runs, newest first.
func (s *GenerationService) History(ctx context.Context, deckID int64, limit int) ([]models.Generation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, deck_id, status, requested, produced, warnings, error_kind, error, started_at, finished_at
		FROM generations WHERE deck_id = ? ORDER BY started_at DESC LIMIT ?;
	`, deckID, limit)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var out []models.Generation
	for rows.Next() {
		var (
			g   models.Generation
			raw string
		)
		if err := rows.Scan(&g.ID, &g.DeckID, &g.Status, &g.Requested, &g.Produced, &raw, &g.ErrorKind, &g.Error, &g.StartedAt, &g.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &g.Warnings); err != nil {
			return nil, fmt.Errorf("decode warnings of %s: %w", g.ID, err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generations: %w", err)
	}
	return out, nil
}
