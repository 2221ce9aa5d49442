package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"

	"pdfcards/internal/models"
	"pdfcards/internal/pipeline"
)

// ErrNotFound is returned when a deck, document or card does not exist.
var ErrNotFound = errors.New("not found")

// DeckService owns decks and their flashcards. New cards start in the FSRS
// "new" state and are due immediately.
type DeckService struct {
	db     *sql.DB
	params fsrs.Parameters
}

func NewDeckService(db *sql.DB) *DeckService {
	return &DeckService{db: db, params: fsrs.DefaultParam()}
}

func (s *DeckService) Create(ctx context.Context, name, topic string) (*models.Deck, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("deck name is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO decks (name, topic, created_at, updated_at) VALUES (?, ?, ?, ?);
	`, name, strings.TrimSpace(topic), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert deck: %w", err)
	}
	id, _ := res.LastInsertId()
	return &models.Deck{ID: id, Name: name, Topic: strings.TrimSpace(topic), CreatedAt: now, UpdatedAt: now}, nil
}

func (s *DeckService) Get(ctx context.Context, id int64) (*models.Deck, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT d.id, d.name, d.topic, d.created_at, d.updated_at,
		       (SELECT COUNT(*) FROM cards c WHERE c.deck_id = d.id)
		FROM decks d WHERE d.id = ?;
	`, id)
	var deck models.Deck
	if err := row.Scan(&deck.ID, &deck.Name, &deck.Topic, &deck.CreatedAt, &deck.UpdatedAt, &deck.CardCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("deck %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("scan deck: %w", err)
	}
	return &deck, nil
}

func (s *DeckService) List(ctx context.Context) ([]models.Deck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.name, d.topic, d.created_at, d.updated_at,
		       (SELECT COUNT(*) FROM cards c WHERE c.deck_id = d.id)
		FROM decks d ORDER BY d.created_at DESC, d.id DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list decks: %w", err)
	}
	defer rows.Close()

	var decks []models.Deck
	for rows.Next() {
		var deck models.Deck
		if err := rows.Scan(&deck.ID, &deck.Name, &deck.Topic, &deck.CreatedAt, &deck.UpdatedAt, &deck.CardCount); err != nil {
			return nil, fmt.Errorf("scan deck: %w", err)
		}
		decks = append(decks, deck)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decks: %w", err)
	}
	return decks, nil
}

// ExistingFlashcards returns the deck's cards in the form the generator uses
// for deduplication, oldest first.
func (s *DeckService) ExistingFlashcards(ctx context.Context, deckID int64) ([]pipeline.Flashcard, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT question, answer, hint FROM cards WHERE deck_id = ? ORDER BY id ASC;
	`, deckID)
	if err != nil {
		return nil, fmt.Errorf("list existing flashcards: %w", err)
	}
	defer rows.Close()

	var cards []pipeline.Flashcard
	for rows.Next() {
		var card pipeline.Flashcard
		if err := rows.Scan(&card.Question, &card.Answer, &card.Hint); err != nil {
			return nil, fmt.Errorf("scan flashcard: %w", err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flashcards: %w", err)
	}
	return cards, nil
}

// AddFlashcards inserts generated cards in a single transaction. Cards whose
// normalized question and answer are already in the deck are skipped.
func (s *DeckService) AddFlashcards(ctx context.Context, deckID int64, generationID string, cards []pipeline.Flashcard) (err error) {
	if len(cards) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	fresh, err := s.newFlashcards(ctx, tx, deckID, cards)
	if err != nil {
		return err
	}
	if err = s.insertFlashcards(ctx, tx, deckID, generationID, fresh); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit bulk insert: %w", err)
	}
	return nil
}

// newFlashcards drops cards already stored in the deck, and repeats within
// cards, reading the deck through tx so concurrent saves see each other.
func (s *DeckService) newFlashcards(ctx context.Context, tx *sql.Tx, deckID int64, cards []pipeline.Flashcard) ([]pipeline.Flashcard, error) {
	rows, err := tx.QueryContext(ctx, `SELECT question, answer FROM cards WHERE deck_id = ?;`, deckID)
	if err != nil {
		return nil, fmt.Errorf("read deck cards: %w", err)
	}
	defer rows.Close()

	var stored []pipeline.Flashcard
	for rows.Next() {
		var fc pipeline.Flashcard
		if err := rows.Scan(&fc.Question, &fc.Answer); err != nil {
			return nil, fmt.Errorf("scan deck card: %w", err)
		}
		stored = append(stored, fc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deck cards: %w", err)
	}

	dedup := pipeline.NewDeduper(stored)
	fresh := make([]pipeline.Flashcard, 0, len(cards))
	for _, fc := range cards {
		if dedup.Add(fc.Question, fc.Answer) {
			fresh = append(fresh, fc)
		}
	}
	return fresh, nil
}

func (s *DeckService) insertFlashcards(ctx context.Context, tx *sql.Tx, deckID int64, generationID string, cards []pipeline.Flashcard) error {
	if len(cards) == 0 {
		return nil
	}
	now := time.Now().UTC()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cards (deck_id, generation_id, question, answer, hint, due, stability, difficulty,
		                   elapsed_days, scheduled_days, reps, lapses, state, last_review, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`)
	if err != nil {
		return fmt.Errorf("prepare card insert: %w", err)
	}
	defer stmt.Close()

	var genID any
	if generationID != "" {
		genID = generationID
	}
	for _, fc := range cards {
		card := models.Card{Question: fc.Question, Answer: fc.Answer, Hint: fc.Hint}
		card.ApplyFSRSCard(fsrs.Card{Due: now, State: fsrs.New})
		if _, err := stmt.ExecContext(ctx,
			deckID,
			genID,
			card.Question,
			card.Answer,
			card.Hint,
			nullTimePtr(card.Due),
			card.Stability,
			card.Difficulty,
			card.ElapsedDays,
			card.ScheduledDays,
			card.Reps,
			card.Lapses,
			card.State,
			nullTimePtr(card.LastReview),
			now,
			now,
		); err != nil {
			return fmt.Errorf("insert card %q: %w", card.Question, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE decks SET updated_at = ? WHERE id = ?;`, now, deckID); err != nil {
		return fmt.Errorf("touch deck: %w", err)
	}
	return nil
}

const cardColumns = `id, deck_id, generation_id, question, answer, hint, due, stability, difficulty,
	elapsed_days, scheduled_days, reps, lapses, state, last_review, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCard(row scanner) (models.Card, error) {
	var card models.Card
	err := row.Scan(
		&card.ID,
		&card.DeckID,
		&card.GenerationID,
		&card.Question,
		&card.Answer,
		&card.Hint,
		&card.Due,
		&card.Stability,
		&card.Difficulty,
		&card.ElapsedDays,
		&card.ScheduledDays,
		&card.Reps,
		&card.Lapses,
		&card.State,
		&card.LastReview,
		&card.CreatedAt,
		&card.UpdatedAt,
	)
	return card, err
}

func (s *DeckService) ListCards(ctx context.Context, deckID int64) ([]models.Card, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE deck_id = ? ORDER BY id ASC;`, deckID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	var cards []models.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	return cards, nil
}

// ReviewCard applies an FSRS rating to a card and logs the review.
func (s *DeckService) ReviewCard(ctx context.Context, cardID int64, rating fsrs.Rating) (_ *models.Card, _ *models.ReviewLog, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	card, err := scanCard(tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?;`, cardID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("card %d: %w", cardID, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("load card %d: %w", cardID, err)
	}

	now := time.Now().UTC()
	info, ok := s.params.Repeat(card.ToFSRSCard(), now)[rating]
	if !ok {
		return nil, nil, fmt.Errorf("rating %d not supported", rating)
	}
	card.ApplyFSRSCard(info.Card)
	card.UpdatedAt = now

	if _, err = tx.ExecContext(ctx, `
		UPDATE cards
		SET due = ?, stability = ?, difficulty = ?, elapsed_days = ?, scheduled_days = ?,
		    reps = ?, lapses = ?, state = ?, last_review = ?, updated_at = ?
		WHERE id = ?;
	`,
		nullTimePtr(card.Due),
		card.Stability,
		card.Difficulty,
		card.ElapsedDays,
		card.ScheduledDays,
		card.Reps,
		card.Lapses,
		card.State,
		nullTimePtr(card.LastReview),
		card.UpdatedAt,
		card.ID,
	); err != nil {
		return nil, nil, fmt.Errorf("update card %d: %w", card.ID, err)
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO review_logs (card_id, rating, scheduled_days, elapsed_days, state, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, card.ID, info.ReviewLog.Rating, info.ReviewLog.ScheduledDays, info.ReviewLog.ElapsedDays, info.ReviewLog.State, now); err != nil {
		return nil, nil, fmt.Errorf("insert review log: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit review: %w", err)
	}
	return &card, &models.ReviewLog{
		CardID:        card.ID,
		Rating:        int(info.ReviewLog.Rating),
		ScheduledDays: int(info.ReviewLog.ScheduledDays),
		ElapsedDays:   int(info.ReviewLog.ElapsedDays),
		State:         int(info.ReviewLog.State),
		ReviewedAt:    now,
	}, nil
}

func nullTimePtr(t sql.NullTime) any {
	if t.Valid {
		return t.Time
	}
	return nil
}
