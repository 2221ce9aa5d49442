package models

import (
	"database/sql"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"
)

type Deck struct {
	ID        int64
	Name      string
	Topic     string
	CardCount int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Document struct {
	ID           int64
	DeckID       int64
	OriginalName string
	StoredPath   string
	SHA256       string
	SizeBytes    int64
	PageCount    int
	UploadedAt   time.Time
}

type Card struct {
	ID            int64
	DeckID        int64
	GenerationID  sql.NullString
	Question      string
	Answer        string
	Hint          string
	Due           sql.NullTime
	Stability     float64
	Difficulty    float64
	ElapsedDays   int
	ScheduledDays int
	Reps          int
	Lapses        int
	State         int
	LastReview    sql.NullTime
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type GenerationStatus string

const (
	GenerationSucceeded GenerationStatus = "succeeded"
	GenerationFailed    GenerationStatus = "failed"
	GenerationCancelled GenerationStatus = "cancelled"
)

// Generation is the persisted record of one pipeline run against a deck.
type Generation struct {
	ID         string
	DeckID     int64
	Status     GenerationStatus
	Requested  int
	Produced   int
	Warnings   []string
	ErrorKind  string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

type ReviewLog struct {
	ID            int64
	CardID        int64
	Rating        int
	ScheduledDays int
	ElapsedDays   int
	State         int
	ReviewedAt    time.Time
}

func (c *Card) ToFSRSCard() fsrs.Card {
	card := fsrs.Card{
		Stability:     c.Stability,
		Difficulty:    c.Difficulty,
		ElapsedDays:   uint64(max(c.ElapsedDays, 0)),
		ScheduledDays: uint64(max(c.ScheduledDays, 0)),
		Reps:          uint64(max(c.Reps, 0)),
		Lapses:        uint64(max(c.Lapses, 0)),
		State:         fsrs.State(max(c.State, 0)),
	}
	if c.Due.Valid {
		card.Due = c.Due.Time
	}
	if c.LastReview.Valid {
		card.LastReview = c.LastReview.Time
	}
	return card
}

func (c *Card) ApplyFSRSCard(f fsrs.Card) {
	c.Due = sql.NullTime{Time: f.Due, Valid: !f.Due.IsZero()}
	c.Stability = f.Stability
	c.Difficulty = f.Difficulty
	c.ElapsedDays = int(f.ElapsedDays)
	c.ScheduledDays = int(f.ScheduledDays)
	c.Reps = int(f.Reps)
	c.Lapses = int(f.Lapses)
	c.State = int(f.State)
	c.LastReview = sql.NullTime{Time: f.LastReview, Valid: !f.LastReview.IsZero()}
}
