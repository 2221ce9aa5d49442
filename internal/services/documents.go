package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pdfcards/internal/models"
	"pdfcards/internal/pipeline"
)

// DefaultMaxUploadBytes is the largest accepted PDF.
const DefaultMaxUploadBytes = 50 << 20

var (
	ErrTooLarge = errors.New("document exceeds the upload size limit")
	ErrNotPDF   = errors.New("document is not a PDF")
)

type DocumentService struct {
	db        *sql.DB
	uploadDir string
	maxBytes  int64
	opener    pipeline.PDFOpener
	log       zerolog.Logger
}

// NewDocumentService stores uploads under uploadDir. opener, when set, is
// used to record page counts; a PDF it cannot open is still stored since
// generation reports corrupt documents itself.
func NewDocumentService(db *sql.DB, uploadDir string, maxBytes int64, opener pipeline.PDFOpener, log zerolog.Logger) *DocumentService {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &DocumentService{
		db:        db,
		uploadDir: uploadDir,
		maxBytes:  maxBytes,
		opener:    opener,
		log:       log.With().Str("component", "documents").Logger(),
	}
}

func (s *DocumentService) Create(ctx context.Context, deckID int64, original string, src io.Reader) (*models.Document, error) {
	data, err := io.ReadAll(io.LimitReader(src, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%s: %w (%d MB)", original, ErrTooLarge, s.maxBytes>>20)
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, fmt.Errorf("%s: %w", original, ErrNotPDF)
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure upload dir: %w", err)
	}
	storedPath := filepath.Join(s.uploadDir, uuid.NewString()+".pdf")
	if err := os.WriteFile(storedPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	sum := sha256.Sum256(data)
	doc := &models.Document{
		DeckID:       deckID,
		OriginalName: filepath.Base(strings.TrimSpace(original)),
		StoredPath:   storedPath,
		SHA256:       hex.EncodeToString(sum[:]),
		SizeBytes:    int64(len(data)),
		PageCount:    s.countPages(data),
		UploadedAt:   time.Now().UTC(),
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (deck_id, original_name, stored_path, content_sha256, size_bytes, page_count, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, doc.DeckID, doc.OriginalName, doc.StoredPath, doc.SHA256, doc.SizeBytes, doc.PageCount, doc.UploadedAt)
	if err != nil {
		_ = os.Remove(storedPath)
		return nil, fmt.Errorf("insert document: %w", err)
	}
	doc.ID, _ = res.LastInsertId()

	s.log.Info().Int64("document", doc.ID).Int64("deck", deckID).Int("pages", doc.PageCount).Msg("document stored")
	return doc, nil
}

func (s *DocumentService) countPages(data []byte) int {
	if s.opener == nil {
		return 0
	}
	doc, err := s.opener.Open(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("could not count pages")
		return 0
	}
	return doc.NumPages()
}

const documentColumns = `id, deck_id, original_name, stored_path, content_sha256, size_bytes, page_count, uploaded_at`

func scanDocument(row scanner) (models.Document, error) {
	var doc models.Document
	err := row.Scan(
		&doc.ID,
		&doc.DeckID,
		&doc.OriginalName,
		&doc.StoredPath,
		&doc.SHA256,
		&doc.SizeBytes,
		&doc.PageCount,
		&doc.UploadedAt,
	)
	return doc, err
}

func (s *DocumentService) GetByID(ctx context.Context, id int64) (*models.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?;`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &doc, nil
}

func (s *DocumentService) ListByDeck(ctx context.Context, deckID int64) ([]models.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE deck_id = ? ORDER BY id ASC;`, deckID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// Load reads a stored document into the form the generator consumes.
func (s *DocumentService) Load(doc models.Document) (pipeline.SourceDocument, error) {
	data, err := os.ReadFile(doc.StoredPath)
	if err != nil {
		return pipeline.SourceDocument{}, fmt.Errorf("read document %d: %w", doc.ID, err)
	}
	return pipeline.SourceDocument{
		ID:   fmt.Sprintf("%d", doc.ID),
		Name: doc.OriginalName,
		Data: data,
	}, nil
}
