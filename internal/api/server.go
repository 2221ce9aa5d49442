package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	fsrs "github.com/open-spaced-repetition/go-fsrs"
	"github.com/rs/zerolog"

	"pdfcards/internal/models"
	"pdfcards/internal/pipeline"
	"pdfcards/internal/services"
)

const maxMultipartMemory = 8 << 20 // 8 MB

// DefaultUploadTimeout bounds reading one upload request. It replaces the
// server-wide read timeout for the upload route only.
const DefaultUploadTimeout = 10 * time.Minute

type Server struct {
	mux        *http.ServeMux
	decks      *services.DeckService
	documents  *services.DocumentService
	generation *services.GenerationService
	jobs       *JobManager
	log        zerolog.Logger
	// uploadTimeout is the read deadline of an upload request.
	uploadTimeout time.Duration
	// base parents every job context so shutdown can stop them.
	base context.Context
}

type DeckDTO struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Topic     string    `json:"topic"`
	CardCount int       `json:"cardCount"`
	CreatedAt time.Time `json:"createdAt"`
}

type CardDTO struct {
	ID        int64   `json:"id"`
	Question  string  `json:"question"`
	Answer    string  `json:"answer"`
	Hint      string  `json:"hint,omitempty"`
	Due       *string `json:"due"`
	State     int     `json:"state"`
	Stability float64 `json:"stability"`
	Reps      int     `json:"reps"`
}

type DocumentDTO struct {
	ID         int64     `json:"documentId"`
	Name       string    `json:"name"`
	Pages      int       `json:"pages"`
	SizeBytes  int64     `json:"sizeBytes"`
	UploadedAt time.Time `json:"uploadedAt"`
}

type UploadResult struct {
	Name     string       `json:"name"`
	Status   string       `json:"status"`
	Message  string       `json:"message,omitempty"`
	Document *DocumentDTO `json:"document,omitempty"`
}

// GenerationDTO is what a finished generation reports to the caller.
type GenerationDTO struct {
	GenerationID string               `json:"generationId"`
	Count        int                  `json:"count"`
	Message      string               `json:"message"`
	Flashcards   []pipeline.Flashcard `json:"flashcards"`
	Warnings     []pipeline.Warning   `json:"warnings"`
	Stats        pipeline.Stats       `json:"stats"`
}

type generateBody struct {
	Instructions string  `json:"instructions"`
	Count        int     `json:"count"`
	DocumentIDs  []int64 `json:"documentIds"`
}

func NewServer(
	ctx context.Context,
	decks *services.DeckService,
	documents *services.DocumentService,
	generation *services.GenerationService,
	log zerolog.Logger,
) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		decks:      decks,
		documents:  documents,
		generation: generation,
		jobs:       NewJobManager(),
		log:        log.With().Str("component", "api").Logger(),
		base:       ctx,

		uploadTimeout: DefaultUploadTimeout,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Jobs exposes the job manager so the host can cancel jobs on shutdown.
func (s *Server) Jobs() *JobManager {
	return s.jobs
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/decks", s.handleListDecks)
	s.mux.HandleFunc("POST /api/decks", s.handleCreateDeck)
	s.mux.HandleFunc("GET /api/decks/{id}", s.handleGetDeck)
	s.mux.HandleFunc("GET /api/decks/{id}/cards", s.handleListCards)
	s.mux.HandleFunc("GET /api/decks/{id}/documents", s.handleListDocuments)
	s.mux.HandleFunc("POST /api/decks/{id}/documents", s.handleUploadDocuments)
	s.mux.HandleFunc("GET /api/decks/{id}/generations", s.handleGenerationHistory)
	s.mux.HandleFunc("POST /api/decks/{id}/generations", s.handleGenerate)
	s.mux.HandleFunc("GET /api/jobs/{id}", s.handleJobStatus)
	s.mux.HandleFunc("DELETE /api/jobs/{id}", s.handleCancelJob)
	s.mux.HandleFunc("POST /api/cards/{id}/review", s.handleReviewCard)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDecks(w http.ResponseWriter, r *http.Request) {
	decks, err := s.decks.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]DeckDTO, 0, len(decks))
	for _, d := range decks {
		out = append(out, deckDTO(&d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"decks": out})
}

func (s *Server) handleCreateDeck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string `json:"name"`
		Topic string `json:"topic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	deck, err := s.decks.Create(r.Context(), body.Name, body.Topic)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, deckDTO(deck))
}

func (s *Server) handleGetDeck(w http.ResponseWriter, r *http.Request) {
	deckID, ok := pathID(w, r)
	if !ok {
		return
	}
	deck, err := s.decks.Get(r.Context(), deckID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deckDTO(deck))
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	deckID, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.decks.Get(r.Context(), deckID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	cards, err := s.decks.ListCards(r.Context(), deckID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]CardDTO, 0, len(cards))
	for _, c := range cards {
		out = append(out, cardDTO(&c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": out, "total": len(out)})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	deckID, ok := pathID(w, r)
	if !ok {
		return
	}
	docs, err := s.documents.ListByDeck(r.Context(), deckID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]DocumentDTO, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentDTO(&d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (s *Server) handleUploadDocuments(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	if err := rc.SetReadDeadline(time.Now().Add(s.uploadTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.log.Debug().Err(err).Msg("extend upload read deadline")
	}

	deckID, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.decks.Get(r.Context(), deckID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	if form := r.MultipartForm; form != nil {
		defer form.RemoveAll()
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files uploaded")
		return
	}

	results := make([]UploadResult, 0, len(files))
	stored := 0
	for _, file := range files {
		result := UploadResult{Name: file.Filename, Status: "error"}
		src, err := file.Open()
		if err != nil {
			result.Message = err.Error()
			results = append(results, result)
			continue
		}
		doc, err := s.documents.Create(r.Context(), deckID, file.Filename, src)
		src.Close()
		if err != nil {
			s.log.Warn().Err(err).Str("file", file.Filename).Msg("upload rejected")
			result.Message = err.Error()
			results = append(results, result)
			continue
		}
		dto := documentDTO(doc)
		result.Status = "ok"
		result.Document = &dto
		results = append(results, result)
		stored++
	}

	status := http.StatusCreated
	if stored == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{"results": results})
}

func (s *Server) handleGenerationHistory(w http.ResponseWriter, r *http.Request) {
	deckID, ok := pathID(w, r)
	if !ok {
		return
	}
	history, err := s.generation.History(r.Context(), deckID, 0)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(history))
	for _, g := range history {
		out = append(out, generationRecord(g))
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": out})
}

// handleGenerate starts a generation job. With ?wait=true it runs inline and
// maps pipeline failures to HTTP statuses.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	deckID, ok := pathID(w, r)
	if !ok {
		return
	}
	var body generateBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if _, err := s.decks.Get(r.Context(), deckID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	req := services.GenerateRequest{
		DeckID:       deckID,
		DocumentIDs:  body.DocumentIDs,
		Instructions: body.Instructions,
		Count:        body.Count,
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		out, err := s.generation.Generate(r.Context(), req)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, generationDTO(out))
		return
	}

	ctx, snapshot := s.jobs.CreateJob(s.base, deckID)
	go s.runGenerationJob(ctx, snapshot.ID, req)
	writeJSON(w, http.StatusAccepted, snapshot)
}

func (s *Server) runGenerationJob(ctx context.Context, jobID string, req services.GenerateRequest) {
	log := s.log.With().Str("job", jobID).Logger()
	s.jobs.MarkProcessing(jobID)
	req.Progress = func(step, message string, current, total int) {
		s.jobs.UpdateProgress(jobID, step, message, current, total)
	}

	out, err := s.generation.Generate(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("generation job failed")
		s.jobs.MarkFailed(jobID, err)
		return
	}
	s.jobs.MarkCompleted(jobID, generationDTO(out))
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.GetJob(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.jobs.GetJob(id); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !s.jobs.Cancel(id) {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleReviewCard(w http.ResponseWriter, r *http.Request) {
	cardID, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Rating string `json:"rating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rating, err := parseRating(body.Rating)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	card, _, err := s.decks.ReviewCard(r.Context(), cardID, rating)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cardDTO(card))
}

// statusFor maps service and pipeline errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrNotPDF):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, services.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	}
	switch pipeline.KindOf(err) {
	case pipeline.KindInvalidRequest:
		return http.StatusBadRequest
	case pipeline.KindNoExtractableContent, pipeline.KindCorruptDocument:
		return http.StatusUnprocessableEntity
	case pipeline.KindAllChunksFailed, pipeline.KindMalformedModelOutput, pipeline.KindChunkGenerationFailed:
		return http.StatusBadGateway
	case pipeline.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case pipeline.KindCancelled:
		// nginx's "client closed request".
		return 499
	}
	return http.StatusInternalServerError
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	payload := map[string]any{"error": err.Error()}
	if kind := pipeline.KindOf(err); kind != "" {
		payload["kind"] = kind
		payload["retryable"] = pipeline.Retryable(err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, status, payload)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}

func deckDTO(d *models.Deck) DeckDTO {
	return DeckDTO{ID: d.ID, Name: d.Name, Topic: d.Topic, CardCount: d.CardCount, CreatedAt: d.CreatedAt}
}

func cardDTO(c *models.Card) CardDTO {
	return CardDTO{
		ID:        c.ID,
		Question:  c.Question,
		Answer:    c.Answer,
		Hint:      c.Hint,
		Due:       nullTimeToString(c.Due),
		State:     c.State,
		Stability: c.Stability,
		Reps:      c.Reps,
	}
}

func documentDTO(d *models.Document) DocumentDTO {
	return DocumentDTO{ID: d.ID, Name: d.OriginalName, Pages: d.PageCount, SizeBytes: d.SizeBytes, UploadedAt: d.UploadedAt}
}

func generationDTO(out *services.GenerateOutcome) GenerationDTO {
	res := out.Result
	warnings := res.Warnings
	if warnings == nil {
		warnings = []pipeline.Warning{}
	}
	return GenerationDTO{
		GenerationID: out.GenerationID,
		Count:        res.Count,
		Message:      fmt.Sprintf("Generated %d flashcards", res.Count),
		Flashcards:   res.Flashcards,
		Warnings:     warnings,
		Stats:        res.Stats,
	}
}

func generationRecord(g models.Generation) map[string]any {
	rec := map[string]any{
		"id":         g.ID,
		"status":     g.Status,
		"requested":  g.Requested,
		"produced":   g.Produced,
		"warnings":   g.Warnings,
		"startedAt":  g.StartedAt,
		"finishedAt": g.FinishedAt,
	}
	if g.ErrorKind != "" || g.Error != "" {
		rec["errorKind"] = g.ErrorKind
		rec["error"] = g.Error
	}
	return rec
}

const timeLayout = time.RFC3339

func parseRating(raw string) (fsrs.Rating, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "again":
		return fsrs.Again, nil
	case "hard":
		return fsrs.Hard, nil
	case "good":
		return fsrs.Good, nil
	case "easy":
		return fsrs.Easy, nil
	default:
		return 0, fmt.Errorf("unknown rating %q", raw)
	}
}

func nullTimeToString(t sql.NullTime) *string {
	if t.Valid {
		str := t.Time.Format(timeLayout)
		return &str
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
