package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfcards/internal/db"
	"pdfcards/internal/pipeline"
	"pdfcards/internal/services"
)

type runnerFunc func(ctx context.Context, in pipeline.RunInput) (*pipeline.GenerationResult, error)

func (f runnerFunc) Run(ctx context.Context, in pipeline.RunInput) (*pipeline.GenerationResult, error) {
	return f(ctx, in)
}

type fixture struct {
	server *Server
	http   *httptest.Server
	decks  *services.DeckService
	runner runnerFunc
}

func newFixture(t *testing.T, runner runnerFunc) *fixture {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "cards.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	decks := services.NewDeckService(conn)
	documents := services.NewDocumentService(conn, t.TempDir(), 0, nil, zerolog.Nop())
	generation := services.NewGenerationService(conn, decks, documents, runner, zerolog.Nop())
	server := NewServer(context.Background(), decks, documents, generation, zerolog.Nop())
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(server.Jobs().CancelAll)
	return &fixture{server: server, http: srv, decks: decks, runner: runner}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.http.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *fixture) createDeck(t *testing.T) int64 {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/decks", map[string]string{"name": "Biology", "topic": "Cells"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return int64(body["id"].(float64))
}

func cardsResult(n int) *pipeline.GenerationResult {
	res := &pipeline.GenerationResult{Count: n}
	for i := 0; i < n; i++ {
		res.Flashcards = append(res.Flashcards, pipeline.Flashcard{
			Question: fmt.Sprintf("Question %d?", i),
			Answer:   fmt.Sprintf("Answer %d", i),
		})
	}
	return res
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, _ = f.do(t, http.MethodPost, "/api/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDecks(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createDeck(t)

	resp, body := f.do(t, http.MethodGet, fmt.Sprintf("/api/decks/%d", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Cells", body["topic"])

	resp, body = f.do(t, http.MethodGet, "/api/decks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["decks"], 1)

	resp, _ = f.do(t, http.MethodGet, "/api/decks/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/decks/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/decks", map[string]string{"topic": "no name"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func upload(t *testing.T, f *fixture, deckID int64, files map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(fmt.Sprintf("%s/api/decks/%d/documents", f.http.URL, deckID), mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestUploadDocuments(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createDeck(t)

	resp, body := upload(t, f, id, map[string]string{"cells.pdf": "%PDF-1.4 cells", "notes.txt": "plain"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	results := body["results"].([]any)
	require.Len(t, results, 2)

	statuses := map[string]string{}
	for _, r := range results {
		m := r.(map[string]any)
		statuses[m["name"].(string)] = m["status"].(string)
	}
	assert.Equal(t, map[string]string{"cells.pdf": "ok", "notes.txt": "error"}, statuses)

	resp, _ = upload(t, f, id, map[string]string{"notes.txt": "plain"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, fmt.Sprintf("/api/decks/%d/documents", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["documents"], 1)
}

func TestUploadOutlivesServerReadTimeout(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createDeck(t)

	srv := httptest.NewUnstartedServer(f.server.Handler())
	srv.Config.ReadTimeout = 100 * time.Millisecond
	srv.Start()
	t.Cleanup(srv.Close)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("files", "slow.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.4 slow"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintf(conn, "POST /api/decks/%d/documents HTTP/1.1\r\nHost: test\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		id, mw.FormDataContentType(), buf.Len())
	require.NoError(t, err)
	// The body arrives after the server-wide read timeout has passed.
	time.Sleep(300 * time.Millisecond)
	_, err = conn.Write(buf.Bytes())
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestGenerateWaitSuccess(t *testing.T) {
	inputs := make(chan pipeline.RunInput, 1)
	f := newFixture(t, func(_ context.Context, in pipeline.RunInput) (*pipeline.GenerationResult, error) {
		inputs <- in
		return cardsResult(3), nil
	})
	id := f.createDeck(t)

	resp, body := f.do(t, http.MethodPost, fmt.Sprintf("/api/decks/%d/generations?wait=true", id), map[string]any{"count": 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["count"])
	assert.Equal(t, "Generated 3 flashcards", body["message"])
	assert.Equal(t, 3, (<-inputs).TargetCount)

	resp, body = f.do(t, http.MethodGet, fmt.Sprintf("/api/decks/%d/cards", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["total"])

	resp, body = f.do(t, http.MethodGet, fmt.Sprintf("/api/decks/%d/generations", id), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["generations"], 1)
}

func TestGenerateWaitMapsErrorKinds(t *testing.T) {
	tests := []struct {
		kind      pipeline.Kind
		status    int
		retryable bool
	}{
		{pipeline.KindInvalidRequest, http.StatusBadRequest, false},
		{pipeline.KindNoExtractableContent, http.StatusUnprocessableEntity, false},
		{pipeline.KindAllChunksFailed, http.StatusBadGateway, false},
		{pipeline.KindUpstreamUnavailable, http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			f := newFixture(t, func(context.Context, pipeline.RunInput) (*pipeline.GenerationResult, error) {
				return nil, &pipeline.Error{Kind: tt.kind, Msg: "boom"}
			})
			id := f.createDeck(t)

			resp, body := f.do(t, http.MethodPost, fmt.Sprintf("/api/decks/%d/generations?wait=1", id), map[string]any{})
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, string(tt.kind), body["kind"])
			assert.Equal(t, tt.retryable, body["retryable"])
			if tt.retryable {
				assert.NotEmpty(t, resp.Header.Get("Retry-After"))
			}
		})
	}
}

func waitForJob(t *testing.T, f *fixture, jobID string, done func(status string) bool) map[string]any {
	t.Helper()
	var last map[string]any
	require.Eventually(t, func() bool {
		resp, body := f.do(t, http.MethodGet, "/api/jobs/"+jobID, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		last = body
		return done(body["status"].(string))
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func TestGenerateJobCompletes(t *testing.T) {
	f := newFixture(t, func(_ context.Context, in pipeline.RunInput) (*pipeline.GenerationResult, error) {
		in.Progress(pipeline.StageGenerate, "Generated part 1 of 1", 95, 100)
		return cardsResult(2), nil
	})
	id := f.createDeck(t)

	resp, body := f.do(t, http.MethodPost, fmt.Sprintf("/api/decks/%d/generations", id), map[string]any{"count": 2})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := body["jobId"].(string)

	job := waitForJob(t, f, jobID, func(s string) bool { return s == JobStatusComplete })
	result := job["result"].(map[string]any)
	assert.Equal(t, float64(2), result["count"])
	assert.Equal(t, float64(100), job["percent"])

	resp, _ = f.do(t, http.MethodDelete, "/api/jobs/"+jobID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGenerateJobCancel(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, _ pipeline.RunInput) (*pipeline.GenerationResult, error) {
		close(started)
		<-ctx.Done()
		return nil, &pipeline.Error{Kind: pipeline.KindCancelled, Err: ctx.Err()}
	})
	id := f.createDeck(t)

	resp, body := f.do(t, http.MethodPost, fmt.Sprintf("/api/decks/%d/generations", id), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := body["jobId"].(string)
	<-started

	resp, _ = f.do(t, http.MethodDelete, "/api/jobs/"+jobID, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	job := waitForJob(t, f, jobID, func(s string) bool { return s == JobStatusCancelled })
	assert.Equal(t, string(pipeline.KindCancelled), job["errorKind"])
	assert.Nil(t, job["result"])

	cards, err := f.decks.ListCards(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, cards)

	resp, _ = f.do(t, http.MethodGet, "/api/jobs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReviewCard(t *testing.T) {
	f := newFixture(t, nil)
	id := f.createDeck(t)
	require.NoError(t, f.decks.AddFlashcards(context.Background(), id, "", []pipeline.Flashcard{{Question: "Q", Answer: "A"}}))
	cards, err := f.decks.ListCards(context.Background(), id)
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, fmt.Sprintf("/api/cards/%d/review", cards[0].ID), map[string]string{"rating": "good"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["reps"])

	resp, _ = f.do(t, http.MethodPost, fmt.Sprintf("/api/cards/%d/review", cards[0].ID), map[string]string{"rating": "meh"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("deck 1: %w", services.ErrNotFound)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, statusFor(services.ErrTooLarge))
	assert.Equal(t, http.StatusUnsupportedMediaType, statusFor(services.ErrNotPDF))
	assert.Equal(t, 499, statusFor(&pipeline.Error{Kind: pipeline.KindCancelled}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("disk full")))
}
