package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"pdfcards/internal/api"
	"pdfcards/internal/app"
	"pdfcards/internal/config"
	"pdfcards/internal/db"
	"pdfcards/internal/logging"
	"pdfcards/internal/pdf"
	"pdfcards/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.EnsureDirs(); err != nil {
		log.Fatal().Err(err).Msg("prepare directories")
	}

	conn, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer conn.Close()

	orchestrator, err := app.NewPipeline(cfg, services.NewPageCache(conn), log)
	if err != nil {
		log.Fatal().Err(err).Msg("build pipeline")
	}

	decks := services.NewDeckService(conn)
	documents := services.NewDocumentService(conn, cfg.UploadDir, cfg.MaxUploadBytes, pdf.NewOpener(), log)
	generation := services.NewGenerationService(conn, decks, documents, orchestrator, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(ctx, decks, documents, generation, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		// Uploads extend their own deadline to api.DefaultUploadTimeout.
		ReadTimeout: 30 * time.Second,
		// Synchronous generation (?wait=true) can take minutes.
		WriteTimeout: 30 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		server.Jobs().CancelAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", srv.Addr).Str("renderer", cfg.Renderer).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
}
