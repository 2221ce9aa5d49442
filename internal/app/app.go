// Package app wires configuration into a ready pipeline for both binaries.
package app

import (
	"fmt"

	"github.com/rs/zerolog"

	"pdfcards/internal/config"
	"pdfcards/internal/llm"
	"pdfcards/internal/pdf"
	"pdfcards/internal/pipeline"
)

// NewModel picks the configured backends. OpenAI handles text when its key
// is set; Z.AI handles images when its key is set. Either alone serves both.
func NewModel(cfg config.Config, log zerolog.Logger) (pipeline.Model, error) {
	var text, vision pipeline.Model
	if cfg.OpenAIKey != "" {
		text = llm.NewOpenAIModel(llm.OpenAIConfig{
			APIKey:      cfg.OpenAIKey,
			BaseURL:     cfg.OpenAIEndpoint,
			Model:       cfg.OpenAIModel,
			Temperature: 0.4,
		})
	}
	if cfg.ZAIKey != "" {
		vision = llm.NewZAIModel(cfg.ZAIKey, cfg.ZAIBaseURL, cfg.ZAIModel, log)
	}
	switch {
	case text == nil && vision == nil:
		return nil, fmt.Errorf("%w: set OPENAI_API_KEY or Z_AI_API_KEY", llm.ErrNotConfigured)
	case text == nil:
		text = vision
	}
	return &llm.Router{Text: text, Vision: vision}, nil
}

// NewPipeline builds the orchestrator. cache may be nil.
func NewPipeline(cfg config.Config, cache pipeline.ExtractionCache, log zerolog.Logger) (*pipeline.Orchestrator, error) {
	model, err := NewModel(cfg, log)
	if err != nil {
		return nil, err
	}
	renderer, err := pdf.NewRenderer(cfg.Renderer, cfg.RenderDPI)
	if err != nil {
		return nil, err
	}
	return pipeline.New(cfg.Pipeline, pipeline.Dependencies{
		Opener:   pdf.NewOpener(),
		Renderer: renderer,
		Model:    model,
		Cache:    cache,
		Logger:   log,
	})
}
