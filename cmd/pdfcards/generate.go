package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pdfcards/internal/app"
	"pdfcards/internal/db"
	"pdfcards/internal/models"
	"pdfcards/internal/pipeline"
	"pdfcards/internal/services"
)

const defaultCount = 100

type generateOptions struct {
	instructions string
	count        int
	topic        string
	existing     string
	output       string
	cache        string
	timeout      time.Duration
	quiet        bool
}

func newGenerateCmd(root *rootOptions) *cobra.Command {
	opts := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate [file.pdf...]",
		Short: "Generate flashcards from local PDF files",
		Long: `Extracts the given PDFs, splits them into chunks, asks the configured model
for flashcards and prints the result as JSON. With no files, --topic drives a
topic-only run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd.Context(), root, opts, args)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.instructions, "instructions", "i", "", "generation instructions")
	f.IntVarP(&opts.count, "count", "n", defaultCount, "number of flashcards to generate")
	f.StringVar(&opts.topic, "topic", "", "deck topic")
	f.StringVar(&opts.existing, "existing", "", "JSON file of flashcards already in the deck")
	f.StringVarP(&opts.output, "output", "o", "", "write the result to a file instead of stdout")
	f.StringVar(&opts.cache, "cache", "", "SQLite file caching page extraction between runs")
	f.DurationVar(&opts.timeout, "timeout", 0, "abort the run after this long")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "hide the progress bar")
	return cmd
}

func runGenerate(ctx context.Context, root *rootOptions, opts *generateOptions, paths []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	sources, err := readSources(paths)
	if err != nil {
		return err
	}
	existing, err := loadExisting(opts.existing)
	if err != nil {
		return err
	}

	var cache pipeline.ExtractionCache
	if opts.cache != "" {
		conn, err := db.Open(opts.cache)
		if err != nil {
			return err
		}
		defer conn.Close()
		cache = services.NewPageCache(conn)
	}

	orchestrator, err := app.NewPipeline(root.cfg, cache, root.log)
	if err != nil {
		return err
	}

	instructions := opts.instructions
	if strings.TrimSpace(instructions) == "" {
		instructions = services.DefaultInstructions(&models.Deck{Name: "the provided material", Topic: opts.topic})
	}

	in := pipeline.RunInput{
		Documents:    sources,
		Instructions: instructions,
		Topic:        opts.topic,
		TargetCount:  opts.count,
		Existing:     existing,
	}
	if !opts.quiet {
		progress := newProgressReporter(os.Stderr)
		defer progress.Finish()
		in.Progress = progress.Update
	}

	result, err := orchestrator.Run(ctx, in)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		root.log.Warn().Str("stage", w.Stage).Str("document", w.Document).Msg(w.Message)
	}

	out := io.Writer(os.Stdout)
	if opts.output != "" {
		file, err := os.Create(opts.output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer file.Close()
		out = file
	}
	return writeResult(out, result)
}

// readSources loads each PDF path into a source document named after its file.
func readSources(paths []string) ([]pipeline.SourceDocument, error) {
	sources := make([]pipeline.SourceDocument, 0, len(paths))
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		sources = append(sources, pipeline.SourceDocument{
			ID:   strconv.Itoa(i + 1),
			Name: filepath.Base(path),
			Data: data,
		})
	}
	return sources, nil
}

// loadExisting accepts either a bare JSON array of flashcards or a previous
// generate result.
func loadExisting(path string) ([]pipeline.Flashcard, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read existing flashcards: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		var result pipeline.GenerationResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("parse existing flashcards: %w", err)
		}
		return result.Flashcards, nil
	}
	var cards []pipeline.Flashcard
	if err := json.Unmarshal(raw, &cards); err != nil {
		return nil, fmt.Errorf("parse existing flashcards: %w", err)
	}
	return cards, nil
}

func writeResult(w io.Writer, result *pipeline.GenerationResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
