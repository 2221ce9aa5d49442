package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"pdfcards/internal/config"
	"pdfcards/internal/logging"
)

type rootOptions struct {
	logLevel   string
	configFile string

	cfg config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "pdfcards",
		Short:         "Generate flashcards from PDF documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "pipeline YAML config file")

	cmd.AddCommand(newGenerateCmd(opts))
	cmd.SetErr(os.Stderr)
	return cmd
}

func (o *rootOptions) load() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if o.configFile != "" {
		if err := config.LoadPipelineFile(o.configFile, &cfg.Pipeline); err != nil {
			return err
		}
		if err := cfg.Pipeline.Validate(); err != nil {
			return fmt.Errorf("pipeline config: %w", err)
		}
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	o.cfg = cfg
	o.log = logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	return nil
}
