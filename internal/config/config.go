package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pdfcards/internal/pipeline"
)

// Config stores runtime configuration loaded from environment variables.
type Config struct {
	OpenAIKey      string
	OpenAIEndpoint string
	OpenAIModel    string
	ZAIKey         string
	ZAIBaseURL     string
	ZAIModel       string
	Database       string
	UploadDir      string
	Port           string
	LogLevel       string
	LogFormat      string
	Renderer       string
	RenderDPI      float64
	MaxUploadBytes int64

	// PipelineFile is the optional YAML file tuning the pipeline.
	PipelineFile string
	Pipeline     pipeline.Config
}

// Load reads configuration from the environment, providing sensible defaults.
func Load() (Config, error) {
	// Load .env file if it exists (useful for development)
	_ = godotenv.Load()
	cfg := Config{
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIEndpoint: getEnv("OPENAI_API_ENDPOINT", "https://api.openai.com/v1"),
		OpenAIModel:    getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		ZAIKey:         os.Getenv("Z_AI_API_KEY"),
		ZAIBaseURL:     getEnv("Z_AI_BASE_URL", "https://open.bigmodel.cn/api/paas/v4/"),
		ZAIModel:       getEnv("Z_AI_VISION_MODEL", "glm-4.5v"),
		Database:       getEnv("DATABASE_PATH", "./data/flashcards.db"),
		UploadDir:      getEnv("UPLOAD_DIR", "./data/uploads"),
		Port:           getEnv("PORT", "8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "console"),
		Renderer:       getEnv("RENDERER", "fitz"),
		PipelineFile:   os.Getenv("PIPELINE_CONFIG"),
		Pipeline:       pipeline.DefaultConfig(),
	}

	var err error
	if cfg.RenderDPI, err = strconv.ParseFloat(getEnv("RENDER_DPI", "150"), 64); err != nil {
		return Config{}, fmt.Errorf("parse RENDER_DPI: %w", err)
	}
	if cfg.MaxUploadBytes, err = strconv.ParseInt(getEnv("MAX_UPLOAD_BYTES", "52428800"), 10, 64); err != nil {
		return Config{}, fmt.Errorf("parse MAX_UPLOAD_BYTES: %w", err)
	}

	if cfg.PipelineFile != "" {
		if err := LoadPipelineFile(cfg.PipelineFile, &cfg.Pipeline); err != nil {
			return Config{}, err
		}
	}
	if v := os.Getenv("GENERATION_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse GENERATION_CONCURRENCY: %w", err)
		}
		cfg.Pipeline.Concurrency = n
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return Config{}, fmt.Errorf("pipeline config: %w", err)
	}
	return cfg, nil
}

// LoadPipelineFile overlays the keys present in a YAML file onto dst.
func LoadPipelineFile(path string, dst *pipeline.Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pipeline config: %w", err)
	}
	if err := yaml.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("parse pipeline config %s: %w", path, err)
	}
	return nil
}

// EnsureDirs creates the upload directory and the database's parent.
func (c Config) EnsureDirs() error {
	if err := os.MkdirAll(c.UploadDir, 0o755); err != nil {
		return fmt.Errorf("ensure upload dir %s: %w", c.UploadDir, err)
	}
	if err := os.MkdirAll(filepath.Dir(c.Database), 0o755); err != nil {
		return fmt.Errorf("ensure database dir %s: %w", c.Database, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}
