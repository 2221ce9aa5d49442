package pipeline

import (
	"fmt"
	"time"
)

const (
	DefaultTargetCount = 100
	DefaultCeiling     = 200
)

// Config tunes every stage of the pipeline. It is passed to New explicitly so
// tests can run deterministic, fast configurations.
type Config struct {
	// Extraction
	MinPageChars       int     `yaml:"min_page_chars"`
	MinCharsPerPoint2  float64 `yaml:"min_chars_per_point2"`
	MinWordRatio       float64 `yaml:"min_word_ratio"`
	LargeImagePixels   int     `yaml:"large_image_pixels"`
	ExtractConcurrency int     `yaml:"extract_concurrency"`

	// Chunking
	ChunkBudget    int `yaml:"chunk_budget"`
	VisionPageCost int `yaml:"vision_page_cost"`

	// Prompting
	Ceiling             int `yaml:"ceiling"`
	MaxExistingInPrompt int `yaml:"max_existing_in_prompt"`
	MaxSummaryEntries   int `yaml:"max_summary_entries"`

	// Generation
	Concurrency    int           `yaml:"concurrency"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	MaxRunDuration time.Duration `yaml:"max_run_duration"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinPageChars:        50,
		MinCharsPerPoint2:   0.0002,
		MinWordRatio:        0.6,
		LargeImagePixels:    400_000,
		ExtractConcurrency:  4,
		ChunkBudget:         12_000,
		VisionPageCost:      2_000,
		Ceiling:             DefaultCeiling,
		MaxExistingInPrompt: 80,
		MaxSummaryEntries:   12,
		Concurrency:         4,
		CallTimeout:         3 * time.Minute,
		MaxAttempts:         3,
		BackoffBase:         2 * time.Second,
		BackoffMax:          30 * time.Second,
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	switch {
	case c.ChunkBudget <= 0:
		return fmt.Errorf("chunk_budget must be positive, got %d", c.ChunkBudget)
	case c.VisionPageCost <= 0:
		return fmt.Errorf("vision_page_cost must be positive, got %d", c.VisionPageCost)
	case c.Ceiling <= 0:
		return fmt.Errorf("ceiling must be positive, got %d", c.Ceiling)
	case c.Concurrency <= 0:
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	case c.ExtractConcurrency <= 0:
		return fmt.Errorf("extract_concurrency must be positive, got %d", c.ExtractConcurrency)
	case c.MaxAttempts <= 0:
		return fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts)
	case c.MinWordRatio < 0 || c.MinWordRatio > 1:
		return fmt.Errorf("min_word_ratio must be within [0,1], got %.2f", c.MinWordRatio)
	}
	return nil
}

// RetryPolicy returns the bounded exponential backoff policy described by c.
func (c Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		Backoff:     ExponentialBackoff(c.BackoffBase, c.BackoffMax),
	}
}
