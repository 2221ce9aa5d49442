package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "chunk budget", mutate: func(c *Config) { c.ChunkBudget = 0 }, want: "chunk_budget"},
		{name: "vision page cost", mutate: func(c *Config) { c.VisionPageCost = 0 }, want: "vision_page_cost"},
		{name: "negative vision page cost", mutate: func(c *Config) { c.VisionPageCost = -1 }, want: "vision_page_cost"},
		{name: "ceiling", mutate: func(c *Config) { c.Ceiling = 0 }, want: "ceiling"},
		{name: "concurrency", mutate: func(c *Config) { c.Concurrency = 0 }, want: "concurrency"},
		{name: "word ratio", mutate: func(c *Config) { c.MinWordRatio = 1.5 }, want: "min_word_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}
}
