package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"pdfcards/internal/pipeline"
)

// OpenAIConfig configures an OpenAI-compatible chat endpoint.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
}

// OpenAIModel talks to any OpenAI-compatible chat completion API.
type OpenAIModel struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

func NewOpenAIModel(cfg OpenAIConfig) *OpenAIModel {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &OpenAIModel{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}
}

func (m *OpenAIModel) Complete(ctx context.Context, prompt string) (string, error) {
	return m.send(ctx, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})
}

// CompleteWithImages sends the prompt followed by the images as data URIs.
func (m *OpenAIModel) CompleteWithImages(ctx context.Context, prompt string, images []pipeline.Image) (string, error) {
	parts := make([]openai.ChatMessagePart, 0, len(images)+1)
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: prompt,
	})
	for _, img := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    img.DataURI(),
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	return m.send(ctx, openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	})
}

func (m *OpenAIModel) send(ctx context.Context, user openai.ChatCompletionMessage) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: SystemPrompt,
			},
			user,
		},
		Temperature: m.temperature,
		MaxTokens:   m.maxTokens,
	}

	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classifyOpenAI(ctx, fmt.Errorf("request openai completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", pipeline.Transient(errors.New("openai returned no choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

func classifyOpenAI(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, err)
	}
	return classifyTransport(ctx, err)
}
