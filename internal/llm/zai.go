package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pdfcards/internal/pipeline"
)

const (
	DefaultZAIBaseURL = "https://open.bigmodel.cn/api/paas/v4/"
	DefaultZAIModel   = "glm-4.5v"
)

// ZAIModel calls the Z.AI chat completion API directly. Its vision models
// accept several images per message.
type ZAIModel struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewZAIModel(apiKey, baseURL, model string, log zerolog.Logger) *ZAIModel {
	if baseURL == "" {
		baseURL = DefaultZAIBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if model == "" {
		model = DefaultZAIModel
	}
	return &ZAIModel{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		// Per-call deadlines come from ctx; this only bounds a stuck connection.
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		log:        log.With().Str("component", "zai").Logger(),
	}
}

type zaiContent struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *zaiImageURL `json:"image_url,omitempty"`
}

type zaiImageURL struct {
	URL string `json:"url"`
}

type zaiMessage struct {
	Role    string       `json:"role"`
	Content []zaiContent `json:"content"`
}

type zaiThinking struct {
	Type string `json:"type"`
}

type zaiRequest struct {
	Model       string       `json:"model"`
	Messages    []zaiMessage `json:"messages"`
	Thinking    zaiThinking  `json:"thinking"`
	Stream      bool         `json:"stream"`
	Temperature float64      `json:"temperature"`
	TopP        float64      `json:"top_p"`
	MaxTokens   int          `json:"max_tokens"`
}

type zaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (m *ZAIModel) Complete(ctx context.Context, prompt string) (string, error) {
	return m.CompleteWithImages(ctx, prompt, nil)
}

// CompleteWithImages puts the images before the text prompt, in page order.
func (m *ZAIModel) CompleteWithImages(ctx context.Context, prompt string, images []pipeline.Image) (string, error) {
	content := make([]zaiContent, 0, len(images)+1)
	for _, img := range images {
		content = append(content, zaiContent{
			Type:     "image_url",
			ImageURL: &zaiImageURL{URL: img.DataURI()},
		})
	}
	content = append(content, zaiContent{Type: "text", Text: prompt})

	reqBody, err := json.Marshal(zaiRequest{
		Model: m.model,
		Messages: []zaiMessage{
			{Role: "system", Content: []zaiContent{{Type: "text", Text: SystemPrompt}}},
			{Role: "user", Content: content},
		},
		Thinking:    zaiThinking{Type: "enabled"},
		Temperature: 0.8,
		TopP:        0.6,
		MaxTokens:   16384,
	})
	if err != nil {
		return "", fmt.Errorf("marshal zai request: %w", err)
	}
	m.log.Debug().Int("images", len(images)).Int("payload_kb", len(reqBody)/1024).Msg("zai request")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Language", "en-US,en")

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return "", classifyTransport(ctx, fmt.Errorf("execute zai request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyTransport(ctx, fmt.Errorf("read zai response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode,
			fmt.Errorf("zai api error: status=%d, body=%s", resp.StatusCode, truncate(body, 512)))
	}

	var parsed zaiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", pipeline.Transient(fmt.Errorf("unmarshal zai response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return "", pipeline.Transient(errors.New("zai returned no choices"))
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
