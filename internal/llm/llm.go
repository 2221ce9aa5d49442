// Package llm provides pipeline.Model implementations for chat completion
// backends.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"pdfcards/internal/pipeline"
)

// SystemPrompt frames every generation call.
const SystemPrompt = "You are an expert educator who designs concise, atomic spaced repetition flashcards. " +
	"You always answer with the exact JSON format requested."

// ErrNotConfigured is returned when no backend credentials are present.
var ErrNotConfigured = errors.New("no language model is configured")

// classifyStatus wraps err as transient for statuses worth retrying.
func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return pipeline.Transient(err)
	default:
		return err
	}
}

// classifyTransport marks network failures transient unless the caller
// cancelled.
func classifyTransport(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return pipeline.Transient(fmt.Errorf("%w: %w", ctxErr, err))
		}
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return pipeline.Transient(err)
	}
	return err
}

// Router sends text prompts and image prompts to different models.
type Router struct {
	Text   pipeline.Model
	Vision pipeline.Model
}

func (r *Router) Complete(ctx context.Context, prompt string) (string, error) {
	if r.Text == nil {
		return "", ErrNotConfigured
	}
	return r.Text.Complete(ctx, prompt)
}

// CompleteWithImages prefers the vision model and falls back to the text
// model, which may itself accept images.
func (r *Router) CompleteWithImages(ctx context.Context, prompt string, images []pipeline.Image) (string, error) {
	switch {
	case r.Vision != nil:
		return r.Vision.CompleteWithImages(ctx, prompt, images)
	case r.Text != nil:
		return r.Text.CompleteWithImages(ctx, prompt, images)
	default:
		return "", ErrNotConfigured
	}
}
