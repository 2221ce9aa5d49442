package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Model is a generative model. Complete is the text path; CompleteWithImages is
// the vision path carrying rendered pages.
type Model interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithImages(ctx context.Context, prompt string, images []Image) (string, error)
}

// RetryPolicy bounds attempts of one model call.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff returns the wait before retry n (1 for the first retry).
	Backoff func(n int) time.Duration
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ExponentialBackoff doubles base for every retry, capped at limit.
func ExponentialBackoff(base, limit time.Duration) func(int) time.Duration {
	return func(n int) time.Duration {
		if base <= 0 || n <= 0 {
			return 0
		}
		d := base
		for i := 1; i < n; i++ {
			d *= 2
			if limit > 0 && d >= limit {
				return limit
			}
		}
		if limit > 0 && d > limit {
			return limit
		}
		return d
	}
}

func (p RetryPolicy) wait(ctx context.Context, n int) error {
	var d time.Duration
	if p.Backoff != nil {
		d = p.Backoff(n)
	}
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GenerationClient calls the model for one chunk with a per-call timeout and
// bounded retries of transient failures.
type GenerationClient struct {
	model   Model
	policy  RetryPolicy
	timeout time.Duration
	log     zerolog.Logger
}

func NewGenerationClient(model Model, policy RetryPolicy, timeout time.Duration, log zerolog.Logger) *GenerationClient {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &GenerationClient{model: model, policy: policy, timeout: timeout, log: log}
}

// Generate returns the raw model output for p. Failures after the retry budget
// are ChunkGenerationFailed errors; errors.Is(err, ErrTransient) tells whether
// the upstream was unavailable rather than rejecting the request.
func (c *GenerationClient) Generate(ctx context.Context, p ChunkPrompt) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			c.log.Debug().Int("chunk", p.Chunk.Index).Int("attempt", attempt).Err(lastErr).Msg("retrying model call")
			if err := c.policy.wait(ctx, attempt-1); err != nil {
				return "", err
			}
		}

		out, err := c.call(ctx, p)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		if !isTransient(err) {
			return "", newError(KindChunkGenerationFailed, err, "chunk %d", p.Chunk.Index+1)
		}
	}
	return "", newError(KindChunkGenerationFailed, lastErr, "chunk %d failed after %d attempts", p.Chunk.Index+1, c.policy.MaxAttempts)
}

func (c *GenerationClient) call(ctx context.Context, p ChunkPrompt) (string, error) {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var (
		out string
		err error
	)
	if p.Mode == ModeVision && len(p.Images) > 0 {
		out, err = c.model.CompleteWithImages(callCtx, p.Prompt, p.Images)
	} else {
		out, err = c.model.Complete(callCtx, p.Prompt)
	}
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", Transient(fmt.Errorf("model call timed out after %s: %w", c.timeout, err))
		}
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", Transient(errors.New("model returned empty output"))
	}
	return out, nil
}

func isTransient(err error) bool {
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
