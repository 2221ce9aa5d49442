package pipeline

import (
	"errors"
	"fmt"
)

// Kind is the machine readable category of a pipeline failure.
type Kind string

const (
	KindInvalidRequest        Kind = "invalid_request"
	KindCorruptDocument       Kind = "corrupt_document"
	KindNoExtractableContent  Kind = "no_extractable_content"
	KindChunkGenerationFailed Kind = "chunk_generation_failed"
	KindMalformedModelOutput  Kind = "malformed_model_output"
	KindAllChunksFailed       Kind = "all_chunks_failed"
	KindUpstreamUnavailable   Kind = "upstream_unavailable"
	KindCancelled             Kind = "cancelled"
)

var (
	ErrInvalidRequest        = &Error{Kind: KindInvalidRequest}
	ErrCorruptDocument       = &Error{Kind: KindCorruptDocument}
	ErrNoExtractableContent  = &Error{Kind: KindNoExtractableContent}
	ErrChunkGenerationFailed = &Error{Kind: KindChunkGenerationFailed}
	ErrMalformedModelOutput  = &Error{Kind: KindMalformedModelOutput}
	ErrAllChunksFailed       = &Error{Kind: KindAllChunksFailed}
	ErrUpstreamUnavailable   = &Error{Kind: KindUpstreamUnavailable}
	ErrCancelled             = &Error{Kind: KindCancelled}

	// ErrTransient marks a model or renderer failure worth retrying
	// (timeouts, rate limits, 5xx). Adapters wrap their errors with it.
	ErrTransient = errors.New("transient upstream failure")
)

// Error is a classified pipeline failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind, so errors.Is(err, ErrInvalidRequest) works for
// any invalid request error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Retryable reports whether the caller may re-invoke the whole pipeline later.
func Retryable(err error) bool {
	return KindOf(err) == KindUpstreamUnavailable
}

// Transient wraps err so the generation client treats it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
