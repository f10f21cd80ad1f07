// Package llm provides the model backend abstraction: a uniform
// generation interface over heterogeneous providers, currently a
// remote Ollama server and an in-process llama.cpp runtime.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Device selects where an in-process backend executes inference.
// Remote backends ignore it.
type Device string

const (
	DeviceCPU         Device = "cpu"
	DeviceAccelerator Device = "accelerator"
)

// GenerationConfig carries per-request generation parameters. It is
// immutable for the duration of a request.
type GenerationConfig struct {
	// MaxNewTokens caps the number of generated tokens.
	MaxNewTokens int

	// Temperature controls sampling variance. Zero behaves
	// greedy-leaning on every backend.
	Temperature float64

	// Device selects cpu or accelerator execution for in-process
	// backends.
	Device Device
}

// Fragment is one increment of a streamed generation. A fragment with
// a non-nil Err terminates the stream; fragments already delivered are
// not retracted.
type Fragment struct {
	Text string
	Err  error
}

// Backend is the interface all model providers implement.
type Backend interface {
	// Generate returns the full completion for prompt.
	Generate(ctx context.Context, prompt string, cfg GenerationConfig) (string, error)

	// StreamGenerate returns a finite, non-restartable sequence of
	// text fragments whose concatenation equals what Generate would
	// return for the same inputs. The channel is closed when
	// generation completes or aborts. Cancel ctx to abandon the
	// stream early; the producer exits promptly.
	StreamGenerate(ctx context.Context, prompt string, cfg GenerationConfig) (<-chan Fragment, error)

	// Streaming reports whether the provider produces incremental
	// output natively. Backends that return false still satisfy
	// StreamGenerate through [Stream]'s single-fragment synthesis.
	Streaming() bool

	// Ping checks whether the provider is reachable/loaded.
	Ping(ctx context.Context) error
}

// ErrUnavailable means the remote service or local runtime could not
// be reached or loaded. Match with errors.Is.
var ErrUnavailable = errors.New("llm: backend unavailable")

// GenerationError is a failure reported by the provider during
// generation (context length exceeded, runtime abort, and so on), as
// opposed to not reaching the provider at all.
type GenerationError struct {
	Provider string
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("llm: %s generation failed: %v", e.Provider, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Stream starts a streamed generation on b, synthesizing a
// single-fragment sequence by delegating to Generate when the backend
// has no native incremental output.
func Stream(ctx context.Context, b Backend, prompt string, cfg GenerationConfig) (<-chan Fragment, error) {
	if b.Streaming() {
		return b.StreamGenerate(ctx, prompt, cfg)
	}

	ch := make(chan Fragment, 1)
	go func() {
		defer close(ch)
		text, err := b.Generate(ctx, prompt, cfg)
		if err != nil {
			ch <- Fragment{Err: err}
			return
		}
		select {
		case ch <- Fragment{Text: text}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// Collect drains a fragment stream into the complete text. It returns
// the concatenation of everything received before an error, plus the
// error itself if the stream aborted.
func Collect(ch <-chan Fragment) (string, error) {
	var sb []byte
	for frag := range ch {
		if frag.Err != nil {
			return string(sb), frag.Err
		}
		sb = append(sb, frag.Text...)
	}
	return string(sb), nil
}
