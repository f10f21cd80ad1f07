package llm

import (
	"context"
	"errors"
	"testing"
)

// scriptedBackend returns canned completions without native streaming.
type scriptedBackend struct {
	text string
	err  error

	generateCalls int
	streamCalls   int
}

func (s *scriptedBackend) Generate(ctx context.Context, prompt string, cfg GenerationConfig) (string, error) {
	s.generateCalls++
	return s.text, s.err
}

func (s *scriptedBackend) StreamGenerate(ctx context.Context, prompt string, cfg GenerationConfig) (<-chan Fragment, error) {
	s.streamCalls++
	ch := make(chan Fragment)
	close(ch)
	return ch, nil
}

func (s *scriptedBackend) Streaming() bool { return false }

func (s *scriptedBackend) Ping(ctx context.Context) error { return nil }

func TestStreamSynthesizesSingleFragment(t *testing.T) {
	b := &scriptedBackend{text: "whole answer"}

	ch, err := Stream(context.Background(), b, "p", GenerationConfig{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var frags []Fragment
	for frag := range ch {
		frags = append(frags, frag)
	}
	if len(frags) != 1 {
		t.Fatalf("got %d fragments, want 1", len(frags))
	}
	if frags[0].Text != "whole answer" {
		t.Errorf("fragment = %q, want %q", frags[0].Text, "whole answer")
	}
	if b.generateCalls != 1 || b.streamCalls != 0 {
		t.Errorf("generate=%d stream=%d, want synthesis via Generate", b.generateCalls, b.streamCalls)
	}
}

func TestStreamSynthesizedError(t *testing.T) {
	wantErr := &GenerationError{Provider: "scripted", Err: errors.New("boom")}
	b := &scriptedBackend{err: wantErr}

	ch, err := Stream(context.Background(), b, "p", GenerationConfig{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if _, err := Collect(ch); !errors.Is(err, wantErr) {
		t.Errorf("Collect error = %v, want %v", err, wantErr)
	}
}

func TestCollectKeepsTextBeforeError(t *testing.T) {
	ch := make(chan Fragment, 3)
	ch <- Fragment{Text: "a"}
	ch <- Fragment{Text: "b"}
	ch <- Fragment{Err: errors.New("cut off")}
	close(ch)

	text, err := Collect(ch)
	if text != "ab" {
		t.Errorf("text = %q, want ab", text)
	}
	if err == nil {
		t.Error("expected error")
	}
}

func TestGenerationErrorUnwrap(t *testing.T) {
	inner := errors.New("context length exceeded")
	err := &GenerationError{Provider: "local", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("GenerationError should unwrap to its cause")
	}
	if got := err.Error(); got != "llm: local generation failed: context length exceeded" {
		t.Errorf("Error() = %q", got)
	}
}
