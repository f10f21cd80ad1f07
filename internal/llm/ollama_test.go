package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newFakeOllama serves /api/generate for the canned completion,
// chunked word by word when the client asks for streaming. Captured
// requests are appended to got.
func newFakeOllama(t *testing.T, completion string, got *[]generateRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[]}`)
			return
		case "/api/generate":
		default:
			http.NotFound(w, r)
			return
		}

		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got != nil {
			*got = append(*got, req)
		}

		enc := json.NewEncoder(w)
		if !req.Stream {
			enc.Encode(generateResponse{Response: completion, Done: true, EvalCount: 16})
			return
		}
		words := strings.SplitAfter(completion, " ")
		for _, word := range words {
			enc.Encode(generateResponse{Response: word})
		}
		enc.Encode(generateResponse{Done: true, EvalCount: 16})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaStreamMatchesGenerate(t *testing.T) {
	const completion = "the quick brown fox jumps over the lazy dog"
	var got []generateRequest
	srv := newFakeOllama(t, completion, &got)

	o := NewOllama(srv.URL, "test-model")
	cfg := GenerationConfig{MaxNewTokens: 16, Temperature: 0.7}

	full, err := o.Generate(context.Background(), "say something", cfg)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	ch, err := o.StreamGenerate(context.Background(), "say something", cfg)
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}
	streamed, err := Collect(ch)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if full != completion {
		t.Errorf("Generate = %q, want %q", full, completion)
	}
	if streamed != full {
		t.Errorf("streamed text %q differs from Generate output %q", streamed, full)
	}

	if len(got) != 2 {
		t.Fatalf("server saw %d requests, want 2", len(got))
	}
	for _, req := range got {
		if req.Model != "test-model" {
			t.Errorf("model = %q, want test-model", req.Model)
		}
		if req.Options == nil {
			t.Fatal("options not sent")
		}
		if req.Options.NumPredict != 16 {
			t.Errorf("num_predict = %d, want 16", req.Options.NumPredict)
		}
		if req.Options.Temperature != 0.7 {
			t.Errorf("temperature = %v, want 0.7", req.Options.Temperature)
		}
	}
}

func TestOllamaZeroTemperatureSent(t *testing.T) {
	var got []generateRequest
	srv := newFakeOllama(t, "ok", &got)

	o := NewOllama(srv.URL, "test-model")
	if _, err := o.Generate(context.Background(), "p", GenerationConfig{MaxNewTokens: 16}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	raw, err := json.Marshal(got[0].Options)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), `"temperature":0`) {
		t.Errorf("temperature missing from options payload: %s", raw)
	}
}

func TestOllamaUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	o := NewOllama(srv.URL, "test-model")
	if _, err := o.Generate(context.Background(), "p", GenerationConfig{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Generate error = %v, want ErrUnavailable", err)
	}
	if err := o.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Ping error = %v, want ErrUnavailable", err)
	}
}

func TestOllamaAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	o := NewOllama(srv.URL, "missing-model")
	_, err := o.Generate(context.Background(), "p", GenerationConfig{})

	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("error = %v, want *GenerationError", err)
	}
	if genErr.Provider != "ollama" {
		t.Errorf("provider = %q, want ollama", genErr.Provider)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("API error should not match ErrUnavailable")
	}
}

func TestOllamaMidStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(generateResponse{Response: "partial "})
		enc.Encode(generateResponse{Error: "runtime exploded"})
	}))
	t.Cleanup(srv.Close)

	o := NewOllama(srv.URL, "test-model")
	ch, err := o.StreamGenerate(context.Background(), "p", GenerationConfig{})
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}

	text, err := Collect(ch)
	if text != "partial " {
		t.Errorf("text before failure = %q, want %q", text, "partial ")
	}
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("error = %v, want *GenerationError", err)
	}
}

func TestOllamaStreamCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(generateResponse{Response: "first"})
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := NewOllama(srv.URL, "test-model")
	ch, err := o.StreamGenerate(ctx, "p", GenerationConfig{})
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}

	frag := <-ch
	if frag.Text != "first" {
		t.Fatalf("first fragment = %q, want first", frag.Text)
	}
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // producer exited
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

func TestOllamaPing(t *testing.T) {
	srv := newFakeOllama(t, "ok", nil)
	o := NewOllama(srv.URL, "test-model")
	if err := o.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
