package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Ollama is a backend that talks to a running Ollama server over its
// HTTP API. Generation goes through /api/generate; streaming responses
// arrive as newline-delimited JSON chunks.
type Ollama struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllama creates an Ollama backend for the given server URL and
// model name. An empty baseURL falls back to the local default.
func NewOllama(baseURL, model string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Ollama{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // large models need time
		},
	}
}

// generateRequest is the request format for the Ollama generate API.
type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options *ollamaOptions `json:"options,omitempty"`
}

// ollamaOptions are model parameters. Temperature is always sent so
// that zero means greedy-leaning rather than the server default.
type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// generateResponse is one message from the Ollama generate API: the
// whole completion when stream=false, or a single chunk otherwise.
type generateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	Error     string `json:"error,omitempty"`

	// Usage stats (when done=true)
	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

// Generate returns the full completion for prompt.
func (o *Ollama) Generate(ctx context.Context, prompt string, cfg GenerationConfig) (string, error) {
	resp, err := o.send(ctx, prompt, cfg, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &GenerationError{Provider: "ollama", Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Error != "" {
		return "", &GenerationError{Provider: "ollama", Err: fmt.Errorf("%s", out.Error)}
	}
	return out.Response, nil
}

// StreamGenerate streams the completion as it is produced. The
// returned channel closes when the server reports done or the stream
// aborts; cancelling ctx abandons the stream and releases the
// producer.
func (o *Ollama) StreamGenerate(ctx context.Context, prompt string, cfg GenerationConfig) (<-chan Fragment, error) {
	resp, err := o.send(ctx, prompt, cfg, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan Fragment)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		decoder := json.NewDecoder(resp.Body)
		for {
			var chunk generateResponse
			if err := decoder.Decode(&chunk); err != nil {
				if err == io.EOF {
					return
				}
				o.emit(ctx, ch, Fragment{Err: &GenerationError{Provider: "ollama", Err: fmt.Errorf("decode stream chunk: %w", err)}})
				return
			}
			if chunk.Error != "" {
				o.emit(ctx, ch, Fragment{Err: &GenerationError{Provider: "ollama", Err: fmt.Errorf("%s", chunk.Error)}})
				return
			}
			if chunk.Response != "" {
				if !o.emit(ctx, ch, Fragment{Text: chunk.Response}) {
					return
				}
			}
			if chunk.Done {
				return
			}
		}
	}()
	return ch, nil
}

// emit delivers a fragment unless the consumer has gone away.
func (o *Ollama) emit(ctx context.Context, ch chan<- Fragment, frag Fragment) bool {
	select {
	case ch <- frag:
		return true
	case <-ctx.Done():
		return false
	}
}

// Streaming reports native incremental output support.
func (o *Ollama) Streaming() bool {
	return true
}

// Ping checks if the Ollama server is reachable.
func (o *Ollama) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: API error %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// send issues a generate request and checks the HTTP status. The
// caller owns the response body.
func (o *Ollama) send(ctx context.Context, prompt string, cfg GenerationConfig, stream bool) (*http.Response, error) {
	req := generateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: stream,
		Options: &ollamaOptions{
			Temperature: cfg.Temperature,
			NumPredict:  cfg.MaxNewTokens,
		},
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &GenerationError{Provider: "ollama", Err: fmt.Errorf("API error %d: %s", resp.StatusCode, bytes.TrimSpace(body))}
	}
	return resp, nil
}
