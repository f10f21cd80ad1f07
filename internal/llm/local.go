package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
)

// Local is a backend that loads GGUF model weights into the current
// process and runs inference through the llama.cpp bindings. No
// external service is involved.
//
// The runtime binds the execution device when the weights are loaded,
// so the model is loaded lazily on first use with the device of that
// request; later requests naming a different device keep the loaded
// placement and get a warning.
type Local struct {
	modelPath string
	logger    *slog.Logger

	// ContextSize is the token window given to the runtime.
	contextSize int

	// gpuLayers is how many layers to offload when the accelerator
	// device is selected.
	gpuLayers int

	// The llama context is not safe for concurrent use; mu also
	// guards lazy loading.
	mu     sync.Mutex
	model  *llama.LLama
	device Device
}

// LocalOptions tune the in-process runtime.
type LocalOptions struct {
	// ContextSize is the model context window in tokens (default 2048).
	ContextSize int

	// GPULayers is the number of layers offloaded to the accelerator
	// when a request selects DeviceAccelerator (default 32).
	GPULayers int

	// Logger receives runtime diagnostics.
	Logger *slog.Logger
}

// NewLocal creates an in-process backend for the given weights file.
// The weights are not loaded until the first generation request.
func NewLocal(modelPath string, opts LocalOptions) *Local {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	contextSize := opts.ContextSize
	if contextSize <= 0 {
		contextSize = 2048
	}
	gpuLayers := opts.GPULayers
	if gpuLayers <= 0 {
		gpuLayers = 32
	}
	return &Local{
		modelPath:   modelPath,
		logger:      logger,
		contextSize: contextSize,
		gpuLayers:   gpuLayers,
	}
}

// load initializes the runtime on first use. Caller must hold l.mu.
func (l *Local) load(device Device) error {
	if l.model != nil {
		if device != "" && device != l.device {
			l.logger.Warn("model already loaded, keeping device placement",
				"loaded", string(l.device),
				"requested", string(device),
			)
		}
		return nil
	}

	if device == "" {
		device = DeviceCPU
	}

	opts := []llama.ModelOption{llama.SetContext(l.contextSize)}
	if device == DeviceAccelerator {
		opts = append(opts, llama.SetGPULayers(l.gpuLayers))
	}

	l.logger.Info("loading model weights", "path", l.modelPath, "device", string(device))
	model, err := llama.New(l.modelPath, opts...)
	if err != nil {
		return fmt.Errorf("%w: load %s: %v", ErrUnavailable, l.modelPath, err)
	}

	l.model = model
	l.device = device
	return nil
}

// Generate runs inference to completion and returns the generated text.
func (l *Local) Generate(ctx context.Context, prompt string, cfg GenerationConfig) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.load(cfg.Device); err != nil {
		return "", err
	}

	// The callback keeps a blocking predict responsive to ctx.
	opts := append(l.predictOptions(cfg), llama.SetTokenCallback(func(string) bool {
		return ctx.Err() == nil
	}))

	text, err := l.model.Predict(prompt, opts...)
	if err != nil {
		return "", &GenerationError{Provider: "local", Err: err}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return text, nil
}

// StreamGenerate streams tokens as the runtime produces them. The
// producer stops at the next token boundary when ctx is cancelled.
func (l *Local) StreamGenerate(ctx context.Context, prompt string, cfg GenerationConfig) (<-chan Fragment, error) {
	l.mu.Lock()
	if err := l.load(cfg.Device); err != nil {
		l.mu.Unlock()
		return nil, err
	}

	ch := make(chan Fragment)
	go func() {
		defer l.mu.Unlock()
		defer close(ch)

		opts := append(l.predictOptions(cfg), llama.SetTokenCallback(func(token string) bool {
			select {
			case ch <- Fragment{Text: token}:
				return true
			case <-ctx.Done():
				return false
			}
		}))

		if _, err := l.model.Predict(prompt, opts...); err != nil && ctx.Err() == nil {
			select {
			case ch <- Fragment{Err: &GenerationError{Provider: "local", Err: err}}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func (l *Local) predictOptions(cfg GenerationConfig) []llama.PredictOption {
	return []llama.PredictOption{
		llama.SetTokens(cfg.MaxNewTokens),
		llama.SetTemperature(float32(cfg.Temperature)),
	}
}

// Streaming reports native incremental output support.
func (l *Local) Streaming() bool {
	return true
}

// Ping verifies the runtime is usable: either the model is already
// loaded or the weights file exists.
func (l *Local) Ping(ctx context.Context) error {
	l.mu.Lock()
	loaded := l.model != nil
	l.mu.Unlock()
	if loaded {
		return nil
	}
	if _, err := os.Stat(l.modelPath); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the loaded model. The backend is unusable afterwards.
func (l *Local) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.model != nil {
		l.model.Free()
		l.model = nil
	}
}
