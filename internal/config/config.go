// Package config handles Parley configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/parley-ai/parley/internal/llm"
	"github.com/parley-ai/parley/internal/mcp"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./parley.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"parley.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Parley configuration.
type Config struct {
	// Provider selects the model backend: "ollama" or "local".
	Provider string `yaml:"provider"`
	// ModelName is the model identifier understood by the provider.
	ModelName string `yaml:"model_name"`

	MaxNewTokens int     `yaml:"max_new_tokens"`
	Temperature  float64 `yaml:"temperature"`
	// Device selects cpu or accelerator execution for the local provider.
	Device string `yaml:"device"`

	SystemPrompt  string `yaml:"system_prompt"`
	MaxToolRounds int    `yaml:"max_tool_rounds"`
	LogLevel      string `yaml:"log_level"`

	Ollama  OllamaConfig  `yaml:"ollama"`
	Local   LocalConfig   `yaml:"local"`
	History HistoryConfig `yaml:"history"`

	MCPServers []mcp.ServerSpec `yaml:"mcp_servers"`
}

// OllamaConfig defines the remote Ollama connection.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// LocalConfig defines the in-process llama.cpp runtime.
type LocalConfig struct {
	// ModelPath is the GGUF weights file.
	ModelPath   string `yaml:"model_path"`
	ContextSize int    `yaml:"context_size"`
	// GPULayers is the layer count offloaded when device is accelerator.
	GPULayers int `yaml:"gpu_layers"`
}

// HistoryConfig defines transcript persistence.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file. Environment variable
// references in the file are expanded, then AGENT_* variables override
// individual fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Provider:      "ollama",
		ModelName:     "qwen3:4b",
		MaxNewTokens:  512,
		Temperature:   0.7,
		Device:        "cpu",
		MaxToolRounds: 4,
		Ollama: OllamaConfig{
			URL: "http://localhost:11434",
		},
		Local: LocalConfig{
			ContextSize: 2048,
			GPULayers:   32,
		},
	}
}

// applyEnv overrides fields from AGENT_* environment variables.
func (c *Config) applyEnv() error {
	if v := os.Getenv("AGENT_PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := os.Getenv("AGENT_MODEL_NAME"); v != "" {
		c.ModelName = v
	}
	if v := os.Getenv("AGENT_MAX_NEW_TOKENS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AGENT_MAX_NEW_TOKENS: %w", err)
		}
		c.MaxNewTokens = n
	}
	if v := os.Getenv("AGENT_TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("AGENT_TEMPERATURE: %w", err)
		}
		c.Temperature = f
	}
	if v := os.Getenv("AGENT_DEVICE"); v != "" {
		c.Device = v
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Provider {
	case "ollama", "local":
	default:
		return fmt.Errorf("unknown provider %q (valid: ollama, local)", c.Provider)
	}
	switch llm.Device(c.Device) {
	case llm.DeviceCPU, llm.DeviceAccelerator, "":
	default:
		return fmt.Errorf("unknown device %q (valid: cpu, accelerator)", c.Device)
	}
	if c.MaxToolRounds < 1 {
		return fmt.Errorf("max_tool_rounds must be at least 1, got %d", c.MaxToolRounds)
	}
	return nil
}

// GenerationConfig maps the configured generation parameters to the
// per-request form the backends take.
func (c *Config) GenerationConfig() llm.GenerationConfig {
	return llm.GenerationConfig{
		MaxNewTokens: c.MaxNewTokens,
		Temperature:  c.Temperature,
		Device:       llm.Device(c.Device),
	}
}
