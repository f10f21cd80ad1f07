package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "provider: ollama\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/parley.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "parley.yaml"), []byte("provider: ollama\n"), 0600); err != nil {
		t.Fatal(err)
	}

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "parley.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "parley.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "model_name: llama3.2\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Provider != "ollama" {
		t.Errorf("provider = %q, want ollama", cfg.Provider)
	}
	if cfg.ModelName != "llama3.2" {
		t.Errorf("model_name = %q, want llama3.2", cfg.ModelName)
	}
	if cfg.MaxNewTokens != 512 {
		t.Errorf("max_new_tokens = %d, want 512", cfg.MaxNewTokens)
	}
	if cfg.MaxToolRounds != 4 {
		t.Errorf("max_tool_rounds = %d, want 4", cfg.MaxToolRounds)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	path := writeConfig(t, "ollama:\n  url: ${PARLEY_TEST_URL}\n")
	os.Setenv("PARLEY_TEST_URL", "http://gpu-box:11434")
	defer os.Unsetenv("PARLEY_TEST_URL")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Ollama.URL != "http://gpu-box:11434" {
		t.Errorf("ollama url = %q, want http://gpu-box:11434", cfg.Ollama.URL)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "provider: ollama\nmodel_name: from-file\ntemperature: 0.1\n")
	os.Setenv("AGENT_MODEL_NAME", "from-env")
	os.Setenv("AGENT_TEMPERATURE", "0.9")
	os.Setenv("AGENT_MAX_NEW_TOKENS", "64")
	defer func() {
		os.Unsetenv("AGENT_MODEL_NAME")
		os.Unsetenv("AGENT_TEMPERATURE")
		os.Unsetenv("AGENT_MAX_NEW_TOKENS")
	}()

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ModelName != "from-env" {
		t.Errorf("model_name = %q, want from-env", cfg.ModelName)
	}
	if cfg.Temperature != 0.9 {
		t.Errorf("temperature = %v, want 0.9", cfg.Temperature)
	}
	if cfg.MaxNewTokens != 64 {
		t.Errorf("max_new_tokens = %d, want 64", cfg.MaxNewTokens)
	}
}

func TestLoad_BadEnvOverride(t *testing.T) {
	path := writeConfig(t, "provider: ollama\n")
	os.Setenv("AGENT_MAX_NEW_TOKENS", "lots")
	defer os.Unsetenv("AGENT_MAX_NEW_TOKENS")

	if _, err := Load(path); err == nil {
		t.Fatal("non-numeric AGENT_MAX_NEW_TOKENS should error")
	}
}

func TestLoad_UnknownProvider(t *testing.T) {
	path := writeConfig(t, "provider: anthropic\n")
	if _, err := Load(path); err == nil {
		t.Fatal("unknown provider should error")
	}
}

func TestLoad_MCPServers(t *testing.T) {
	path := writeConfig(t, `
provider: ollama
mcp_servers:
  - name: files
    command: mcp-files
    args: ["--root", "/tmp"]
    env:
      LOG: debug
  - name: web
    command: mcp-web
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.MCPServers) != 2 {
		t.Fatalf("got %d servers, want 2", len(cfg.MCPServers))
	}
	spec := cfg.MCPServers[0]
	if spec.Name != "files" || spec.Command != "mcp-files" {
		t.Errorf("spec = %+v", spec)
	}
	if len(spec.Args) != 2 || spec.Args[1] != "/tmp" {
		t.Errorf("args = %v", spec.Args)
	}
	if spec.Env["LOG"] != "debug" {
		t.Errorf("env = %v", spec.Env)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
