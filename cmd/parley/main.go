// Parley is a conversational agent shell for local language models
// with MCP tool support.
//
// It drives a model backend (a remote Ollama server or an in-process
// llama.cpp runtime) through a conversation loop in which the model may
// call tools served by MCP stdio servers. Configuration is loaded from
// a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	parley init [dir]                Write a starter parley.yaml
//	parley chat                      Interactive chat session
//	parley run <prompt>              One-shot prompt
//	parley batch <file>              Run each line of a file as a prompt
//	parley tools list                List tools from configured MCP servers
//	parley tools call <srv> <tool>   Invoke one tool directly
//	parley version                   Print version and build information
//	parley -o json version           Output version information as JSON
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/parley-ai/parley/internal/agent"
	"github.com/parley-ai/parley/internal/buildinfo"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/history"
	"github.com/parley-ai/parley/internal/llm"
	"github.com/parley-ai/parley/internal/mcp"
	"github.com/parley-ai/parley/internal/render"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the parley command. All OS-level
// dependencies are injected as parameters so tests can drive it.
//
// Arguments are parsed by hand. The flag package relies on
// package-level globals (flag.CommandLine), which makes it impossible
// to call run() concurrently from tests. Our argument surface is small
// enough that manual parsing is clearer than bringing in a CLI
// framework.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var provider string
	var model string
	var server string
	var rawArgs string
	var noStream bool
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-provider" && i+1 < len(args):
			provider = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-provider="):
			provider = strings.TrimPrefix(args[i], "-provider=")
		case args[i] == "-model" && i+1 < len(args):
			model = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-model="):
			model = strings.TrimPrefix(args[i], "-model=")
		case args[i] == "-server" && i+1 < len(args):
			server = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-server="):
			server = strings.TrimPrefix(args[i], "-server=")
		case args[i] == "-args" && i+1 < len(args):
			rawArgs = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-args="):
			rawArgs = strings.TrimPrefix(args[i], "-args=")
		case args[i] == "-no-stream":
			noStream = true
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	overrides := overrides{provider: provider, model: model, noStream: noStream}

	switch command {
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, configPath, overrides)
	case "run":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: parley run <prompt>")
		}
		return runOne(ctx, stdout, stderr, configPath, overrides, strings.Join(cmdArgs, " "))
	case "batch":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: parley batch <file>")
		}
		return runBatch(ctx, stdout, stderr, configPath, overrides, cmdArgs[0], outputFmt)
	case "tools":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: parley tools <list|call> ...")
		}
		switch cmdArgs[0] {
		case "list":
			return runToolsList(ctx, stdout, stderr, configPath, server, outputFmt)
		case "call":
			if len(cmdArgs) < 3 {
				return fmt.Errorf("usage: parley tools call <server> <tool> [-args '{...}']")
			}
			return runToolsCall(ctx, stdout, stderr, configPath, cmdArgs[1], cmdArgs[2], rawArgs, outputFmt)
		default:
			return fmt.Errorf("unknown tools subcommand: %s", cmdArgs[0])
		}
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// overrides are command-line settings layered over the config file.
type overrides struct {
	provider string
	model    string
	noStream bool
}

func (o overrides) apply(cfg *config.Config) {
	if o.provider != "" {
		cfg.Provider = o.provider
	}
	if o.model != "" {
		cfg.ModelName = o.model
	}
}

// loadConfig locates and parses the YAML configuration file. With no
// explicit path and no file in the search locations, the built-in
// defaults are used so that chat works out of the box against a local
// Ollama.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func newLogger(w io.Writer, levelName string) *slog.Logger {
	level, err := config.ParseLogLevel(levelName)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// newBackend constructs the configured model backend. The returned
// cleanup releases backend resources and is safe to defer.
func newBackend(cfg *config.Config, logger *slog.Logger) (llm.Backend, func(), error) {
	switch cfg.Provider {
	case "ollama":
		return llm.NewOllama(cfg.Ollama.URL, cfg.ModelName), func() {}, nil
	case "local":
		if cfg.Local.ModelPath == "" {
			return nil, nil, fmt.Errorf("provider local requires local.model_path")
		}
		backend := llm.NewLocal(cfg.Local.ModelPath, llm.LocalOptions{
			ContextSize: cfg.Local.ContextSize,
			GPULayers:   cfg.Local.GPULayers,
			Logger:      logger,
		})
		return backend, backend.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// newSession wires a full conversation: backend, MCP client, and the
// optional transcript recorder. The returned cleanup shuts all of it
// down.
func newSession(ctx context.Context, cfg *config.Config, logger *slog.Logger, onFragment func(string)) (*agent.Session, func(), error) {
	backend, closeBackend, err := newBackend(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	// Non-fatal: the provider may come up later, and the first real
	// request reports precisely what is wrong.
	if err := backend.Ping(ctx); err != nil {
		logger.Warn("model backend not reachable", "provider", cfg.Provider, "error", err)
	}

	var tools agent.ToolCaller
	var client *mcp.Client
	if len(cfg.MCPServers) > 0 {
		client = mcp.NewClient(cfg.MCPServers, logger)
		tools = client
	}

	var recorder agent.Recorder
	var sessionID string
	var store *history.Store
	if cfg.History.Enabled {
		path := cfg.History.Path
		if path == "" {
			path = "parley-history.db"
		}
		store, err = history.Open(path)
		if err != nil {
			closeBackend()
			return nil, nil, fmt.Errorf("open history: %w", err)
		}
		sessionID, err = store.StartSession(cfg.ModelName)
		if err != nil {
			store.Close()
			closeBackend()
			return nil, nil, fmt.Errorf("start session: %w", err)
		}
		recorder = store
	}

	session := agent.NewSession(backend, tools, agent.Options{
		SystemPrompt:  cfg.SystemPrompt,
		MaxToolRounds: cfg.MaxToolRounds,
		Generation:    cfg.GenerationConfig(),
		Recorder:      recorder,
		SessionID:     sessionID,
		OnFragment:    onFragment,
		Logger:        logger,
	})

	cleanup := func() {
		if client != nil {
			client.Shutdown()
		}
		if store != nil {
			store.Close()
		}
		closeBackend()
	}
	return session, cleanup, nil
}

// runChat is the interactive REPL. Assistant markdown is rendered to
// plain terminal text; when no tools are configured, output streams
// token by token instead.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string, ov overrides) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ov.apply(cfg)

	logger := newLogger(stderr, cfg.LogLevel)
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	}

	streaming := !ov.noStream && len(cfg.MCPServers) == 0
	var onFragment func(string)
	if streaming {
		onFragment = func(text string) { fmt.Fprint(stdout, text) }
	}

	session, cleanup, err := newSession(ctx, cfg, logger, onFragment)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Fprintf(stdout, "%s — model %s (%s). Type /quit to exit, /reset to clear, /tools to list tools.\n",
		buildinfo.String(), cfg.ModelName, cfg.Provider)

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/reset":
			session.Reset()
			fmt.Fprintln(stdout, "conversation cleared")
			continue
		case "/tools":
			if err := printToolCatalog(ctx, stdout, cfg, logger); err != nil {
				fmt.Fprintf(stderr, "tools: %v\n", err)
			}
			continue
		}

		answer, err := session.Send(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(stdout)
				return nil
			}
			fmt.Fprintf(stderr, "error: %v\n", err)
			continue
		}
		if streaming {
			// Tokens were already printed as they arrived.
			fmt.Fprintln(stdout)
			continue
		}
		fmt.Fprintln(stdout, render.Plain(answer))
	}
}

// runOne sends a single prompt through the full session (tools
// included, when configured) and prints the answer.
func runOne(ctx context.Context, stdout, stderr io.Writer, configPath string, ov overrides, prompt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ov.apply(cfg)
	logger := newLogger(stderr, cfg.LogLevel)

	streaming := !ov.noStream && len(cfg.MCPServers) == 0
	var onFragment func(string)
	if streaming {
		onFragment = func(text string) { fmt.Fprint(stdout, text) }
	}

	session, cleanup, err := newSession(ctx, cfg, logger, onFragment)
	if err != nil {
		return err
	}
	defer cleanup()

	answer, err := session.Send(ctx, prompt)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if streaming {
		fmt.Fprintln(stdout)
		return nil
	}
	fmt.Fprintln(stdout, render.Plain(answer))
	return nil
}

// batchResult is one prompt/response pair in batch JSON output.
type batchResult struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// runBatch processes each non-empty, non-comment line of a file as an
// independent prompt.
func runBatch(ctx context.Context, stdout, stderr io.Writer, configPath string, ov overrides, file, outputFmt string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read batch file: %w", err)
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ov.apply(cfg)
	logger := newLogger(stderr, cfg.LogLevel)

	session, cleanup, err := newSession(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	var results []batchResult
	for _, raw := range strings.Split(string(data), "\n") {
		prompt := strings.TrimSpace(raw)
		if prompt == "" || strings.HasPrefix(prompt, "#") {
			continue
		}

		// Each line is independent: no carry-over between prompts.
		session.Reset()
		answer, err := session.Send(ctx, prompt)

		res := batchResult{Prompt: prompt, Response: answer}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.Error = err.Error()
			logger.Error("batch prompt failed", "prompt", prompt, "error", err)
		}
		results = append(results, res)

		if outputFmt == "text" {
			fmt.Fprintf(stdout, "> %s\n", prompt)
			if res.Error != "" {
				fmt.Fprintf(stdout, "error: %s\n\n", res.Error)
				continue
			}
			fmt.Fprintf(stdout, "%s\n\n", render.Plain(answer))
		}
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	return nil
}

// runToolsList connects to the configured MCP servers and prints their
// tool catalogs. With -server only that server is queried.
func runToolsList(ctx context.Context, stdout, stderr io.Writer, configPath, server, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg.LogLevel)
	if len(cfg.MCPServers) == 0 {
		return fmt.Errorf("no mcp_servers configured")
	}

	client := mcp.NewClient(cfg.MCPServers, logger)
	defer client.Shutdown()

	listing, err := client.ListTools(ctx, server)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(listing.Tools)
	}

	for _, name := range client.Servers() {
		tools, ok := listing.Tools[name]
		if !ok {
			if lerr, failed := listing.Errors[name]; failed {
				fmt.Fprintf(stderr, "%s: %v\n", name, lerr)
			}
			continue
		}
		for _, def := range tools {
			if def.Description != "" {
				fmt.Fprintf(stdout, "%s/%s\t%s\n", name, def.Name, def.Description)
			} else {
				fmt.Fprintf(stdout, "%s/%s\n", name, def.Name)
			}
		}
	}
	return nil
}

// runToolsCall invokes one tool directly and prints its result. A tool
// that reports failure exits non-zero after printing the diagnostic.
func runToolsCall(ctx context.Context, stdout, stderr io.Writer, configPath, server, tool, rawArgs, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg.LogLevel)
	if len(cfg.MCPServers) == 0 {
		return fmt.Errorf("no mcp_servers configured")
	}

	var toolArgs map[string]any
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
			return fmt.Errorf("parse -args: %w", err)
		}
	}

	client := mcp.NewClient(cfg.MCPServers, logger)
	defer client.Shutdown()

	result, err := client.CallTool(ctx, server, tool, toolArgs)
	if err != nil {
		return fmt.Errorf("call %s/%s: %w", server, tool, err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(stdout, result.Text())
	}

	if result.IsError {
		return fmt.Errorf("tool %s/%s reported an error", server, tool)
	}
	return nil
}

// printToolCatalog handles the /tools REPL command.
func printToolCatalog(ctx context.Context, stdout io.Writer, cfg *config.Config, logger *slog.Logger) error {
	if len(cfg.MCPServers) == 0 {
		fmt.Fprintln(stdout, "no mcp_servers configured")
		return nil
	}

	client := mcp.NewClient(cfg.MCPServers, logger)
	defer client.Shutdown()

	listing, err := client.ListTools(ctx, "")
	if err != nil {
		return err
	}
	for _, name := range client.Servers() {
		for _, def := range listing.Tools[name] {
			fmt.Fprintf(stdout, "%s/%s\t%s\n", name, def.Name, def.Description)
		}
		if lerr, failed := listing.Errors[name]; failed {
			fmt.Fprintf(stdout, "%s\tunavailable: %v\n", name, lerr)
		}
	}
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Parley - conversational agent shell with MCP tools")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]                Write a starter parley.yaml (default: .)")
	fmt.Fprintln(w, "  chat                      Interactive chat session")
	fmt.Fprintln(w, "  run <prompt>              One-shot prompt")
	fmt.Fprintln(w, "  batch <file>              Run each line of a file as a prompt")
	fmt.Fprintln(w, "  tools list                List tools from configured MCP servers")
	fmt.Fprintln(w, "  tools call <srv> <tool>   Invoke one tool directly")
	fmt.Fprintln(w, "  version                   Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>     Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -provider <name>   Override provider: ollama or local")
	fmt.Fprintln(w, "  -model <name>      Override model name")
	fmt.Fprintln(w, "  -server <name>     Restrict tools list to one server")
	fmt.Fprintln(w, "  -args '{...}'      JSON arguments for tools call")
	fmt.Fprintln(w, "  -no-stream         Disable token streaming")
	fmt.Fprintln(w, "  -o, --output fmt   Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}
