// Package agent implements the conversational loop that ties a model
// backend to MCP tools: render the transcript into a prompt, generate,
// detect tool directives in the output, execute them, and feed results
// back until the model produces plain text.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/parley-ai/parley/internal/llm"
	"github.com/parley-ai/parley/internal/mcp"
)

// roundLimitMessage is what the user sees when the model keeps asking
// for tools past the configured bound.
const roundLimitMessage = "I could not finish this request: the tool call limit was reached before I produced an answer."

// Message is one transcript entry. Role is user, assistant, or tool.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolCaller is the tool surface the session needs. *mcp.Client
// satisfies it.
type ToolCaller interface {
	ListTools(ctx context.Context, server string) (*mcp.ToolListing, error)
	CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.ToolResult, error)
}

// Recorder persists transcript entries. *history.Store satisfies it.
type Recorder interface {
	Record(sessionID, role, content string) error
}

// Options configure a Session.
type Options struct {
	SystemPrompt string

	// MaxToolRounds caps backend invocations per Send (default 4).
	MaxToolRounds int

	Generation llm.GenerationConfig

	// Recorder, when non-nil, receives every transcript entry under
	// SessionID.
	Recorder  Recorder
	SessionID string

	// OnFragment receives streamed output increments. Only honored
	// when no tools are wired: with tools the output must be parsed
	// whole before anything is shown.
	OnFragment func(text string)

	Logger *slog.Logger
}

// Session is one conversation. Not safe for concurrent Sends.
type Session struct {
	backend llm.Backend
	tools   ToolCaller
	opts    Options
	logger  *slog.Logger

	history []Message

	toolPromptOnce sync.Once
	toolPrompt     string
}

// NewSession creates a conversation over backend. tools may be nil for
// a plain chat session.
func NewSession(backend llm.Backend, tools ToolCaller, opts Options) *Session {
	if opts.MaxToolRounds < 1 {
		opts.MaxToolRounds = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		backend: backend,
		tools:   tools,
		opts:    opts,
		logger:  logger,
	}
}

// History returns the transcript so far.
func (s *Session) History() []Message {
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// Reset discards the transcript. The system prompt and tool catalog
// are kept.
func (s *Session) Reset() {
	s.history = nil
}

// Send adds userText to the conversation and runs the loop until the
// model produces a plain answer or the tool round bound is hit. Tool
// results that report failure are conversation content; transport
// failures reaching a tool are returned as errors.
func (s *Session) Send(ctx context.Context, userText string) (string, error) {
	s.append("user", userText)

	for round := 0; round < s.opts.MaxToolRounds; round++ {
		output, err := s.generate(ctx)
		if err != nil {
			return "", err
		}

		directive, ok := parseDirective(output)
		if !ok || s.tools == nil {
			answer := strings.TrimSpace(output)
			s.append("assistant", answer)
			return answer, nil
		}

		// Keep the directive in the transcript so the model sees
		// its own call alongside the result.
		s.append("assistant", strings.TrimSpace(output))
		s.logger.Info("tool call requested",
			"mcp_server", directive.Server,
			"tool", directive.Tool,
			"round", round+1,
		)

		result, err := s.tools.CallTool(ctx, directive.Server, directive.Tool, directive.Arguments)
		if err != nil {
			return "", fmt.Errorf("tool %s/%s: %w", directive.Server, directive.Tool, err)
		}

		content := result.Text()
		if result.IsError {
			content = "tool reported an error: " + content
		}
		s.append("tool", content)
	}

	s.logger.Warn("tool round limit reached", "limit", s.opts.MaxToolRounds)
	s.append("assistant", roundLimitMessage)
	return roundLimitMessage, nil
}

// generate renders the prompt and runs one backend invocation.
func (s *Session) generate(ctx context.Context) (string, error) {
	prompt := s.renderPrompt(ctx)

	if s.tools == nil && s.opts.OnFragment != nil {
		ch, err := llm.Stream(ctx, s.backend, prompt, s.opts.Generation)
		if err != nil {
			return "", err
		}
		var sb strings.Builder
		for frag := range ch {
			if frag.Err != nil {
				return sb.String(), frag.Err
			}
			sb.WriteString(frag.Text)
			s.opts.OnFragment(frag.Text)
		}
		return sb.String(), nil
	}

	return s.backend.Generate(ctx, prompt, s.opts.Generation)
}

// append records a transcript entry in memory and, when configured,
// in the recorder.
func (s *Session) append(role, content string) {
	s.history = append(s.history, Message{Role: role, Content: content})
	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.Record(s.opts.SessionID, role, content); err != nil {
			s.logger.Warn("transcript record failed", "role", role, "error", err)
		}
	}
}

// renderPrompt builds the role-tagged transcript the backend sees.
func (s *Session) renderPrompt(ctx context.Context) string {
	var sb strings.Builder

	if s.opts.SystemPrompt != "" {
		sb.WriteString(s.opts.SystemPrompt)
		sb.WriteString("\n\n")
	}
	if catalog := s.loadToolPrompt(ctx); catalog != "" {
		sb.WriteString(catalog)
		sb.WriteString("\n")
	}

	for _, m := range s.history {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("assistant:")
	return sb.String()
}

// loadToolPrompt assembles the tool catalog section once per session.
// Servers that fail to list are logged and left out.
func (s *Session) loadToolPrompt(ctx context.Context) string {
	if s.tools == nil {
		return ""
	}
	s.toolPromptOnce.Do(func() {
		listing, err := s.tools.ListTools(ctx, "")
		if err != nil {
			s.logger.Warn("tool listing failed", "error", err)
			return
		}
		for name, lerr := range listing.Errors {
			s.logger.Warn("tool listing failed", "mcp_server", name, "error", lerr)
		}
		s.toolPrompt = formatToolPrompt(listing.Tools)
	})
	return s.toolPrompt
}

// formatToolPrompt renders the directive instructions plus the tool
// catalog, sorted for stable prompts.
func formatToolPrompt(tools map[string][]mcp.ToolDefinition) string {
	if len(tools) == 0 {
		return ""
	}

	servers := make([]string, 0, len(tools))
	for name := range tools {
		servers = append(servers, name)
	}
	sort.Strings(servers)

	var sb strings.Builder
	sb.WriteString("You can use tools. To call one, reply with only a JSON object of the form\n")
	sb.WriteString(`{"server": "<server>", "tool": "<tool>", "arguments": {...}}`)
	sb.WriteString("\nand nothing else. The result will be given back to you in a tool message.\n\nAvailable tools:\n")
	for _, server := range servers {
		for _, def := range tools[server] {
			fmt.Fprintf(&sb, "- %s/%s", server, def.Name)
			if def.Description != "" {
				sb.WriteString(": ")
				sb.WriteString(def.Description)
			}
			if len(def.InputSchema) > 0 {
				if schema, err := json.Marshal(def.InputSchema); err == nil {
					fmt.Fprintf(&sb, " (arguments schema: %s)", schema)
				}
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// directive is one requested tool invocation.
type directive struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// parseDirective extracts a tool directive from model output. Models
// emit the JSON object either bare or wrapped in <tool_call> tags;
// anything else is a plain answer.
func parseDirective(content string) (directive, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return directive{}, false
	}

	if strings.Contains(content, "<tool_call>") {
		start := strings.Index(content, "<tool_call>")
		end := strings.Index(content, "</tool_call>")
		if start != -1 && end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else {
			// No closing tag, take rest of content
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	if !strings.HasPrefix(content, "{") {
		return directive{}, false
	}

	var d directive
	if err := json.Unmarshal([]byte(content), &d); err != nil {
		return directive{}, false
	}
	if d.Server == "" || d.Tool == "" {
		return directive{}, false
	}
	return d, true
}
