package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parley-ai/parley/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

const (
	defaultCallTimeout = 30 * time.Second
	handshakeTimeout   = 10 * time.Second
	closeGrace         = 5 * time.Second
)

// ServerSpec describes how to launch one MCP server subprocess.
// Specs come from configuration and are immutable once loaded.
type ServerSpec struct {
	// Name is the unique key this server is addressed by.
	Name string `yaml:"name" json:"name"`

	// Command is the executable to run.
	Command string `yaml:"command" json:"command"`

	// Args are command-line arguments passed to the executable.
	Args []string `yaml:"args" json:"args,omitempty"`

	// Env are environment variables overlaid on the current process
	// environment for the subprocess.
	Env map[string]string `yaml:"env" json:"env,omitempty"`

	// TimeoutSec overrides the default per-call timeout (30s).
	TimeoutSec int `yaml:"timeout_sec" json:"timeout_sec,omitempty"`
}

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the outcome of one tool invocation. IsError marks a
// failure reported by the tool itself, as opposed to a transport
// failure; callers feed it back into the conversation as content.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text joins all text content blocks into a single string. Non-text
// blocks are represented as inline markers.
func (r *ToolResult) Text() string {
	var parts []string
	for _, b := range r.Content {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// serverCapabilities describes what an MCP server supports.
type serverCapabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
}

// tools/list and tools/call parameter/result payloads.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// connState tracks the connection lifecycle. Transitions are one-way:
// unopened → handshaking → ready → closed, with failed reachable from
// handshaking or ready when the transport breaks underneath us.
type connState int

const (
	stateUnopened connState = iota
	stateHandshaking
	stateReady
	stateClosed
	stateFailed
)

// ServerConn is a connection to a single MCP server subprocess. It is
// the exclusive owner of the process and its stdio streams: all frame
// writes go through one mutex, and one read loop goroutine consumes
// stdout and resolves pending calls by request id. Any number of calls
// may be in flight concurrently.
type ServerConn struct {
	spec        ServerSpec
	logger      *slog.Logger
	callTimeout time.Duration

	cmd   *exec.Cmd
	stdin io.WriteCloser

	// writeMu keeps frames from interleaving on stdin.
	writeMu sync.Mutex

	nextID atomic.Int64

	mu         sync.Mutex
	state      connState
	pending    map[int64]chan *Response
	serverName string
	serverVer  string

	// toolsMu serializes the first tools/list fetch so concurrent
	// callers issue a single request. toolsFetched marks the cache
	// valid even when the server reports no tools.
	toolsMu      sync.Mutex
	tools        []ToolDefinition
	toolsFetched bool

	// readDone is closed when the read loop exits; procExited when the
	// subprocess has been reaped.
	readDone   chan struct{}
	procExited chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newServerConn(spec ServerSpec, logger *slog.Logger) *ServerConn {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := defaultCallTimeout
	if spec.TimeoutSec > 0 {
		timeout = time.Duration(spec.TimeoutSec) * time.Second
	}
	return &ServerConn{
		spec:        spec,
		logger:      logger.With("mcp_server", spec.Name),
		callTimeout: timeout,
		pending:     make(map[int64]chan *Response),
		readDone:    make(chan struct{}),
		procExited:  make(chan struct{}),
	}
}

// Open launches the server subprocess described by spec and performs
// the MCP handshake. The returned connection is ready for calls.
// Launch failures wrap [ErrLaunch]; a server that starts but does not
// complete initialization wraps [ErrHandshake].
func Open(ctx context.Context, spec ServerSpec, logger *slog.Logger) (*ServerConn, error) {
	c := newServerConn(spec, logger)

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = overlayEnv(spec.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: create stdin pipe: %v", ErrLaunch, spec.Command, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: %s: create stdout pipe: %v", ErrLaunch, spec.Command, err)
	}
	// stderr is diagnostic only, never parsed for protocol content.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("%w: %s: create stderr pipe: %v", ErrLaunch, spec.Command, err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunch, spec.Command, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.state = stateHandshaking
	c.logger.Info("MCP server started", "command", spec.Command, "pid", cmd.Process.Pid)

	go c.drainStderr(stderrPipe)
	go c.readLoop(stdout)
	go c.supervise()

	if err := c.handshake(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrHandshake, spec.Name, err)
	}

	return c, nil
}

// Name returns the configured server name.
func (c *ServerConn) Name() string {
	return c.spec.Name
}

// handshake sends initialize and the initialized notification,
// bounded by handshakeTimeout.
func (c *ServerConn) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "parley",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.Call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	if c.state == stateHandshaking {
		c.state = stateReady
	}
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	// Complete the handshake.
	if err := c.write(NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// Call issues a JSON-RPC request and waits for its response. Each call
// gets a fresh id and its own response slot, so concurrent calls on
// the same connection are multiplexed and may complete out of order. A
// call that times out forfeits only its own slot; a late response for
// that id is silently discarded. Protocol-level errors are returned as
// *RPCError.
func (c *ServerConn) Call(ctx context.Context, method string, params any) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)

	c.mu.Lock()
	switch c.state {
	case stateHandshaking, stateReady:
	default:
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", c.spec.Name, ErrConnClosed)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(NewRequest(id, method, params)); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w", c.spec.Name, ErrConnClosed)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s %s after %s: %w", c.spec.Name, method, c.callTimeout, ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

// ListTools calls tools/list and returns the available tool
// definitions. Results are cached for the connection lifetime;
// subsequent calls return the cached list.
func (c *ServerConn) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.toolsMu.Lock()
	defer c.toolsMu.Unlock()
	if c.toolsFetched {
		return c.tools, nil
	}

	resp, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	c.tools = result.Tools
	c.toolsFetched = true

	c.logger.Info("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool by name with the given arguments. A failure
// reported by the tool itself comes back as ToolResult.IsError, not as
// an error; the error return is reserved for transport and protocol
// failures.
func (c *ServerConn) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}
	return &result, nil
}

// Close shuts the connection down: stdin is closed to signal the
// server to exit, and the process is killed if it does not do so
// within a grace period. Idempotent.
func (c *ServerConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.stop() })
	return c.closeErr
}

func (c *ServerConn) stop() error {
	c.mu.Lock()
	if c.state != stateFailed {
		c.state = stateClosed
	}
	c.mu.Unlock()

	if c.stdin != nil {
		c.stdin.Close()
	}

	if c.cmd == nil || c.cmd.Process == nil {
		// Pipe-backed connection: nothing to reap, but pending calls
		// still need resolving.
		c.fail()
		return nil
	}

	select {
	case <-c.procExited:
	case <-time.After(closeGrace):
		c.logger.Warn("MCP server did not exit gracefully, killing", "pid", c.cmd.Process.Pid)
		_ = c.cmd.Process.Kill()
		<-c.procExited
	}
	c.logger.Info("MCP server stopped")
	return nil
}

// readLoop is the sole reader of the server's stdout. It parses
// newline-delimited frames and fans responses out to pending calls.
// When the stream ends — the process exited or the pipe broke — every
// still-pending call is resolved with ErrConnClosed.
func (c *ServerConn) readLoop(r io.Reader) {
	defer close(c.readDone)

	br := bufio.NewReaderSize(r, 1<<20)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			c.dispatch(line)
		}
		if err != nil {
			if err != io.EOF {
				c.logger.Debug("MCP stdout read ended", "error", err)
			}
			break
		}
	}
	c.fail()
}

// dispatch routes one frame from the server. Malformed lines and
// server-initiated messages are logged and skipped, never fatal.
func (c *ServerConn) dispatch(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		c.logger.Warn("skipping malformed frame from MCP server", "error", err, "line", string(line))
		return
	}
	if !f.isResponse() {
		// Server-initiated request or notification; we support none.
		c.logger.Debug("ignoring server-initiated message", "method", f.Method)
		return
	}

	resp := f.response()

	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		// Response for a forgotten (timed out or cancelled) call.
		c.logger.Debug("dropping unsolicited response", "id", resp.ID)
		return
	}
	ch <- resp
}

// fail resolves every pending call with ErrConnClosed and marks the
// connection dead. No transition leaves a caller hanging.
func (c *ServerConn) fail() {
	c.mu.Lock()
	if c.state != stateClosed {
		c.state = stateFailed
	}
	orphans := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(orphans) > 0 {
		c.logger.Warn("resolving pending calls after connection loss", "count", len(orphans))
	}
	for _, ch := range orphans {
		close(ch)
	}
}

// forget discards the response slot for id. Safe after fail().
func (c *ServerConn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// supervise reaps the subprocess once the read loop has consumed all
// of stdout. Wait must not run before reads complete.
func (c *ServerConn) supervise() {
	<-c.readDone
	err := c.cmd.Wait()
	c.logger.Debug("MCP server process exited", "error", err)
	close(c.procExited)
}

// write marshals msg and writes it as one newline-terminated frame.
func (c *ServerConn) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to server stdin: %w", err)
	}
	return nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (c *ServerConn) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		c.logger.Debug("MCP server stderr", "line", scanner.Text())
	}
}

// overlayEnv merges spec env vars over the current process environment.
func overlayEnv(env map[string]string) []string {
	out := os.Environ()
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
