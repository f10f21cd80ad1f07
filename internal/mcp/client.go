package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Client is a name-addressed set of MCP server connections. Servers
// are configured up front but launched lazily, on first use. Each
// server gets at most one connection; connections are independent, so
// calls to different servers never block each other, while concurrent
// calls to the same server share its connection and are multiplexed
// over it.
type Client struct {
	logger *slog.Logger
	specs  map[string]ServerSpec
	order  []string

	// open launches a connection for a spec. Swappable in tests.
	open func(ctx context.Context, spec ServerSpec, logger *slog.Logger) (*ServerConn, error)

	mu     sync.Mutex
	slots  map[string]*connSlot
	closed bool
}

// connSlot holds the lazily-established connection for one server.
// The once ensures a single launch attempt is shared by concurrent
// callers; the outcome (conn or error) is sticky.
type connSlot struct {
	once sync.Once
	conn *ServerConn
	err  error
}

// ToolListing is the result of a tool discovery pass. Tools are keyed
// by server name; servers that could not be reached appear in Errors
// instead, so one bad server never hides the others' tools.
type ToolListing struct {
	Tools  map[string][]ToolDefinition
	Errors map[string]error
}

// NewClient creates a client for the given server specs. Duplicate
// names keep the first spec.
func NewClient(specs []ServerSpec, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		logger: logger,
		specs:  make(map[string]ServerSpec, len(specs)),
		slots:  make(map[string]*connSlot),
		open:   Open,
	}
	for _, s := range specs {
		if _, dup := c.specs[s.Name]; dup {
			logger.Warn("duplicate MCP server name ignored", "name", s.Name)
			continue
		}
		c.specs[s.Name] = s
		c.order = append(c.order, s.Name)
	}
	return c
}

// Servers returns the configured server names in configuration order.
func (c *Client) Servers() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// conn returns the connection for name, launching it on first use.
// The client mutex guards only slot creation; the launch itself runs
// outside it so servers open independently.
func (c *Client) conn(ctx context.Context, name string) (*ServerConn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", name, ErrConnClosed)
	}
	spec, ok := c.specs[name]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownServer)
	}
	slot, ok := c.slots[name]
	if !ok {
		slot = &connSlot{}
		c.slots[name] = slot
	}
	c.mu.Unlock()

	slot.once.Do(func() {
		slot.conn, slot.err = c.open(ctx, spec, c.logger)
	})
	return slot.conn, slot.err
}

// ListTools discovers tools. With a server name it returns only that
// server's tools and any failure is an error. With an empty name it
// queries every configured server concurrently and returns the union,
// recording per-server failures in the listing rather than failing the
// whole operation.
func (c *Client) ListTools(ctx context.Context, server string) (*ToolListing, error) {
	if server != "" {
		conn, err := c.conn(ctx, server)
		if err != nil {
			return nil, err
		}
		tools, err := conn.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		return &ToolListing{Tools: map[string][]ToolDefinition{server: tools}}, nil
	}

	listing := &ToolListing{
		Tools:  make(map[string][]ToolDefinition),
		Errors: make(map[string]error),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, name := range c.Servers() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			tools, err := c.listOne(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				listing.Errors[name] = err
				return
			}
			listing.Tools[name] = tools
		}(name)
	}
	wg.Wait()
	return listing, nil
}

func (c *Client) listOne(ctx context.Context, name string) ([]ToolDefinition, error) {
	conn, err := c.conn(ctx, name)
	if err != nil {
		c.logger.Warn("MCP server unavailable for tool listing", "server", name, "error", err)
		return nil, err
	}
	return conn.ListTools(ctx)
}

// CallTool invokes a tool on a specific server. Unlike listing,
// invocation is never broadcast: server must name a configured server
// or the call fails with ErrUnknownServer before any process launch.
func (c *Client) CallTool(ctx context.Context, server, tool string, args map[string]any) (*ToolResult, error) {
	conn, err := c.conn(ctx, server)
	if err != nil {
		return nil, err
	}
	return conn.CallTool(ctx, tool, args)
}

// Shutdown closes every open connection. Safe to call multiple times;
// the client accepts no further calls afterwards.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	slots := make([]*connSlot, 0, len(c.slots))
	names := make([]string, 0, len(c.slots))
	for name, slot := range c.slots {
		names = append(names, name)
		slots = append(slots, slot)
	}
	c.mu.Unlock()

	sort.Strings(names)
	c.logger.Info("shutting down MCP client", "connections", names)
	for _, slot := range slots {
		// A slot whose launch never ran or failed has no connection.
		slot.once.Do(func() {})
		if slot.conn != nil {
			if err := slot.conn.Close(); err != nil {
				c.logger.Warn("error closing MCP connection", "error", err)
			}
		}
	}
}
