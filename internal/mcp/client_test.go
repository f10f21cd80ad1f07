package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
)

func TestClientCallToolUnknownServer(t *testing.T) {
	var launches atomic.Int32

	c := NewClient([]ServerSpec{{Name: "known", Command: "irrelevant"}}, testLogger())
	c.open = func(ctx context.Context, spec ServerSpec, logger *slog.Logger) (*ServerConn, error) {
		launches.Add(1)
		t.Fatalf("unexpected launch of %q", spec.Name)
		return nil, nil
	}

	_, err := c.CallTool(context.Background(), "nope", "echo", nil)
	if !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("CallTool = %v, want ErrUnknownServer", err)
	}
	if launches.Load() != 0 {
		t.Errorf("launches = %d, want 0", launches.Load())
	}
}

func TestClientListToolsPartialFailure(t *testing.T) {
	specs := []ServerSpec{
		{Name: "good", Command: "good-server"},
		{Name: "bad", Command: "/nonexistent/mcp-server"},
	}

	c := NewClient(specs, testLogger())
	c.open = func(ctx context.Context, spec ServerSpec, logger *slog.Logger) (*ServerConn, error) {
		if spec.Name == "bad" {
			return nil, fmt.Errorf("%w: %s", ErrLaunch, spec.Command)
		}
		conn, srv := newPipeConn(t, spec)
		go srv.serve(echoServe)
		return conn, nil
	}

	listing, err := c.ListTools(context.Background(), "")
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	tools, ok := listing.Tools["good"]
	if !ok || len(tools) != 1 || tools[0].Name != "echo" {
		t.Errorf("Tools[good] = %+v, want the echo tool", tools)
	}
	if _, ok := listing.Tools["bad"]; ok {
		t.Error("Tools[bad] present, want recorded as error instead")
	}
	if !errors.Is(listing.Errors["bad"], ErrLaunch) {
		t.Errorf("Errors[bad] = %v, want ErrLaunch", listing.Errors["bad"])
	}
}

func TestClientListToolsSingleServer(t *testing.T) {
	c := NewClient([]ServerSpec{{Name: "s1", Command: "srv"}}, testLogger())
	c.open = func(ctx context.Context, spec ServerSpec, logger *slog.Logger) (*ServerConn, error) {
		conn, srv := newPipeConn(t, spec)
		go srv.serve(echoServe)
		return conn, nil
	}

	listing, err := c.ListTools(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(listing.Tools["s1"]) != 1 {
		t.Errorf("Tools[s1] = %+v, want one tool", listing.Tools["s1"])
	}

	if _, err := c.ListTools(context.Background(), "missing"); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("ListTools(missing) = %v, want ErrUnknownServer", err)
	}
}

func TestClientSharesOneConnectionPerServer(t *testing.T) {
	var launches atomic.Int32

	c := NewClient([]ServerSpec{{Name: "s1", Command: "srv"}}, testLogger())
	c.open = func(ctx context.Context, spec ServerSpec, logger *slog.Logger) (*ServerConn, error) {
		launches.Add(1)
		conn, srv := newPipeConn(t, spec)
		go srv.serve(echoServe)
		return conn, nil
	}

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.CallTool(context.Background(), "s1", "echo", map[string]any{"text": "x"})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if launches.Load() != 1 {
		t.Errorf("launches = %d, want 1", launches.Load())
	}
}

func TestClientShutdownIdempotent(t *testing.T) {
	c := NewClient([]ServerSpec{{Name: "s1", Command: "srv"}}, testLogger())

	var conn *ServerConn
	c.open = func(ctx context.Context, spec ServerSpec, logger *slog.Logger) (*ServerConn, error) {
		var srv *fakeServer
		conn, srv = newPipeConn(t, spec)
		go srv.serve(echoServe)
		return conn, nil
	}

	if _, err := c.CallTool(context.Background(), "s1", "echo", map[string]any{"text": "x"}); err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	c.Shutdown()
	c.Shutdown()

	conn.mu.Lock()
	state := conn.state
	conn.mu.Unlock()
	if state != stateClosed {
		t.Errorf("conn state = %d, want closed", state)
	}

	if _, err := c.CallTool(context.Background(), "s1", "echo", nil); !errors.Is(err, ErrConnClosed) {
		t.Errorf("CallTool after Shutdown = %v, want ErrConnClosed", err)
	}
}

func TestClientDuplicateServerNames(t *testing.T) {
	c := NewClient([]ServerSpec{
		{Name: "s1", Command: "first"},
		{Name: "s1", Command: "second"},
		{Name: "s2", Command: "other"},
	}, testLogger())

	if got := len(c.Servers()); got != 2 {
		t.Fatalf("Servers() has %d entries, want 2", got)
	}
	if c.specs["s1"].Command != "first" {
		t.Errorf("s1 command = %q, want %q", c.specs["s1"].Command, "first")
	}
}
