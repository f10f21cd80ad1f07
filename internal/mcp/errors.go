package mcp

import "errors"

// Transport-level failures. These are local to one server connection
// and are reported to the call site that triggered them; they never
// take down the client as a whole. Match with [errors.Is].
var (
	// ErrLaunch means the server executable could not be started.
	ErrLaunch = errors.New("mcp: server process could not be started")

	// ErrHandshake means the server did not complete the initialize
	// exchange within the handshake timeout.
	ErrHandshake = errors.New("mcp: server failed initialization handshake")

	// ErrTimeout means a call did not receive its response in time.
	// The connection stays usable; only the call's slot is forfeited.
	ErrTimeout = errors.New("mcp: call timed out")

	// ErrConnClosed means the server process exited or the connection
	// was closed while the call was pending.
	ErrConnClosed = errors.New("mcp: connection closed")

	// ErrUnknownServer means the requested server name is not configured.
	ErrUnknownServer = errors.New("mcp: unknown server")
)
