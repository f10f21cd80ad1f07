// Package mcp implements a client for the Model Context Protocol,
// allowing Parley to launch external MCP servers as subprocesses and
// call the tools they expose.
//
// MCP is JSON-RPC 2.0 over newline-delimited frames on the subprocess's
// stdin/stdout. Each [ServerConn] owns exactly one subprocess: a
// dedicated read loop parses frames from stdout and fans responses out
// by request id, so any number of calls can be in flight on one
// connection at once. [Client] is a name-addressed set of connections
// with lazy startup, tool discovery, and tool invocation.
//
// This implementation covers the client/host side only — Parley does
// not act as an MCP server.
package mcp
