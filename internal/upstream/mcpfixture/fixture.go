// Package mcpfixture runs a small, real MCP server over streamable HTTP for
// exercising the upstream package's Connection and Manager against actual
// wire traffic instead of interface mocks. Adapted from an earlier
// stdio/SSE/HTTP test server, trimmed to the HTTP transport and a few
// tools for the Connection and Manager lifecycle tests.
package mcpfixture

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server is a real MCP server, reachable over HTTP, exposing echo/quote/
// stats/fail tools plus a toggle that makes subsequent echo and quote calls
// fail. The toggle does not affect stats calls or MCP pings.
type Server struct {
	HTTP *httptest.Server
	URL  string

	calls  int64
	broken int32
}

// New starts the fixture server and returns it ready to dial. Callers must
// Close it when done.
func New() *Server {
	fx := &Server{}

	s := server.NewMCPServer("mcpfixture", "1.0.0", server.WithToolCapabilities(true))

	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("echoes back its input"),
		mcp.WithString("message", mcp.Required()),
	), fx.echoHandler)

	s.AddTool(mcp.NewTool("quote",
		mcp.WithDescription("returns a credit quote for a pending call"),
	), fx.quoteHandler)

	s.AddTool(mcp.NewTool("stats",
		mcp.WithDescription("returns call counters"),
	), fx.statsHandler)

	s.AddTool(mcp.NewTool("fail",
		mcp.WithDescription("always returns a tool-level error"),
	), fx.failHandler)

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.NewStreamableHTTPServer(s))

	fx.HTTP = httptest.NewServer(mux)
	fx.URL = fx.HTTP.URL + "/mcp"
	return fx
}

// Close shuts down the underlying httptest server.
func (fx *Server) Close() { fx.HTTP.Close() }

// Break makes every echo and quote call after this point fail, simulating
// an upstream whose tools have gone unhealthy. stats keeps answering and the
// fail tool fails regardless.
func (fx *Server) Break() { atomic.StoreInt32(&fx.broken, 1) }

// Calls returns the number of tool invocations served so far.
func (fx *Server) Calls() int64 { return atomic.LoadInt64(&fx.calls) }

func (fx *Server) echoHandler(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	atomic.AddInt64(&fx.calls, 1)
	if atomic.LoadInt32(&fx.broken) == 1 {
		return nil, fmt.Errorf("mcpfixture: upstream broken")
	}
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(message), nil
}

func (fx *Server) quoteHandler(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	atomic.AddInt64(&fx.calls, 1)
	if atomic.LoadInt32(&fx.broken) == 1 {
		return nil, fmt.Errorf("mcpfixture: upstream broken")
	}
	return mcp.NewToolResultText(`{"credits":3,"reason":"fixed"}`), nil
}

func (fx *Server) statsHandler(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(fmt.Sprintf(`{"calls":%d}`, fx.Calls())), nil
}

func (fx *Server) failHandler(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	atomic.AddInt64(&fx.calls, 1)
	return nil, fmt.Errorf("mcpfixture: fail tool invoked")
}
