// Package mcpclient wraps the mark3labs/mcp-go streamable-HTTP client with
// the small set of primitives the router's connection manager needs:
// connect, list tools, call a tool, ping, close, and an async
// connection-lost/notification hook.
package mcpclient

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// ClientName is advertised to upstream servers during the initialize handshake.
const ClientName = "mcp-router"

// ClientVersion is advertised to upstream servers during the initialize handshake.
const ClientVersion = "0.1.0"

// Client is a connected upstream MCP client.
type Client struct {
	inner *client.Client
}

// Connect opens a streamable-HTTP transport to url, starts it, and performs
// the MCP initialize handshake. credential, if non-empty, is sent as the
// Authorization header on every request.
func Connect(ctx context.Context, url string, credential string) (*Client, *mcp.InitializeResult, error) {
	var opts []transport.StreamableHTTPCOption
	if credential != "" {
		opts = append(opts, transport.WithHTTPHeaders(map[string]string{
			"Authorization": credential,
		}))
	}

	inner, err := client.NewStreamableHttpClient(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("mcpclient: create client: %w", err)
	}

	if err := inner.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("mcpclient: start transport: %w", err)
	}

	initRes, err := inner.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    ClientName,
				Version: ClientVersion,
			},
		},
	})
	if err != nil {
		_ = inner.Close()
		return nil, nil, fmt.Errorf("mcpclient: initialize: %w", err)
	}

	return &Client{inner: inner}, initRes, nil
}

// ListTools returns the tool catalog advertised by the upstream server.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	res, err := c.inner.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcpclient: list tools: %w", err)
	}
	return res.Tools, nil
}

// CallTool invokes a single tool by its original (unprefixed) name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := c.inner.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: call tool %q: %w", name, err)
	}
	return res, nil
}

// Ping issues a liveness probe against the upstream server.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.inner.Ping(ctx); err != nil {
		return fmt.Errorf("mcpclient: ping: %w", err)
	}
	return nil
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.inner.Close()
}

// OnNotification registers a callback invoked for every JSON-RPC
// notification the upstream server sends, e.g. tools/list_changed.
func (c *Client) OnNotification(handler func(mcp.JSONRPCNotification)) {
	c.inner.OnNotification(handler)
}

// OnConnectionLost registers a callback invoked when the underlying
// transport detects the connection dropped out from under it.
func (c *Client) OnConnectionLost(handler func(error)) {
	c.inner.OnConnectionLost(handler)
}

// TextContent extracts and concatenates every TextContent block in a tool
// result. Non-text content items are ignored.
func TextContent(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var out string
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			if out != "" {
				out += "\n"
			}
			out += tc.Text
		}
	}
	return out
}
