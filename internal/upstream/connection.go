package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcprouter/router/internal/mcpclient"
)

// Connection is the router's sole client of one upstream MCP server. It owns
// the underlying mcp-go client, the upstream's current tool set, and the
// health-check state the manager's loop drives.
type Connection struct {
	config ServerConfig
	logger *slog.Logger

	state  connectionState
	client *mcpclient.Client
}

func newConnection(cfg ServerConfig, logger *slog.Logger) *Connection {
	return &Connection{
		config: cfg,
		logger: logger.With("server", cfg.Name),
		state:  connectionState{status: StatusConnecting},
	}
}

// Status returns the connection's current lifecycle state.
func (c *Connection) Status() Status {
	status, _, _, _ := c.state.snapshot()
	return status
}

// Tools returns a copy of the upstream's last-discovered tool set,
// including tools the catalog excludes (stats, quote).
func (c *Connection) Tools() []mcp.Tool {
	_, tools, _, _ := c.state.snapshot()
	return tools
}

// LastError returns the most recent connect/ping/call error, if any.
func (c *Connection) LastError() error {
	_, _, err, _ := c.state.snapshot()
	return err
}

// HasTool reports whether the upstream's last-discovered tool set contains
// a tool with the given original (unprefixed) name. The quote/stats control
// tools never match here; query HasQuoteTool/HasStatsTool for those.
func (c *Connection) HasTool(name string) bool {
	if isExcludedTool(name) {
		return false
	}
	_, tools, _, _ := c.state.snapshot()
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Connect dials the upstream and performs the MCP initialize handshake. It
// registers notification and connection-loss callbacks so the manager's
// health loop and tool-list-changed handling stay live for this connection.
func (c *Connection) Connect(ctx context.Context, onToolsChanged func(), onConnectionLost func(error)) error {
	c.state.mu.Lock()
	c.state.status = StatusConnecting
	c.state.mu.Unlock()

	timeout := time.Duration(c.config.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cli, _, err := mcpclient.Connect(connectCtx, c.config.URL, c.config.Credential)
	if err != nil {
		c.recordFailure(err)
		c.state.mu.Lock()
		c.state.status = StatusDisconnected
		c.state.mu.Unlock()
		return fmt.Errorf("upstream %s: connect: %w", c.config.Name, err)
	}

	cli.OnNotification(func(mcp.JSONRPCNotification) {
		if onToolsChanged != nil {
			onToolsChanged()
		}
	})
	cli.OnConnectionLost(func(err error) {
		c.logger.Error("connection lost", "error", err)
		c.state.mu.Lock()
		c.state.status = StatusDisconnected
		c.state.mu.Unlock()
		if onConnectionLost != nil {
			onConnectionLost(err)
		}
	})

	c.state.mu.Lock()
	c.client = cli
	c.state.status = StatusConnected
	c.state.lastConnectedAt = time.Now()
	c.state.consecutiveFails = 0
	c.state.lastError = nil
	c.state.mu.Unlock()
	return nil
}

// Disconnect closes the upstream client, if any. Safe to call repeatedly.
func (c *Connection) Disconnect() error {
	c.state.mu.Lock()
	cli := c.client
	c.client = nil
	c.state.status = StatusDisconnected
	c.state.mu.Unlock()

	if cli == nil {
		return nil
	}
	return cli.Close()
}

// Ping verifies the upstream is still reachable, demoting status to
// DEGRADED on a single failure and DISCONNECTED once consecutiveFails
// reaches maxFailures.
func (c *Connection) Ping(ctx context.Context, maxFailures int) error {
	c.state.mu.RLock()
	cli := c.client
	c.state.mu.RUnlock()

	if cli == nil {
		return fmt.Errorf("upstream %s: ping: not connected", c.config.Name)
	}

	err := cli.Ping(ctx)
	if err != nil {
		c.recordFailure(err)
		c.state.mu.Lock()
		if c.state.consecutiveFails >= maxFailures {
			c.state.status = StatusDisconnected
			c.state.tools = nil
			c.state.hasQuoteTool = false
			c.state.hasStatsTool = false
		} else {
			c.state.status = StatusDegraded
		}
		c.state.mu.Unlock()
		return err
	}

	c.state.mu.Lock()
	c.state.status = StatusConnected
	c.state.consecutiveFails = 0
	c.state.lastError = nil
	c.state.mu.Unlock()
	return nil
}

// RefreshTools re-lists tools from the upstream and stores the result,
// tracking whether quote/stats control tools are present.
func (c *Connection) RefreshTools(ctx context.Context) error {
	c.state.mu.RLock()
	cli := c.state.status == StatusConnected || c.state.status == StatusDegraded
	client := c.client
	c.state.mu.RUnlock()

	if !cli || client == nil {
		return fmt.Errorf("upstream %s: refresh tools: not connected", c.config.Name)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		c.recordFailure(err)
		return fmt.Errorf("upstream %s: list tools: %w", c.config.Name, err)
	}

	hasQuote, hasStats := false, false
	for _, t := range tools {
		switch t.Name {
		case "quote":
			hasQuote = true
		case "stats":
			hasStats = true
		}
	}

	c.state.mu.Lock()
	c.state.tools = tools
	c.state.hasQuoteTool = hasQuote
	c.state.hasStatsTool = hasStats
	c.state.mu.Unlock()
	return nil
}

// HasQuoteTool reports whether the upstream exposes a "quote" tool.
func (c *Connection) HasQuoteTool() bool {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return c.state.hasQuoteTool
}

// HasStatsTool reports whether the upstream exposes a "stats" tool.
func (c *Connection) HasStatsTool() bool {
	c.state.mu.RLock()
	defer c.state.mu.RUnlock()
	return c.state.hasStatsTool
}

// CallTool forwards a tool invocation to the upstream by its original
// (unprefixed) name.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	c.state.mu.RLock()
	client := c.client
	c.state.mu.RUnlock()

	if client == nil {
		return nil, fmt.Errorf("upstream %s: call tool %s: not connected", c.config.Name, name)
	}

	result, err := client.CallTool(ctx, name, args)
	if err != nil {
		c.recordFailure(err)
		return nil, err
	}
	return result, nil
}

func (c *Connection) recordFailure(err error) {
	c.state.mu.Lock()
	c.state.lastError = err
	c.state.consecutiveFails++
	c.state.mu.Unlock()
}
