// Package upstream manages the router's direct connections to upstream MCP
// servers: connect/reconnect lifecycle, periodic health checks, and the
// aggregated, name-prefixed tool catalog built from what each upstream
// reports. It owns the only client connection to any given upstream; nothing
// else in the router dials out.
package upstream

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcprouter/router/internal/store"
)

// Status is the lifecycle state of one upstream connection.
type Status string

// Connection statuses, per the Connection Manager's state machine.
const (
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
	StatusDegraded     Status = "DEGRADED"
	StatusDisconnected Status = "DISCONNECTED"
)

// excludedToolNames never appear in the aggregated downstream catalog; they
// are invoked internally by the Credit Gate (quote) or surfaced only via the
// router's own stats tool, never forwarded as ordinary namespaced tools.
var excludedToolNames = map[string]bool{
	"stats": true,
	"quote": true,
}

// AggregatedTool is one upstream tool as seen by downstream clients: its
// original mcp.Tool definition plus the server it belongs to and the
// namespaced name it is registered under.
type AggregatedTool struct {
	Server         string
	OriginalName   string
	NamespacedName string
	Tool           mcp.Tool
}

// connectionState is the mutable, lock-protected half of a Connection.
type connectionState struct {
	mu               sync.RWMutex
	status           Status
	tools            []mcp.Tool
	lastError        error
	lastConnectedAt  time.Time
	consecutiveFails int
	hasQuoteTool     bool
	hasStatsTool     bool
}

func (s *connectionState) snapshot() (Status, []mcp.Tool, error, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	toolsCopy := make([]mcp.Tool, len(s.tools))
	copy(toolsCopy, s.tools)
	return s.status, toolsCopy, s.lastError, s.consecutiveFails
}

// ServerConfig is the subset of a registered server's configuration the
// Connection Manager needs; it is populated from store.ServerConfig.
type ServerConfig struct {
	ID            uuid.UUID
	Name          string
	URL           string
	Credential    string
	AutoReconnect bool
	TimeoutMS     int
	RetryAttempts int
}

func configFromStore(c *store.ServerConfig) ServerConfig {
	return ServerConfig{
		ID:            c.ID,
		Name:          c.Name,
		URL:           c.URL,
		AutoReconnect: c.AutoReconnect,
		TimeoutMS:     c.TimeoutMS,
		RetryAttempts: c.RetryAttempts,
	}
}

func namespacedName(separator, server, tool string) string {
	return server + separator + tool
}

func isExcludedTool(name string) bool {
	return excludedToolNames[name]
}
