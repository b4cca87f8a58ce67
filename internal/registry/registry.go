// Package registry keeps the downstream MCP server's advertised tool
// catalog in sync with the union of upstream Aggregated Tools, adding,
// updating, and removing registrations as upstreams come, go, or change
// schema — while the router is serving traffic.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mcprouter/router/internal/upstream"
)

// Forwarder invokes a namespaced tool against its owning upstream. The
// Registry wraps the returned handler so every call flows through it,
// regardless of whether the Credit Gate is engaged.
type Forwarder func(ctx context.Context, serverName, original string, args map[string]any) (*mcp.CallToolResult, error)

// downstream is the subset of *server.MCPServer the registry depends on,
// so tests can substitute a fake.
type downstream interface {
	AddTools(tools ...server.ServerTool)
	DeleteTools(names ...string)
}

// entry is what the Registry tracks per registered tool name.
type entry struct {
	server     string
	original   string
	schemaHash string
}

// Registry is the source of truth for the downstream-visible tool catalog.
// The handler map is indirected behind its own lock so a handler swap for
// an unchanged schema never touches the downstream registration.
type Registry struct {
	downstream downstream
	forward    Forwarder
	separator  string
	logger     *slog.Logger

	mu       sync.RWMutex
	entries  map[string]entry
	handlers map[string]server.ToolHandlerFunc
}

// New creates a Registry that registers/removes tools against downstream
// and forwards calls through forward.
func New(downstream downstream, separator string, forward Forwarder, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		downstream: downstream,
		forward:    forward,
		separator:  separator,
		logger:     logger.With("component", "registry"),
		entries:    make(map[string]entry),
		handlers:   make(map[string]server.ToolHandlerFunc),
	}
}

// RegisterToolsFor reconciles the downstream catalog against the given
// Aggregated Tools for one upstream server. A tool not previously seen is
// registered fresh; a tool with an unchanged schema gets only its handler
// indirection updated (no downstream notification); a tool with a changed
// schema is removed and re-registered.
func (r *Registry) RegisterToolsFor(tools []upstream.AggregatedTool) {
	var toAdd []server.ServerTool
	var toRemove []string

	r.mu.Lock()
	for _, t := range tools {
		hash := Canonical(ConvertSchema(t.Tool.InputSchema))
		existing, present := r.entries[t.NamespacedName]

		switch {
		case !present:
			r.entries[t.NamespacedName] = entry{server: t.Server, original: t.OriginalName, schemaHash: hash}
			r.handlers[t.NamespacedName] = r.makeHandler(t.Server, t.OriginalName)
			toAdd = append(toAdd, r.serverTool(t))
		case existing.schemaHash == hash:
			r.handlers[t.NamespacedName] = r.makeHandler(t.Server, t.OriginalName)
		default:
			toRemove = append(toRemove, t.NamespacedName)
			r.entries[t.NamespacedName] = entry{server: t.Server, original: t.OriginalName, schemaHash: hash}
			r.handlers[t.NamespacedName] = r.makeHandler(t.Server, t.OriginalName)
			toAdd = append(toAdd, r.serverTool(t))
		}
	}
	r.mu.Unlock()

	if len(toRemove) > 0 {
		r.downstream.DeleteTools(toRemove...)
	}
	if len(toAdd) > 0 {
		r.downstream.AddTools(toAdd...)
	}
}

// UnregisterToolsFor removes every registered tool whose namespaced name
// begins with "{serverName}{separator}" from the downstream server and
// from the registry's own maps, returning the removed names.
func (r *Registry) UnregisterToolsFor(serverName string) []string {
	prefix := serverName + r.separator

	r.mu.Lock()
	var removed []string
	for name := range r.entries {
		if strings.HasPrefix(name, prefix) {
			removed = append(removed, name)
			delete(r.entries, name)
			delete(r.handlers, name)
		}
	}
	r.mu.Unlock()

	if len(removed) > 0 {
		r.downstream.DeleteTools(removed...)
	}
	return removed
}

// Has reports whether a namespaced tool is currently registered.
func (r *Registry) Has(namespacedName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[namespacedName]
	return ok
}

func (r *Registry) serverTool(t upstream.AggregatedTool) server.ServerTool {
	tool := t.Tool
	tool.Name = t.NamespacedName
	tool.Description = fmt.Sprintf("[%s] %s", t.Server, t.Tool.Description)

	return server.ServerTool{
		Tool: tool,
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			r.mu.RLock()
			handler := r.handlers[t.NamespacedName]
			r.mu.RUnlock()
			if handler == nil {
				return mcp.NewToolResultError(fmt.Sprintf("tool %q is no longer registered", t.NamespacedName)), nil
			}
			return handler(ctx, req)
		},
	}
}

func (r *Registry) makeHandler(serverName, original string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, ok := req.Params.Arguments.(map[string]any)
		if !ok && req.Params.Arguments != nil {
			return mcp.NewToolResultError("invalid arguments format"), nil
		}
		result, err := r.forward(ctx, serverName, original, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		stripMetricsKeys(result)
		return result, nil
	}
}

// metricsKeys are internal cost-accounting fields the Credit Gate reads;
// they must never leak to downstream clients.
var metricsKeys = []string{"models_metrics", "modelsMetrics"}

// stripMetricsKeys removes metricsKeys from the top level of every text
// content item of a successful result whose text parses as a JSON object,
// and from structuredContent.result when that is a JSON object. It is a
// no-op on error results and leaves non-JSON or unparseable payloads
// untouched.
func stripMetricsKeys(result *mcp.CallToolResult) {
	if result == nil || result.IsError {
		return
	}

	for i, c := range result.Content {
		text, ok := c.(mcp.TextContent)
		if !ok {
			continue
		}
		if stripped, changed := stripJSONKeys(text.Text); changed {
			text.Text = stripped
			result.Content[i] = text
		}
	}

	if result.StructuredContent == nil {
		return
	}
	if m, ok := result.StructuredContent.(map[string]any); ok {
		if inner, ok := m["result"]; ok {
			if nested, ok := inner.(map[string]any); ok {
				for _, key := range metricsKeys {
					delete(nested, key)
				}
				m["result"] = nested
				result.StructuredContent = m
			}
		}
	}
}

func stripJSONKeys(text string) (string, bool) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return text, false
	}

	changed := false
	for _, key := range metricsKeys {
		if _, ok := payload[key]; ok {
			delete(payload, key)
			changed = true
		}
	}
	if !changed {
		return text, false
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return text, false
	}
	return string(b), true
}
