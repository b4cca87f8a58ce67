package httpapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mcprouter/router/internal/upstream"
)

// registerControlTools installs the router's own administrative tools
// under the "router" namespace, using the configured separator. These are
// forwarded nowhere: they act directly on the Connection Manager,
// Registry, and Server Repository.
func (s *Server) registerControlTools() {
	sep := s.cfg.ToolNameSeparator
	s.mcpServer.AddTools(
		mcpserver.ServerTool{
			Tool:    mcp.NewTool("router"+sep+"list-servers", mcp.WithDescription("List every registered upstream server and its connection status.")),
			Handler: s.toolListServers,
		},
		mcpserver.ServerTool{
			Tool:    mcp.NewTool("router"+sep+"list-tools", mcp.WithDescription("List every aggregated tool currently exposed by the router.")),
			Handler: s.toolListTools,
		},
		mcpserver.ServerTool{
			Tool: mcp.NewTool("router"+sep+"register-server",
				mcp.WithDescription("Register (or update) an upstream MCP server."),
				mcp.WithString("name", mcp.Required()),
				mcp.WithString("url", mcp.Required()),
				mcp.WithString("description"),
			),
			Handler: s.toolRegisterServer,
		},
		mcpserver.ServerTool{
			Tool: mcp.NewTool("router"+sep+"unregister-server",
				mcp.WithDescription("Unregister an upstream MCP server."),
				mcp.WithString("name", mcp.Required()),
			),
			Handler: s.toolUnregisterServer,
		},
		mcpserver.ServerTool{
			Tool: mcp.NewTool("router"+sep+"reconnect-server",
				mcp.WithDescription("Force a reconnect of an upstream MCP server."),
				mcp.WithString("name", mcp.Required()),
			),
			Handler: s.toolReconnectServer,
		},
		mcpserver.ServerTool{
			Tool:    mcp.NewTool("router"+sep+"stats", mcp.WithDescription("Aggregated upstream stats. Kept for backward compatibility; prefer REST GET /stats.")),
			Handler: s.toolStats,
		},
	)
}

func (s *Server) toolListServers(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	servers, err := s.repo.FindAll(ctx, true)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	type serverStatus struct {
		Name   string `json:"name"`
		URL    string `json:"url"`
		Status string `json:"status"`
	}
	out := make([]serverStatus, 0, len(servers))
	for _, srv := range servers {
		status, present := s.manager.Status(srv.Name)
		if !present {
			status = upstream.StatusDisconnected
		}
		out = append(out, serverStatus{Name: srv.Name, URL: srv.URL, Status: string(status)})
	}
	return jsonResult(out)
}

func (s *Server) toolListTools(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tools := s.manager.AllTools()
	type toolInfo struct {
		Name   string `json:"name"`
		Server string `json:"server"`
	}
	out := make([]toolInfo, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolInfo{Name: t.NamespacedName, Server: t.Server})
	}
	return jsonResult(out)
}

func (s *Server) toolRegisterServer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, _ := req.Params.Arguments.(map[string]any)["name"].(string)
	url, _ := req.Params.Arguments.(map[string]any)["url"].(string)
	description, _ := req.Params.Arguments.(map[string]any)["description"].(string)

	cfg, err := s.registerServer(ctx, registerInput{Name: name, URL: url, Description: description})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(cfg)
}

func (s *Server) toolUnregisterServer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, _ := req.Params.Arguments.(map[string]any)["name"].(string)
	if err := s.unregisterServer(ctx, name); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("unregistered %q", name)), nil
}

func (s *Server) toolReconnectServer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, _ := req.Params.Arguments.(map[string]any)["name"].(string)
	stored, err := s.repo.FindByName(ctx, name)
	if err != nil || stored == nil {
		return mcp.NewToolResultError(fmt.Sprintf("server %q not found", name)), nil
	}
	if err := s.manager.Reconnect(ctx, upstream.ServerConfig{
		ID: stored.ID, Name: stored.Name, URL: stored.URL,
		AutoReconnect: stored.AutoReconnect, TimeoutMS: stored.TimeoutMS, RetryAttempts: stored.RetryAttempts,
	}); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.registry.RegisterToolsFor(s.manager.Tools(name))
	return mcp.NewToolResultText(fmt.Sprintf("reconnected %q", name)), nil
}

func (s *Server) toolStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.aggregateStats(ctx))
}

func (s *Server) aggregateStats(ctx context.Context) map[string]any {
	out := make(map[string]any)
	for _, name := range s.manager.ServersWithStatsTool() {
		result, err := s.manager.CallStatsTool(ctx, name)
		if err != nil {
			out[name] = map[string]string{"error": err.Error()}
			continue
		}
		out[name] = decodeStatsResult(result)
	}
	return out
}

func decodeStatsResult(result *mcp.CallToolResult) any {
	if result == nil || len(result.Content) == 0 {
		return nil
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return nil
	}
	var payload any
	if err := json.Unmarshal([]byte(text.Text), &payload); err != nil {
		return text.Text
	}
	return payload
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
