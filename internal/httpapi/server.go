// Package httpapi is the router's ambient HTTP surface: the downstream MCP
// JSON-RPC endpoint, the REST admin routes (/register, /health, /config,
// /stats), and the bearer-auth shim guarding them. None of this is the
// router's core; it is the thinnest glue that makes the core reachable.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mcprouter/router/internal/config"
	"github.com/mcprouter/router/internal/credit"
	"github.com/mcprouter/router/internal/registry"
	"github.com/mcprouter/router/internal/store"
	"github.com/mcprouter/router/internal/syncengine"
	"github.com/mcprouter/router/internal/upstream"
)

// Server wires the router's core components to an http.Server.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	manager    *upstream.Manager
	registry   *registry.Registry
	gate       *credit.Gate
	repo       *store.ServerRepository
	audit      *store.AuditBuffer
	syncEngine *syncengine.Engine

	mcpServer  *mcpserver.MCPServer
	streamable *mcpserver.StreamableHTTPServer
	httpServer *http.Server
}

// New builds the Server, its Tool Registry, and registers every route and
// control tool. It does not start listening; call Start for that. The
// caller must still call SetSyncEngine once the Sync Engine exists, since
// the engine itself depends on the registry this constructor builds.
func New(
	cfg *config.Config,
	manager *upstream.Manager,
	gate *credit.Gate,
	repo *store.ServerRepository,
	audit *store.AuditBuffer,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "httpapi")

	mcpSrv := mcpserver.NewMCPServer(
		cfg.Name,
		cfg.Version,
		mcpserver.WithToolCapabilities(true),
	)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		manager:   manager,
		gate:      gate,
		repo:      repo,
		audit:     audit,
		mcpServer: mcpSrv,
	}

	s.registry = registry.New(mcpSrv, cfg.ToolNameSeparator, s.forward, logger)

	s.registerControlTools()

	mux := http.NewServeMux()
	s.streamable = mcpserver.NewStreamableHTTPServer(mcpSrv)
	mux.Handle("/mcp", methodGuard(withRequestContext(s.streamable)))

	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("DELETE /register/{serverName}", s.handleUnregister)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /stats", s.handleStats)

	auth := newBearerAuth(cfg.AuthEnabled, cfg.UserManagementAPIKey)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      auth.middleware(mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// SetSyncEngine attaches the Sync Engine so register/unregister can publish
// cross-instance events. Safe to call once, before Start.
func (s *Server) SetSyncEngine(engine *syncengine.Engine) {
	s.syncEngine = engine
}

// ToolRegistry exposes the Tool Registry New built, so the caller can
// connect it to the Sync Engine's Connector.
func (s *Server) ToolRegistry() *registry.Registry {
	return s.registry
}

// forward is the Registry's Forwarder: it routes every aggregated tool
// call through the Credit Gate, which applies the bypass matrix and the
// quote/quota/track pipeline before (or instead of) actually calling the
// upstream, then records a Tool Call Audit row when auditing is enabled.
func (s *Server) forward(ctx context.Context, serverName, original string, args map[string]any) (*mcp.CallToolResult, error) {
	reqCtx := requestContextFrom(ctx)
	start := time.Now()
	result, err := s.gate.Invoke(ctx, s.manager, reqCtx, serverName, original, args)
	s.recordAudit(serverName, original, args, result, err, time.Since(start), reqCtx)
	return result, err
}

func (s *Server) recordAudit(serverName, original string, args map[string]any, result *mcp.CallToolResult, callErr error, duration time.Duration, reqCtx credit.RequestContext) {
	if s.audit == nil {
		return
	}

	status := store.AuditSuccess
	errMsg := ""
	if callErr != nil || (result != nil && result.IsError) {
		status = store.AuditError
		if callErr != nil {
			errMsg = callErr.Error()
		}
	}

	argsJSON, _ := json.Marshal(args)
	var respJSON json.RawMessage
	if result != nil {
		respJSON, _ = json.Marshal(result)
	}

	s.audit.Record(&store.ToolCallAudit{
		Server:       serverName,
		Tool:         original,
		Arguments:    argsJSON,
		Response:     respJSON,
		DurationMS:   duration.Milliseconds(),
		Status:       status,
		ErrorMessage: errMsg,
		UserID:       reqCtx.UserID,
		UserEmail:    reqCtx.UserEmail,
		APIKeyPrefix: apiKeyPrefix(reqCtx.APIKey),
	})
}

func apiKeyPrefix(key string) string {
	const n = 8
	if len(key) <= n {
		return key
	}
	return key[:n]
}

// Start begins serving. It blocks until the server stops (via Shutdown or
// a fatal listener error).
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server. It does not touch the
// Connection Manager, registry, or store; the caller orders those
// separately per the shutdown sequence.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// methodGuard enforces that only the MCP transport's own methods hit the
// downstream endpoint; anything else gets the documented JSON-RPC error
// shape instead of a generic 405.
func methodGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodGet && r.Method != http.MethodDelete {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusMethodNotAllowed)
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32000,"message":"Method not allowed."}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
