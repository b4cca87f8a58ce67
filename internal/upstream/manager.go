package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/mcprouter/router/internal/store"
)

// ManagerConfig controls the Connection Manager's health-check loop and
// reconnect policy, sourced from the router's configuration.
type ManagerConfig struct {
	Separator               string
	PingInterval            time.Duration
	MaxConsecutivePingFails int
	ReconnectCooldown       time.Duration
}

// DefaultManagerConfig matches the spec's documented defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Separator:               ":",
		PingInterval:            30 * time.Second,
		MaxConsecutivePingFails: 3,
		ReconnectCooldown:       60 * time.Second,
	}
}

// Manager owns every Connection the router holds to an upstream MCP
// server. It is the only component that dials upstreams: the Tool Registry
// and Credit Gate both operate through it.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger
	repo   *store.ServerRepository
	events *store.EventBuffer

	onToolsChanged func(server string)

	mu          sync.RWMutex
	connections map[string]*Connection
	lastAttempt map[string]time.Time
	reconnects  map[string]int

	ticker   *time.Ticker
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager creates a Manager. onToolsChanged is invoked (by server name)
// whenever a connection's tool list is refreshed, so the Tool Registry can
// re-synchronize its downstream catalog.
func NewManager(cfg ManagerConfig, repo *store.ServerRepository, events *store.EventBuffer, onToolsChanged func(server string), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:            cfg,
		logger:         logger.With("component", "upstream_manager"),
		repo:           repo,
		events:         events,
		onToolsChanged: onToolsChanged,
		connections:    make(map[string]*Connection),
		lastAttempt:    make(map[string]time.Time),
		reconnects:     make(map[string]int),
		done:           make(chan struct{}),
	}
}

// SetOnToolsChanged wires the callback after construction, for callers
// that build the Tool Registry from a reference to this Manager (and so
// can't supply the closure before NewManager returns).
func (m *Manager) SetOnToolsChanged(fn func(server string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onToolsChanged = fn
}

// Separator returns the configured tool name separator.
func (m *Manager) Separator() string { return m.cfg.Separator }

// Connect opens a connection to the given server config, discovers its
// tools, and starts the health-check loop if this is the first connection.
// On failure it still records an unconnected Connection with its error so
// listings remain complete, and returns the error to the caller.
func (m *Manager) Connect(ctx context.Context, cfg ServerConfig) error {
	conn := newConnection(cfg, m.logger)

	m.mu.Lock()
	m.connections[cfg.Name] = conn
	shouldStart := len(m.connections) == 1
	m.mu.Unlock()

	if shouldStart {
		m.startHealthLoop()
	}

	err := conn.Connect(ctx,
		func() { m.refreshAndNotify(context.Background(), cfg.Name) },
		func(error) {},
	)
	if err != nil {
		m.recordServerEvent(cfg.Name, store.ServerEventError, fmt.Sprintf(`{"error":%q}`, err.Error()))
		return err
	}

	if err := conn.RefreshTools(ctx); err != nil {
		m.logger.Warn("initial tool discovery failed", "server", cfg.Name, "error", err)
	}
	m.recordServerEvent(cfg.Name, store.ServerEventConnected, "{}")
	if m.onToolsChanged != nil {
		m.onToolsChanged(cfg.Name)
	}
	return nil
}

// Disconnect closes and forgets the named connection. Missing name is a
// no-op, per the connect/disconnect contract.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	conn, ok := m.connections[name]
	delete(m.connections, name)
	delete(m.lastAttempt, name)
	delete(m.reconnects, name)
	empty := len(m.connections) == 0
	m.mu.Unlock()

	if !ok {
		return nil
	}
	err := conn.Disconnect()
	if m.events != nil {
		m.events.Record(conn.config.ID, store.ServerEventDisconnected, []byte("{}"))
	}
	if empty {
		m.stopHealthLoop()
	}
	return err
}

// Reconnect tears down any existing connection for name and reconnects
// using the server's stored configuration.
func (m *Manager) Reconnect(ctx context.Context, cfg ServerConfig) error {
	m.mu.Lock()
	if conn, ok := m.connections[cfg.Name]; ok {
		_ = conn.Disconnect()
		delete(m.connections, cfg.Name)
	}
	m.mu.Unlock()

	err := m.Connect(ctx, cfg)
	if err == nil {
		m.recordServerEvent(cfg.Name, store.ServerEventConnected, `{"reconnected":true}`)
	}
	return err
}

// BuildTools re-discovers and replaces a connection's tool list. It is
// idempotent and safe to call whether or not the tool set actually changed.
func (m *Manager) BuildTools(ctx context.Context, name string) error {
	conn, ok := m.connection(name)
	if !ok {
		return fmt.Errorf("upstream: build tools: unknown server %q", name)
	}
	if err := conn.RefreshTools(ctx); err != nil {
		return err
	}
	m.recordServerEvent(name, store.ServerEventToolLoaded, "{}")
	if m.onToolsChanged != nil {
		m.onToolsChanged(name)
	}
	return nil
}

func (m *Manager) refreshAndNotify(ctx context.Context, name string) {
	if err := m.BuildTools(ctx, name); err != nil {
		m.logger.Warn("tool refresh after notification failed", "server", name, "error", err)
	}
}

// CallTool splits namespacedName at the first occurrence of the configured
// separator, resolves the owning connection (lazy-connecting or
// reconnecting as needed), and forwards the call. It always returns whether
// an audit row should record success or failure; callers are responsible
// for writing the audit row itself so they can attach request context.
func (m *Manager) CallTool(ctx context.Context, namespacedName string, args map[string]any) (server, original string, result *mcp.CallToolResult, err error) {
	server, original, ok := splitNamespaced(namespacedName, m.cfg.Separator)
	if !ok {
		return "", "", nil, fmt.Errorf("upstream: call tool: malformed namespaced name %q", namespacedName)
	}

	conn, ok := m.connection(server)
	if !ok {
		cfg, lookupErr := m.lazyConnect(ctx, server)
		if lookupErr != nil {
			return server, original, nil, lookupErr
		}
		conn, _ = m.connection(cfg.Name)
	} else if conn.Status() == StatusDisconnected {
		if reconErr := m.Reconnect(ctx, conn.config); reconErr != nil {
			return server, original, nil, fmt.Errorf("upstream: call tool: server %q disconnected: %w", server, reconErr)
		}
		conn, _ = m.connection(server)
	}

	result, err = conn.CallTool(ctx, original, args)
	return server, original, result, err
}

func (m *Manager) lazyConnect(ctx context.Context, name string) (ServerConfig, error) {
	if m.repo == nil {
		return ServerConfig{}, fmt.Errorf("upstream: call tool: unknown server %q", name)
	}
	stored, err := m.repo.FindByName(ctx, name)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("upstream: lazy connect: %w", err)
	}
	if stored == nil || !stored.Enabled {
		return ServerConfig{}, fmt.Errorf("upstream: call tool: unknown server %q", name)
	}
	cfg := configFromStore(stored)
	if err := m.Connect(ctx, cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("upstream: lazy connect: %w", err)
	}
	return cfg, nil
}

func splitNamespaced(name, separator string) (server, original string, ok bool) {
	idx := strings.Index(name, separator)
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+len(separator):], true
}

func (m *Manager) connection(name string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[name]
	return conn, ok
}

// Tools returns the aggregated, filtered tool list for one connected server.
func (m *Manager) Tools(name string) []AggregatedTool {
	conn, ok := m.connection(name)
	if !ok {
		return nil
	}
	raw := conn.Tools()
	out := make([]AggregatedTool, 0, len(raw))
	for _, t := range raw {
		if isExcludedTool(t.Name) {
			continue
		}
		out = append(out, AggregatedTool{
			Server:         name,
			OriginalName:   t.Name,
			NamespacedName: namespacedName(m.cfg.Separator, name, t.Name),
			Tool:           t,
		})
	}
	return out
}

// AllTools returns the aggregated, filtered tool list across every
// currently tracked connection.
func (m *Manager) AllTools() []AggregatedTool {
	m.mu.RLock()
	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var all []AggregatedTool
	for _, name := range names {
		all = append(all, m.Tools(name)...)
	}
	return all
}

// HasTool reports whether server's last-discovered tool set contains a
// tool with the given original name. quote/stats never match; use
// HasQuoteTool/ServersWithStatsTool for those.
func (m *Manager) HasTool(server, original string) bool {
	conn, ok := m.connection(server)
	if !ok {
		return false
	}
	return conn.HasTool(original)
}

// ServersWithStatsTool returns the names of every connected server whose
// upstream exposes a "stats" tool.
func (m *Manager) ServersWithStatsTool() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name, conn := range m.connections {
		if conn.HasStatsTool() {
			names = append(names, name)
		}
	}
	return names
}

// CallStatsTool invokes the upstream "stats" tool on the named server.
func (m *Manager) CallStatsTool(ctx context.Context, server string) (*mcp.CallToolResult, error) {
	conn, ok := m.connection(server)
	if !ok {
		return nil, fmt.Errorf("upstream: call stats tool: unknown server %q", server)
	}
	return conn.CallTool(ctx, "stats", nil)
}

// HasQuoteTool reports whether server's upstream exposes a "quote" tool.
func (m *Manager) HasQuoteTool(server string) bool {
	conn, ok := m.connection(server)
	return ok && conn.HasQuoteTool()
}

// CallQuoteTool invokes the upstream "quote" tool on the named server.
func (m *Manager) CallQuoteTool(ctx context.Context, server string, args map[string]any) (*mcp.CallToolResult, error) {
	conn, ok := m.connection(server)
	if !ok {
		return nil, fmt.Errorf("upstream: call quote tool: unknown server %q", server)
	}
	return conn.CallTool(ctx, "quote", args)
}

// Status returns the current lifecycle status of a named connection.
func (m *Manager) Status(name string) (Status, bool) {
	conn, ok := m.connection(name)
	if !ok {
		return "", false
	}
	return conn.Status(), true
}

// DisconnectAll closes every connection and stops the health-check loop.
// Intended for process shutdown.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_ = m.Disconnect(name)
		}(name)
	}
	wg.Wait()
}

func (m *Manager) startHealthLoop() {
	interval := m.cfg.PingInterval
	if interval <= 0 {
		interval = DefaultManagerConfig().PingInterval
	}
	m.ticker = time.NewTicker(interval)
	m.wg.Add(1)
	go m.healthLoop()
}

func (m *Manager) stopHealthLoop() {
	m.stopOnce.Do(func() {
		if m.ticker != nil {
			m.ticker.Stop()
		}
		close(m.done)
	})
	m.wg.Wait()
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case <-m.ticker.C:
			m.runHealthCheck(context.Background())
		}
	}
}

func (m *Manager) runHealthCheck(ctx context.Context) {
	m.mu.RLock()
	snapshot := make(map[string]*Connection, len(m.connections))
	for name, conn := range m.connections {
		snapshot[name] = conn
	}
	m.mu.RUnlock()

	for name, conn := range snapshot {
		switch conn.Status() {
		case StatusDisconnected:
			m.maybeReconnect(ctx, name, conn)
		case StatusConnected, StatusDegraded:
			m.pingOne(ctx, name, conn)
		}
	}
}

func (m *Manager) maybeReconnect(ctx context.Context, name string, conn *Connection) {
	if !conn.config.AutoReconnect {
		return
	}

	m.mu.Lock()
	last := m.lastAttempt[name]
	if time.Since(last) < m.cfg.ReconnectCooldown {
		m.mu.Unlock()
		return
	}
	m.lastAttempt[name] = time.Now()
	m.reconnects[name]++
	attempt := m.reconnects[name]
	m.mu.Unlock()

	if err := m.Reconnect(ctx, conn.config); err != nil {
		if attempt%20 == 0 {
			m.logger.Error("reconnect still failing", "server", name, "attempts", attempt, "error", err)
		}
		return
	}

	m.mu.Lock()
	m.reconnects[name] = 0
	m.mu.Unlock()
}

func (m *Manager) pingOne(ctx context.Context, name string, conn *Connection) {
	if err := conn.Ping(ctx, m.cfg.MaxConsecutivePingFails); err != nil {
		if conn.Status() == StatusDisconnected {
			m.recordServerEvent(name, store.ServerEventDisconnected, fmt.Sprintf(`{"reason":"ping_failures","error":%q}`, err.Error()))
			if m.onToolsChanged != nil {
				m.onToolsChanged(name)
			}
			if conn.config.AutoReconnect {
				m.maybeReconnectNow(ctx, name, conn)
			}
		}
		return
	}
	m.recordServerEvent(name, store.ServerEventHealthCheck, `{"status":"ok"}`)
}

func (m *Manager) maybeReconnectNow(ctx context.Context, name string, conn *Connection) {
	if err := m.Reconnect(ctx, conn.config); err != nil {
		m.logger.Warn("immediate post-disconnect reconnect failed", "server", name, "error", err)
	}
}

func (m *Manager) recordServerEvent(name string, eventType store.ServerEventType, detailsJSON string) {
	if m.events == nil {
		return
	}
	conn, ok := m.connection(name)
	if !ok {
		return
	}
	m.events.Record(conn.config.ID, eventType, []byte(detailsJSON))
}

// reconnectBackoff builds the exponential backoff policy used for the
// bounded retry loop a caller may run around Connect (e.g. at initial
// registration time), mirroring the health loop's own cooldown/attempt
// counting but usable synchronously.
func reconnectBackoff(maxAttempts int, base, maxDelay time.Duration) wait.Backoff {
	return wait.Backoff{
		Duration: base,
		Factor:   2.0,
		Steps:    maxAttempts,
		Cap:      maxDelay,
	}
}

// ConnectWithRetry calls Connect under an exponential backoff, for callers
// that want a bounded number of attempts at registration time rather than
// failing on the first transient error and waiting for the health loop to
// pick the server back up.
func (m *Manager) ConnectWithRetry(ctx context.Context, cfg ServerConfig, maxAttempts int) error {
	if maxAttempts <= 1 {
		return m.Connect(ctx, cfg)
	}

	attempt := 0
	backOff := reconnectBackoff(maxAttempts, time.Second, 30*time.Second)
	return wait.ExponentialBackoffWithContext(ctx, backOff, func(ctx context.Context) (bool, error) {
		attempt++
		err := m.Connect(ctx, cfg)
		if err != nil {
			m.logger.Warn("connect with retry failed", "server", cfg.Name, "attempt", attempt, "error", err)
			return false, nil
		}
		return true, nil
	})
}
