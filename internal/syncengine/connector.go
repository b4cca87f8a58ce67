package syncengine

import (
	"context"

	"github.com/mcprouter/router/internal/registry"
	"github.com/mcprouter/router/internal/upstream"
)

// ManagerRegistry adapts a Connection Manager and a Tool Registry into the
// single Connector the engine drives: connect/disconnect act on the
// manager, then the registry is told which tools that left in play.
type ManagerRegistry struct {
	Manager  *upstream.Manager
	Registry *registry.Registry
}

// NewConnector builds the combined Connector from a live manager and registry.
func NewConnector(manager *upstream.Manager, reg *registry.Registry) *ManagerRegistry {
	return &ManagerRegistry{Manager: manager, Registry: reg}
}

func (c *ManagerRegistry) Connect(ctx context.Context, cfg upstream.ServerConfig) error {
	if err := c.Manager.Connect(ctx, cfg); err != nil {
		return err
	}
	c.Registry.RegisterToolsFor(c.Manager.Tools(cfg.Name))
	return nil
}

func (c *ManagerRegistry) Disconnect(name string) error {
	c.Registry.UnregisterToolsFor(name)
	return c.Manager.Disconnect(name)
}

func (c *ManagerRegistry) Reconnect(ctx context.Context, cfg upstream.ServerConfig) error {
	if err := c.Manager.Reconnect(ctx, cfg); err != nil {
		return err
	}
	c.Registry.RegisterToolsFor(c.Manager.Tools(cfg.Name))
	return nil
}

func (c *ManagerRegistry) Status(name string) (upstream.Status, bool) {
	return c.Manager.Status(name)
}

func (c *ManagerRegistry) RegisterToolsFor(tools []upstream.AggregatedTool) {
	c.Registry.RegisterToolsFor(tools)
}

func (c *ManagerRegistry) UnregisterToolsFor(serverName string) []string {
	return c.Registry.UnregisterToolsFor(serverName)
}

func (c *ManagerRegistry) Tools(name string) []upstream.AggregatedTool {
	return c.Manager.Tools(name)
}
