// Package syncengine lets several router instances converge on the same
// set of active upstream servers by combining an append-only sync event
// log (fast path) with periodic repository reconciliation (correctness
// backstop), bounding cross-instance divergence by
// min(poll_interval, sync_interval).
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mcprouter/router/internal/store"
	"github.com/mcprouter/router/internal/upstream"
)

// Config controls polling, reconciliation, and cleanup cadence.
type Config struct {
	InstanceID        string
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	CleanupInterval   time.Duration
	EventRetention    time.Duration
}

// DefaultConfig matches the spec's documented defaults, except InstanceID
// which callers must set (or leave empty to have Engine mint one).
func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		ReconcileInterval: 30 * time.Second,
		CleanupInterval:   time.Hour,
		EventRetention:    24 * time.Hour,
	}
}

// Connector is the subset of the Connection Manager + Registry the sync
// engine drives when applying remote events and during reconciliation.
type Connector interface {
	Connect(ctx context.Context, cfg upstream.ServerConfig) error
	Disconnect(name string) error
	Reconnect(ctx context.Context, cfg upstream.ServerConfig) error
	Status(name string) (upstream.Status, bool)
	RegisterToolsFor(tools []upstream.AggregatedTool)
	UnregisterToolsFor(serverName string) []string
	Tools(name string) []upstream.AggregatedTool
}

// Engine runs the Sync Engine's three pollers: event consumption,
// reconciliation, and retention cleanup.
type Engine struct {
	cfg       Config
	instance  string
	events    *store.SyncEventStore
	repo      *store.ServerRepository
	connector Connector
	logger    *slog.Logger
}

// New creates an Engine. If cfg.InstanceID is empty, a UUID is minted.
func New(cfg Config, events *store.SyncEventStore, repo *store.ServerRepository, connector Connector, logger *slog.Logger) *Engine {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		instance:  cfg.InstanceID,
		events:    events,
		repo:      repo,
		connector: connector,
		logger:    logger.With("component", "sync_engine", "instance_id", cfg.InstanceID),
	}
}

// InstanceID returns this engine's instance identity.
func (e *Engine) InstanceID() string { return e.instance }

// eventPayload is the opaque event_data shape published for all five
// sync event types; handlers treat it as authoritative for REGISTERED and
// UPDATED even if the publisher's own row isn't visible yet.
type eventPayload struct {
	ServerName    string `json:"server_name"`
	URL           string `json:"url,omitempty"`
	AutoReconnect bool   `json:"auto_reconnect,omitempty"`
	TimeoutMS     int    `json:"timeout_ms,omitempty"`
	RetryAttempts int    `json:"retry_attempts,omitempty"`
}

// Publish appends a sync event for a locally-performed mutation so peer
// instances converge on it.
func (e *Engine) Publish(ctx context.Context, eventType store.SyncEventType, cfg upstream.ServerConfig) error {
	data, err := json.Marshal(eventPayload{
		ServerName:    cfg.Name,
		URL:           cfg.URL,
		AutoReconnect: cfg.AutoReconnect,
		TimeoutMS:     cfg.TimeoutMS,
		RetryAttempts: cfg.RetryAttempts,
	})
	if err != nil {
		return fmt.Errorf("syncengine: publish: %w", err)
	}
	_, err = e.events.Publish(ctx, eventType, data, e.instance)
	if err != nil {
		return fmt.Errorf("syncengine: publish: %w", err)
	}
	return nil
}

// Run starts the poll, reconcile, and cleanup loops and blocks until ctx
// is cancelled or any loop returns a fatal error. All three loops log and
// continue past per-iteration store errors rather than exiting.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.loop(ctx, e.cfg.PollInterval, e.pollOnce) })
	g.Go(func() error { return e.loop(ctx, e.cfg.ReconcileInterval, e.reconcileOnce) })
	g.Go(func() error { return e.loop(ctx, e.cfg.CleanupInterval, e.cleanupOnce) })

	return g.Wait()
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (e *Engine) pollOnce(ctx context.Context) {
	events, err := e.events.PollUnprocessed(ctx, e.instance, 100)
	if err != nil {
		e.logger.Error("poll failed", "error", err)
		return
	}

	for _, evt := range events {
		if evt.InstanceID == e.instance {
			if err := e.events.MarkProcessed(ctx, evt.ID, e.instance); err != nil {
				e.logger.Error("mark processed failed", "event", evt.ID, "error", err)
			}
			continue
		}
		e.apply(ctx, evt)
		if err := e.events.MarkProcessed(ctx, evt.ID, e.instance); err != nil {
			e.logger.Error("mark processed failed", "event", evt.ID, "error", err)
		}
	}
}

func (e *Engine) apply(ctx context.Context, evt *store.SyncEvent) {
	var payload eventPayload
	if err := json.Unmarshal(evt.EventData, &payload); err != nil {
		e.logger.Error("malformed event payload", "event", evt.ID, "error", err)
		return
	}

	cfg := upstream.ServerConfig{
		Name:          payload.ServerName,
		URL:           payload.URL,
		AutoReconnect: payload.AutoReconnect,
		TimeoutMS:     payload.TimeoutMS,
		RetryAttempts: payload.RetryAttempts,
	}

	switch evt.EventType {
	case store.EventRegistered, store.EventUpdated:
		if _, present := e.connector.Status(payload.ServerName); present {
			return
		}
		if err := e.connector.Connect(ctx, cfg); err != nil {
			e.logger.Warn("apply registered/updated failed", "server", payload.ServerName, "error", err)
			return
		}
		e.connector.RegisterToolsFor(e.connector.Tools(payload.ServerName))
	case store.EventUnregistered:
		if _, present := e.connector.Status(payload.ServerName); !present {
			return
		}
		e.connector.UnregisterToolsFor(payload.ServerName)
		if err := e.connector.Disconnect(payload.ServerName); err != nil {
			e.logger.Warn("apply unregistered failed", "server", payload.ServerName, "error", err)
		}
	case store.EventReconnected:
		status, present := e.connector.Status(payload.ServerName)
		if !present || status != upstream.StatusDisconnected {
			return
		}
		if err := e.connector.Reconnect(ctx, cfg); err != nil {
			e.logger.Warn("apply reconnected failed", "server", payload.ServerName, "error", err)
		}
	case store.EventDisconnected:
		status, present := e.connector.Status(payload.ServerName)
		if !present || status == upstream.StatusDisconnected {
			return
		}
		if err := e.connector.Disconnect(payload.ServerName); err != nil {
			e.logger.Warn("apply disconnected failed", "server", payload.ServerName, "error", err)
		}
	}
}

func (e *Engine) reconcileOnce(ctx context.Context) {
	servers, err := e.repo.FindAll(ctx, true)
	if err != nil {
		e.logger.Error("reconcile failed", "error", err)
		return
	}

	for _, s := range servers {
		if !s.Enabled {
			continue
		}
		cfg := upstream.ServerConfig{
			ID:            s.ID,
			Name:          s.Name,
			URL:           s.URL,
			AutoReconnect: s.AutoReconnect,
			TimeoutMS:     s.TimeoutMS,
			RetryAttempts: s.RetryAttempts,
		}

		status, present := e.connector.Status(s.Name)
		switch {
		case !present:
			if err := e.connector.Connect(ctx, cfg); err != nil {
				e.logger.Warn("reconcile connect failed", "server", s.Name, "error", err)
				continue
			}
			e.connector.RegisterToolsFor(e.connector.Tools(s.Name))
		case status == upstream.StatusDisconnected:
			if err := e.connector.Reconnect(ctx, cfg); err != nil {
				e.logger.Warn("reconcile reconnect failed", "server", s.Name, "error", err)
			}
		}
	}
}

func (e *Engine) cleanupOnce(ctx context.Context) {
	n, err := e.events.Cleanup(ctx, e.cfg.EventRetention)
	if err != nil {
		e.logger.Error("cleanup failed", "error", err)
		return
	}
	if n > 0 {
		e.logger.Debug("cleaned up sync events", "count", n)
	}
}
