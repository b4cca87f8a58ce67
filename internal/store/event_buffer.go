package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventBufferConfig controls when a buffered batch of server events is
// flushed. It mirrors AuditBufferConfig's size/time trigger shape.
type EventBufferConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultEventBufferConfig matches the spec's documented defaults.
func DefaultEventBufferConfig() EventBufferConfig {
	return EventBufferConfig{
		BatchSize:     10,
		FlushInterval: 5 * time.Second,
	}
}

// EventBuffer batches server lifecycle events (connect, disconnect, error,
// tool_loaded, health_check, ...) and flushes them to server_events. Like
// AuditBuffer, it is best-effort: a write failure drops the batch.
type EventBuffer struct {
	db     DB
	cfg    EventBufferConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending []*ServerEvent

	flushNow chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewEventBuffer creates an EventBuffer over db.
func NewEventBuffer(db DB, cfg EventBufferConfig, logger *slog.Logger) *EventBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBuffer{
		db:       db,
		cfg:      cfg,
		logger:   logger.With("component", "event_buffer"),
		flushNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Record queues a server lifecycle event for the given server.
func (b *EventBuffer) Record(serverID uuid.UUID, eventType ServerEventType, details json.RawMessage) {
	if len(details) == 0 {
		details = json.RawMessage("{}")
	}
	entry := &ServerEvent{
		ID:       uuid.New(),
		ServerID: serverID,
		Type:     eventType,
		Details:  details,
	}

	b.mu.Lock()
	b.pending = append(b.pending, entry)
	full := len(b.pending) >= b.cfg.BatchSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushNow <- struct{}{}:
		default:
		}
	}
}

// Start launches the periodic flush loop.
func (b *EventBuffer) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
}

func (b *EventBuffer) run(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flush(context.Background())
			return
		case <-b.done:
			b.flush(context.Background())
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushNow:
			b.flush(ctx)
		}
	}
}

func (b *EventBuffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	const query = `INSERT INTO server_events (id, server_id, type, details) VALUES ($1,$2,$3,$4)`
	for _, entry := range batch {
		if _, err := b.db.Exec(ctx, query, entry.ID, entry.ServerID, entry.Type, entry.Details); err != nil {
			b.logger.Error("server event batch dropped", "error", fmt.Errorf("write server event: %w", err), "count", len(batch))
			return
		}
	}
}

// Shutdown stops the flush loop after draining any pending batch.
func (b *EventBuffer) Shutdown(ctx context.Context) {
	b.stopOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}
