package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AuditBufferConfig controls when a buffered batch is flushed.
type AuditBufferConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	LogArguments  bool
	LogResponses  bool
}

// DefaultAuditBufferConfig matches the spec's documented defaults.
func DefaultAuditBufferConfig() AuditBufferConfig {
	return AuditBufferConfig{
		BatchSize:     20,
		FlushInterval: 10 * time.Second,
		LogArguments:  true,
		LogResponses:  false,
	}
}

// AuditBuffer batches tool-call audit rows in memory and flushes them to the
// tool_calls table on a size or time trigger. A flush failure drops the
// batch: this is a best-effort audit trail, not a durable queue.
type AuditBuffer struct {
	db     DB
	cfg    AuditBufferConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending []*ToolCallAudit

	flushNow chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewAuditBuffer creates an AuditBuffer. Call Start to begin the background
// flush loop and Shutdown to drain it.
func NewAuditBuffer(db DB, cfg AuditBufferConfig, logger *slog.Logger) *AuditBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditBuffer{
		db:       db,
		cfg:      cfg,
		logger:   logger.With("component", "audit_buffer"),
		flushNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Record queues an audit row, sanitizing arguments/response per config, and
// triggers an immediate flush once the batch reaches BatchSize.
func (b *AuditBuffer) Record(entry *ToolCallAudit) {
	if !b.cfg.LogArguments {
		entry.Arguments = nil
	}
	if !b.cfg.LogResponses {
		entry.Response = nil
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

// Start launches the periodic flush loop. It returns once the loop goroutine
// has been spawned; call Shutdown to stop it.
func (b *AuditBuffer) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
}

func (b *AuditBuffer) run(ctx context.Context) {
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

func (b *AuditBuffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if err := b.write(ctx, batch); err != nil {
		b.logger.Error("audit batch dropped", "error", err, "count", len(batch))
	}
}

func (b *AuditBuffer) write(ctx context.Context, batch []*ToolCallAudit) error {
	const query = `
		INSERT INTO tool_calls (server, tool, arguments, response, duration_ms, status, error_message, user_id, user_email, api_key_prefix)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	for _, entry := range batch {
		_, err := b.db.Exec(ctx, query,
			entry.Server, entry.Tool, nullableJSON(entry.Arguments), nullableJSON(entry.Response),
			entry.DurationMS, entry.Status, entry.ErrorMessage, entry.UserID, entry.UserEmail, entry.APIKeyPrefix,
		)
		if err != nil {
			return fmt.Errorf("write tool call audit: %w", err)
		}
	}
	return nil
}

// Shutdown stops the flush loop after draining any pending batch.
func (b *AuditBuffer) Shutdown(ctx context.Context) {
	b.stopOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
