package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncEventStore is the append-only cross-instance event log the Sync
// Engine polls to propagate registry changes between router instances.
type SyncEventStore struct {
	db DB
}

// NewSyncEventStore creates a SyncEventStore over db.
func NewSyncEventStore(db DB) *SyncEventStore {
	return &SyncEventStore{db: db}
}

// Publish appends one sync event, originated by originInstanceID, and
// returns it with its assigned id and timestamp.
func (s *SyncEventStore) Publish(ctx context.Context, eventType SyncEventType, data json.RawMessage, originInstanceID string) (*SyncEvent, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	const query = `
		INSERT INTO sync_events (event_type, event_data, instance_id, processed_by)
		VALUES ($1,$2,$3,ARRAY[$3]::TEXT[])
		RETURNING id, created_at`
	evt := &SyncEvent{
		EventType:   eventType,
		EventData:   data,
		InstanceID:  originInstanceID,
		ProcessedBy: []string{originInstanceID},
	}
	row := s.db.QueryRow(ctx, query, eventType, data, originInstanceID)
	if err := row.Scan(&evt.ID, &evt.CreatedAt); err != nil {
		return nil, fmt.Errorf("store: publish sync event: %w", err)
	}
	return evt, nil
}

// PollUnprocessed returns up to limit events, oldest first, that
// instanceID has not yet processed (its id is absent from processed_by).
// limit is clamped to 100 per the spec's batch size cap.
func (s *SyncEventStore) PollUnprocessed(ctx context.Context, instanceID string, limit int) ([]*SyncEvent, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	const query = `
		SELECT id, event_type, event_data, instance_id, created_at, processed_by, processed_at
		FROM sync_events
		WHERE NOT ($1 = ANY(processed_by))
		ORDER BY created_at ASC
		LIMIT $2`
	rows, err := s.db.Query(ctx, query, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: poll unprocessed: %w", err)
	}
	defer rows.Close()

	var events []*SyncEvent
	for rows.Next() {
		var evt SyncEvent
		if err := rows.Scan(&evt.ID, &evt.EventType, &evt.EventData, &evt.InstanceID, &evt.CreatedAt, &evt.ProcessedBy, &evt.ProcessedAt); err != nil {
			return nil, fmt.Errorf("store: poll unprocessed scan: %w", err)
		}
		events = append(events, &evt)
	}
	return events, rows.Err()
}

// MarkProcessed appends instanceID to the event's processed_by array and
// sets processed_at on first acknowledgement. It is idempotent: processing
// the same event twice from the same instance is a no-op array append.
func (s *SyncEventStore) MarkProcessed(ctx context.Context, eventID uuid.UUID, instanceID string) error {
	const query = `
		UPDATE sync_events
		SET processed_by = array_append(processed_by, $2),
		    processed_at = COALESCE(processed_at, now())
		WHERE id = $1 AND NOT ($2 = ANY(processed_by))`
	_, err := s.db.Exec(ctx, query, eventID, instanceID)
	if err != nil {
		return fmt.Errorf("store: mark processed: %w", err)
	}
	return nil
}

// Reconcile returns every event created at or after since that instanceID
// has not processed, oldest first and without the poll's batch limit, for
// catching up on events missed by the regular poll (e.g. after downtime).
func (s *SyncEventStore) Reconcile(ctx context.Context, instanceID string, since time.Time) ([]*SyncEvent, error) {
	const query = `
		SELECT id, event_type, event_data, instance_id, created_at, processed_by, processed_at
		FROM sync_events
		WHERE created_at >= $2 AND NOT ($1 = ANY(processed_by))
		ORDER BY created_at ASC`
	rows, err := s.db.Query(ctx, query, instanceID, since)
	if err != nil {
		return nil, fmt.Errorf("store: reconcile: %w", err)
	}
	defer rows.Close()

	var events []*SyncEvent
	for rows.Next() {
		var evt SyncEvent
		if err := rows.Scan(&evt.ID, &evt.EventType, &evt.EventData, &evt.InstanceID, &evt.CreatedAt, &evt.ProcessedBy, &evt.ProcessedAt); err != nil {
			return nil, fmt.Errorf("store: reconcile scan: %w", err)
		}
		events = append(events, &evt)
	}
	return events, rows.Err()
}

// Cleanup hard-deletes sync events older than retention. Events are only
// eligible once processed_at is set, so an event no live instance has
// acknowledged yet is never pruned.
func (s *SyncEventStore) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	hours := int(retention.Hours())
	if hours < 0 {
		return 0, fmt.Errorf("store: cleanup sync events: retention must be non-negative, got %s", retention)
	}
	query := fmt.Sprintf(
		`DELETE FROM sync_events WHERE processed_at IS NOT NULL AND processed_at < now() - INTERVAL '%d hours'`,
		hours,
	)
	tag, err := s.db.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup sync events: %w", err)
	}
	return tag.RowsAffected(), nil
}
