// Package store persists Server Configs, the append-only sync event log,
// server events, and tool-call audit rows behind a narrow DB interface
// satisfied by both *pgxpool.Pool and *pgx.Conn.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ServerConfig is the persisted configuration of one upstream MCP server.
type ServerConfig struct {
	ID            uuid.UUID
	Name          string
	URL           string
	Description   string
	Enabled       bool
	AutoReconnect bool
	TimeoutMS     int
	RetryAttempts int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// DefaultTimeoutMS is applied to a ServerConfig when the caller doesn't set one.
const DefaultTimeoutMS = 30000

// DefaultRetryAttempts is applied to a ServerConfig when the caller doesn't set one.
const DefaultRetryAttempts = 3

// SyncEventType enumerates the append-only sync event log's event kinds.
type SyncEventType string

// Sync event types, per the spec's data model.
const (
	EventRegistered   SyncEventType = "REGISTERED"
	EventUnregistered SyncEventType = "UNREGISTERED"
	EventUpdated      SyncEventType = "UPDATED"
	EventReconnected  SyncEventType = "RECONNECTED"
	EventDisconnected SyncEventType = "DISCONNECTED"
)

// SyncEvent is one row of the append-only cross-instance event log.
type SyncEvent struct {
	ID          uuid.UUID
	EventType   SyncEventType
	EventData   json.RawMessage
	InstanceID  string
	CreatedAt   time.Time
	ProcessedBy []string
	ProcessedAt *time.Time
}

// AuditStatus is the outcome of a forwarded tool call.
type AuditStatus string

// Audit statuses.
const (
	AuditSuccess AuditStatus = "success"
	AuditError   AuditStatus = "error"
)

// ToolCallAudit is one recorded invocation of a namespaced tool.
type ToolCallAudit struct {
	ID           uuid.UUID
	Server       string
	Tool         string
	Arguments    json.RawMessage
	Response     json.RawMessage
	DurationMS   int64
	Status       AuditStatus
	ErrorMessage string
	UserID       string
	UserEmail    string
	APIKeyPrefix string
	CreatedAt    time.Time
}

// ServerEventType enumerates the kinds of server lifecycle events recorded
// for observability.
type ServerEventType string

// Server event types.
const (
	ServerEventConnected    ServerEventType = "connected"
	ServerEventDisconnected ServerEventType = "disconnected"
	ServerEventError        ServerEventType = "error"
	ServerEventRegistered   ServerEventType = "registered"
	ServerEventUnregistered ServerEventType = "unregistered"
	ServerEventToolLoaded   ServerEventType = "tool_loaded"
	ServerEventHealthCheck  ServerEventType = "health_check"
)

// ServerEvent is one recorded lifecycle event for a server.
type ServerEvent struct {
	ID        uuid.UUID
	ServerID  uuid.UUID
	Type      ServerEventType
	Details   json.RawMessage
	CreatedAt time.Time
}
