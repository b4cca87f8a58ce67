package store

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestAuditBuffer_Record_RedactsPerConfig(t *testing.T) {
	var written []*ToolCallAudit
	var writtenArgs []any
	db := &mockDB{
		execFunc: func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
			writtenArgs = append(writtenArgs, args[2])
			written = append(written, &ToolCallAudit{
				Server: args[0].(string),
			})
			return pgconn.CommandTag{}, nil
		},
	}
	cfg := AuditBufferConfig{BatchSize: 1, FlushInterval: time.Hour, LogArguments: false, LogResponses: false}
	buf := NewAuditBuffer(db, cfg, nil)
	buf.Start(context.Background())
	defer buf.Shutdown(context.Background())

	buf.Record(&ToolCallAudit{Server: "weather", Tool: "forecast", Arguments: json.RawMessage(`{"city":"nyc"}`)})

	deadline := time.After(time.Second)
	for len(written) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for audit batch to flush")
		case <-time.After(time.Millisecond):
		}
	}
	if written[0].Server != "weather" {
		t.Errorf("expected flushed row for weather, got %+v", written[0])
	}
	if writtenArgs[0] != nil {
		t.Errorf("expected arguments redacted when LogArguments=false, got %v", writtenArgs[0])
	}
}

func TestAuditBuffer_Shutdown_DrainsPending(t *testing.T) {
	var flushed int64
	db := &mockDB{
		execFunc: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
			atomic.AddInt64(&flushed, 1)
			return pgconn.CommandTag{}, nil
		},
	}
	cfg := AuditBufferConfig{BatchSize: 100, FlushInterval: time.Hour}
	buf := NewAuditBuffer(db, cfg, nil)
	buf.Start(context.Background())

	buf.Record(&ToolCallAudit{Server: "a", Tool: "t"})
	buf.Record(&ToolCallAudit{Server: "b", Tool: "t"})

	buf.Shutdown(context.Background())

	if atomic.LoadInt64(&flushed) != 2 {
		t.Errorf("expected Shutdown to flush both pending rows, flushed=%d", flushed)
	}
}

func TestAuditBuffer_Record_BatchSizeTriggersFlush(t *testing.T) {
	flushed := make(chan struct{}, 1)
	db := &mockDB{
		execFunc: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
			select {
			case flushed <- struct{}{}:
			default:
			}
			return pgconn.CommandTag{}, nil
		},
	}
	cfg := AuditBufferConfig{BatchSize: 2, FlushInterval: time.Hour}
	buf := NewAuditBuffer(db, cfg, nil)
	buf.Start(context.Background())
	defer buf.Shutdown(context.Background())

	buf.Record(&ToolCallAudit{Server: "a", Tool: "t"})
	buf.Record(&ToolCallAudit{Server: "b", Tool: "t"})

	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("expected batch-size trigger to flush before FlushInterval elapses")
	}
}
