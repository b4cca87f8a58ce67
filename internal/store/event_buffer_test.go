package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestEventBuffer_Record_DefaultsEmptyDetails(t *testing.T) {
	var capturedDetails []byte
	done := make(chan struct{})
	db := &mockDB{
		execFunc: func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
			capturedDetails = args[3].(json.RawMessage)
			close(done)
			return pgconn.CommandTag{}, nil
		},
	}
	buf := NewEventBuffer(db, EventBufferConfig{BatchSize: 1, FlushInterval: time.Hour}, nil)
	buf.Start(context.Background())
	defer buf.Shutdown(context.Background())

	buf.Record(uuid.New(), ServerEventConnected, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event flush")
	}
	if string(capturedDetails) != "{}" {
		t.Errorf("expected empty details to default to {}, got %q", capturedDetails)
	}
}

func TestEventBuffer_Shutdown_StopsBackgroundLoop(t *testing.T) {
	db := &mockDB{}
	buf := NewEventBuffer(db, DefaultEventBufferConfig(), nil)
	buf.Start(context.Background())
	buf.Shutdown(context.Background())
	// a second Shutdown must not panic (stopOnce guards the close)
	buf.Shutdown(context.Background())
}
