// Package audit provides the append-only audit trail. Live-session writes
// are flushed synchronously before the triggering operation completes;
// paper-mode writes go through a batching writer for throughput.
package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"execution-core/pkg/db"
)

// Event kinds recorded by the core. Every Order/Position/Session state
// transition produces exactly one event.
const (
	KindOrderTransition    = "order_transition"
	KindPositionTransition = "position_transition"
	KindModeChange         = "mode_change"
	KindSessionStart       = "session_start"
	KindSessionStop        = "session_stop"
	KindRiskEvent          = "risk_event"
	KindReconciliation     = "reconciliation"
	KindSquareOff          = "square_off"
)

// Entity types referenced by audit events.
const (
	EntityOrder    = "order"
	EntityPosition = "position"
	EntitySession  = "session"
	EntityAdapter  = "adapter"
)

// Event is one audit record before persistence.
type Event struct {
	Kind       string
	EntityType string
	EntityID   string
	SessionID  string
	Payload    map[string]any
}

// Trail is the audit write/query service.
type Trail struct {
	db    *db.Database
	batch *batchWriter
}

// New creates a trail; the batch writer services best-effort paper writes.
func New(database *db.Database) *Trail {
	return &Trail{
		db:    database,
		batch: newBatchWriter(database, 50, 500*time.Millisecond),
	}
}

// Record appends an event durably; the call returns only after commit.
// Use for live-session events where durability gates completion.
func (t *Trail) Record(ctx context.Context, e Event) error {
	row, err := t.toRow(e)
	if err != nil {
		return err
	}
	if t.db == nil {
		return nil
	}
	if err := t.db.InsertAuditEvent(ctx, row); err != nil {
		log.Printf("audit: record error: %v", err)
		return err
	}
	return nil
}

// RecordAsync enqueues an event on the batching path. Used for paper-mode
// events where throughput beats durability.
func (t *Trail) RecordAsync(e Event) {
	row, err := t.toRow(e)
	if err != nil {
		log.Printf("audit: drop malformed event: %v", err)
		return
	}
	t.batch.write(row)
}

func (t *Trail) toRow(e Event) (db.AuditEvent, error) {
	payload := "{}"
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return db.AuditEvent{}, err
		}
		payload = string(b)
	}
	return db.AuditEvent{
		ID:         uuid.NewString(),
		Kind:       e.Kind,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		SessionID:  e.SessionID,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}, nil
}

// Query returns matching audit events.
func (t *Trail) Query(ctx context.Context, f db.AuditFilter) ([]db.AuditEvent, error) {
	if t.db == nil {
		return nil, nil
	}
	// Queries must see batched rows too.
	if err := t.batch.flush(); err != nil {
		log.Printf("audit: pre-query flush error: %v", err)
	}
	return t.db.QueryAuditEvents(ctx, f)
}

// Flush drains the batching path; called on shutdown.
func (t *Trail) Flush() error {
	return t.batch.flush()
}

// Close stops the background flusher after a final flush.
func (t *Trail) Close() error {
	return t.batch.close()
}
