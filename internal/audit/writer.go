package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

type Entry struct {
	Operation      string
	EntityKind     string
	EntityID       string
	ProjectID      string
	ActorID        string
	Outcome        string
	IdempotencyKey string
	Payload        Payload
}

// Append writes the audit row inside the caller's transaction, so the record
// commits with the state change it describes. Entries carrying an idempotency
// key are deduplicated per (key, outcome): a replay of an already-recorded
// attempt is a no-op.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	var idemKey any
	if e.IdempotencyKey != "" {
		idemKey = e.IdempotencyKey
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_log(ts,operation,entity_kind,entity_id,project_id,actor_id,outcome,idempotency_key,payload_json)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(idempotency_key,outcome) WHERE idempotency_key IS NOT NULL DO NOTHING`,
		ts, e.Operation, e.EntityKind, e.EntityID, e.ProjectID, e.ActorID, e.Outcome, idemKey, string(data))
	return err
}
