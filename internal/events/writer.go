package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"complyline/internal/domain"
)

// Writer appends change events inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Record describes one change; UpdateID scopes it to an update aggregate.
type Record struct {
	Type       string
	UpdateID   string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

// Append writes rec and returns the stored event so the caller can publish
// it once the transaction commits.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) (domain.Event, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	payload := rec.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	if rec.ActorID == "" {
		rec.ActorID = "system"
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,update_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, rec.Type, nullable(rec.UpdateID), rec.EntityKind, nullable(rec.EntityID), rec.ActorID, string(data))
	if err != nil {
		return domain.Event{}, fmt.Errorf("append event %s: %w", rec.Type, err)
	}
	id, _ := res.LastInsertId()
	return domain.Event{
		ID:         id,
		TS:         ts,
		Type:       rec.Type,
		UpdateID:   rec.UpdateID,
		EntityKind: rec.EntityKind,
		EntityID:   rec.EntityID,
		ActorID:    rec.ActorID,
		Payload:    string(data),
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
