package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends events to the durable log inside the caller's transaction
// and fans them out to any registered notifier. Notification is
// fire-and-forget; a slow or absent observer never blocks a mutation.
type Writer struct {
	DB       *sql.DB
	Now      func() time.Time
	Notifier Notifier
}

type EventPayload map[string]any

// Notifier receives progress events as they are written.
type Notifier interface {
	Notify(evtType, entityKind, entityID string, payload EventPayload)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(evtType, entityKind, entityID string, payload EventPayload)

func (f NotifierFunc) Notify(evtType, entityKind, entityID string, payload EventPayload) {
	f(evtType, entityKind, entityID, payload)
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), string(data))
	if err != nil {
		return err
	}
	if w.Notifier != nil {
		w.Notifier.Notify(evtType, entityKind, entityID, payload)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
