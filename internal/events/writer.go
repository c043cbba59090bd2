package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sparlo/internal/domain"
)

// Event types appended by the engine.
const (
	ReportCreated          = "report.created"
	ReportStageCompleted   = "report.stage.completed"
	ClarificationRequested = "report.clarification.requested"
	ClarificationAnswered  = "report.clarification.answered"
	ReportCompleted        = "report.completed"
	ReportFailed           = "report.failed"
	ReportCancelled        = "report.cancelled"
	ReportRerunRequested   = "report.rerun.requested"
	ReportRerunConfirmed   = "report.rerun.confirmed"
	ReportRerunDeclined    = "report.rerun.declined"
	UsageDebited           = "usage.debited"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction so the event and
// the state change it describes commit or roll back together.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, accountID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,account_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, accountID, entityKind, nullable(entityID), actorID, string(data))
	return err
}

// After returns events with id greater than afterID, oldest first, up to
// limit. Used by the webhook dispatcher cursor loop.
func (w Writer) After(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,type,account_id,entity_kind,COALESCE(entity_id,''),COALESCE(actor_id,''),COALESCE(payload_json,'') FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.AccountID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ForEntity returns the audit trail for one entity, oldest first.
func (w Writer) ForEntity(ctx context.Context, entityKind, entityID string) ([]domain.Event, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,type,account_id,entity_kind,COALESCE(entity_id,''),COALESCE(actor_id,''),COALESCE(payload_json,'') FROM events WHERE entity_kind=? AND entity_id=? ORDER BY id ASC`, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.AccountID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Latest returns the newest events, optionally filtered by type, newest
// first.
func (w Writer) Latest(ctx context.Context, limit int, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id,ts,type,account_id,entity_kind,COALESCE(entity_id,''),COALESCE(actor_id,''),COALESCE(payload_json,'') FROM events`
	args := []any{}
	if evtType != "" {
		query += ` WHERE type=?`
		args = append(args, evtType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.AccountID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
