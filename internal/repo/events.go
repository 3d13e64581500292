package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskdeck/internal/domain"
)

// EventLog queries the events table written by events.Writer.
type EventLog struct {
	DB *sql.DB
}

const eventColumns = `id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

// LatestEvents returns up to n most recent events, newest first, optionally filtered.
func (l EventLog) LatestEvents(ctx context.Context, n int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if l.DB == nil {
		return []domain.Event{}, nil
	}
	var (
		clauses []string
		args    []any
	)
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if n > 0 {
		query += " LIMIT ?"
		args = append(args, n)
	}
	return l.query(ctx, query, args...)
}

// EventsAfter returns up to limit events with id greater than afterID, oldest first.
func (l EventLog) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	if l.DB == nil {
		return []domain.Event{}, nil
	}
	return l.query(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
}

// LatestEventID returns the highest event id, or 0 when the log is empty.
func (l EventLog) LatestEventID(ctx context.Context) (int64, error) {
	if l.DB == nil {
		return 0, nil
	}
	var id sql.NullInt64
	if err := l.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (l EventLog) query(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
