package repo

import (
	"context"
	"database/sql"
	"strings"

	"drdflow/internal/domain"
)

const eventColumns = `id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

// where accumulates optional AND clauses; empty values are skipped.
type where struct {
	clauses []string
	args    []any
}

func (w *where) eq(column, value string) {
	if value != "" {
		w.clauses = append(w.clauses, column+"=?")
		w.args = append(w.args, value)
	}
}

func (w *where) cmp(expr string, id int64) {
	if id > 0 {
		w.clauses = append(w.clauses, expr)
		w.args = append(w.args, id)
	}
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// EventFilter narrows LatestEvents.
type EventFilter struct {
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
	// Before returns events with ids strictly lower than the cursor.
	Before int64
	Limit  int
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	var w where
	w.eq("project_id", f.ProjectID)
	w.eq("type", f.Type)
	w.eq("entity_kind", f.EntityKind)
	w.eq("entity_id", f.EntityID)
	w.cmp("id<?", f.Before)
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM events`+w.sql()+` ORDER BY id DESC LIMIT ?`,
		append(w.args, f.Limit)...)
}

// EventsAfter returns up to limit events with ids above cursor, oldest first.
// Webhook delivery tails the log with it.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	var w where
	w.eq("project_id", projectID)
	w.cmp("id>?", cursor)
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT `+eventColumns+` FROM events`+w.sql()+` ORDER BY id ASC LIMIT ?`,
		append(w.args, limit)...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID is the highest event id of a project, 0 when it has none.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID).Scan(&id)
	return id, err
}

// CountEvents counts events of one type for an entity.
func (r Repo) CountEvents(ctx context.Context, evtType, entityID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE type=? AND entity_id=?`, evtType, entityID).Scan(&n)
	return n, err
}
