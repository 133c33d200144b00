package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Queries struct {
	db DBTX
}

func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

type InsertSessionEventParams struct {
	SessionID pgtype.UUID
	Kind      string
	Host      string
	Username  string
	Detail    string
	CreatedAt pgtype.Timestamptz
}

const insertSessionEvent = `
INSERT INTO session_events (session_id, kind, host, username, detail, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

func (q *Queries) InsertSessionEvent(ctx context.Context, arg InsertSessionEventParams) error {
	_, err := q.db.Exec(ctx, insertSessionEvent,
		arg.SessionID, arg.Kind, arg.Host, arg.Username, arg.Detail, arg.CreatedAt)
	return err
}

type sessionEventRow struct {
	ID        int64
	SessionID pgtype.UUID
	Kind      string
	Host      string
	Username  string
	Detail    string
	CreatedAt pgtype.Timestamptz
}

const listSessionEvents = `
SELECT id, session_id, kind, host, username, detail, created_at
FROM session_events
WHERE session_id = $1
ORDER BY created_at, id
LIMIT $2`

func (q *Queries) ListSessionEvents(ctx context.Context, sessionID pgtype.UUID, limit int32) ([]Event, error) {
	rows, err := q.db.Query(ctx, listSessionEvents, sessionID, limit)
	if err != nil {
		return nil, err
	}
	records, err := pgx.CollectRows(rows, pgx.RowToStructByPos[sessionEventRow])
	if err != nil {
		return nil, fmt.Errorf("scan session events: %w", err)
	}

	events := make([]Event, len(records))
	for i, r := range records {
		events[i] = Event{
			ID:        r.ID,
			SessionID: uuid.UUID(r.SessionID.Bytes).String(),
			Kind:      r.Kind,
			Host:      r.Host,
			Username:  r.Username,
			Detail:    r.Detail,
			CreatedAt: r.CreatedAt.Time,
		}
	}
	return events, nil
}

func timestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}
