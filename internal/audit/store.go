// Package audit persists the session audit trail: lifecycle transitions
// and every operator command.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/EternisAI/shellmux/internal/session"
)

const (
	writeTimeout     = 5 * time.Second
	DefaultListLimit = 500
)

var ErrInvalidSessionID = errors.New("invalid session ID")

type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Host      string    `json:"host"`
	Username  string    `json:"username"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type querier interface {
	InsertSessionEvent(ctx context.Context, arg InsertSessionEventParams) error
	ListSessionEvents(ctx context.Context, sessionID pgtype.UUID, limit int32) ([]Event, error)
}

// Store writes audit events in the background so the session path never
// waits on the database.
type Store struct {
	queries querier
	wg      sync.WaitGroup
}

func NewStore(db DBTX) *Store {
	return newStore(NewQueries(db))
}

func newStore(q querier) *Store {
	return &Store{queries: q}
}

// Record implements session.Recorder.
func (s *Store) Record(ev session.AuditEvent) {
	id, err := uuid.Parse(ev.SessionID)
	if err != nil {
		slog.Warn("Dropping audit event with invalid session id", "session_id", ev.SessionID, "kind", ev.Kind)
		return
	}
	arg := InsertSessionEventParams{
		SessionID: pgtype.UUID{Bytes: id, Valid: true},
		Kind:      ev.Kind,
		Host:      ev.Host,
		Username:  ev.Username,
		Detail:    ev.Detail,
		CreatedAt: timestamptz(ev.At),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.queries.InsertSessionEvent(ctx, arg); err != nil {
			slog.Error("Failed to record audit event",
				"session_id", ev.SessionID,
				"kind", ev.Kind,
				"error", err)
		}
	}()
}

func (s *Store) ListSessionEvents(ctx context.Context, sessionID string) ([]Event, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, ErrInvalidSessionID
	}
	events, err := s.queries.ListSessionEvents(ctx, pgtype.UUID{Bytes: id, Valid: true}, DefaultListLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	return events, nil
}

// Flush waits for pending writes.
func (s *Store) Flush() {
	s.wg.Wait()
}
