package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/shellmux/internal/session"
)

// MockQuerier is a mock implementation of querier
type MockQuerier struct {
	mock.Mock
}

func (m *MockQuerier) InsertSessionEvent(ctx context.Context, arg InsertSessionEventParams) error {
	args := m.Called(ctx, arg)
	return args.Error(0)
}

func (m *MockQuerier) ListSessionEvents(ctx context.Context, sessionID pgtype.UUID, limit int32) ([]Event, error) {
	args := m.Called(ctx, sessionID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Event), args.Error(1)
}

func TestStore_Record(t *testing.T) {
	q := new(MockQuerier)
	s := newStore(q)
	id := uuid.New()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	q.On("InsertSessionEvent", mock.Anything, InsertSessionEventParams{
		SessionID: pgtype.UUID{Bytes: id, Valid: true},
		Kind:      session.KindCommand,
		Host:      "10.1.1.1",
		Username:  "ops",
		Detail:    "uname -a",
		CreatedAt: pgtype.Timestamptz{Time: at, Valid: true},
	}).Return(nil).Once()

	s.Record(session.AuditEvent{
		Kind:      session.KindCommand,
		SessionID: id.String(),
		Host:      "10.1.1.1",
		Username:  "ops",
		Detail:    "uname -a",
		At:        at,
	})
	s.Flush()

	q.AssertExpectations(t)
}

func TestStore_RecordDropsInvalidSessionID(t *testing.T) {
	q := new(MockQuerier)
	s := newStore(q)

	s.Record(session.AuditEvent{Kind: session.KindCreated, SessionID: "not-a-uuid"})
	s.Flush()

	q.AssertNotCalled(t, "InsertSessionEvent", mock.Anything, mock.Anything)
}

func TestStore_RecordFailureIsSwallowed(t *testing.T) {
	q := new(MockQuerier)
	s := newStore(q)
	q.On("InsertSessionEvent", mock.Anything, mock.Anything).Return(errors.New("connection refused")).Once()

	assert.NotPanics(t, func() {
		s.Record(session.AuditEvent{Kind: session.KindFailed, SessionID: uuid.NewString()})
		s.Flush()
	})
	q.AssertExpectations(t)
}

func TestStore_ListSessionEvents(t *testing.T) {
	q := new(MockQuerier)
	s := newStore(q)
	id := uuid.New()
	want := []Event{{ID: 1, SessionID: id.String(), Kind: session.KindCreated}}

	q.On("ListSessionEvents", mock.Anything, pgtype.UUID{Bytes: id, Valid: true}, int32(DefaultListLimit)).Return(want, nil)

	got, err := s.ListSessionEvents(context.Background(), id.String())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = s.ListSessionEvents(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestStore_ListSessionEventsError(t *testing.T) {
	q := new(MockQuerier)
	s := newStore(q)
	q.On("ListSessionEvents", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	_, err := s.ListSessionEvents(context.Background(), uuid.NewString())
	assert.ErrorContains(t, err, "boom")
}
