package session

import "time"

const (
	KindCreated   = "created"
	KindConnected = "connected"
	KindFailed    = "failed"
	KindDestroyed = "destroyed"
	KindCommand   = "command"
)

// AuditEvent is one entry of the session audit trail.
type AuditEvent struct {
	Kind      string
	SessionID string
	Host      string
	Username  string
	Detail    string
	At        time.Time
}

// Recorder persists audit events. Implementations must not block the
// caller on I/O.
type Recorder interface {
	Record(ev AuditEvent)
}

type nopRecorder struct{}

func (nopRecorder) Record(AuditEvent) {}
