package session

// Event types emitted by the session layer. Collectors and the gateway
// add their own.
const (
	EventStatus        = "status"
	EventSession       = "session"
	EventOutput        = "output"
	EventTransferReady = "transfer.ready"
	EventError         = "error"
)

type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Payload   any    `json:"data,omitempty"`
}

type StatusPayload struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

type SessionPayload struct {
	SessionID string `json:"session_id"`
	Host      string `json:"host"`
	Username  string `json:"username"`
}

type ErrorPayload struct {
	Feature string `json:"feature"`
	Message string `json:"message"`
}

// Observer receives the events of the sessions it is attached to.
// Send must not block for long; slow observers may drop events.
type Observer interface {
	ID() string
	Send(ev Event) error
}

func StatusEvent(sessionID, state, message string) Event {
	return Event{
		Type:      EventStatus,
		SessionID: sessionID,
		Payload:   StatusPayload{State: state, Message: message},
	}
}

func ErrorEvent(sessionID, feature string, err error) Event {
	return Event{
		Type:      EventError,
		SessionID: sessionID,
		Payload:   ErrorPayload{Feature: feature, Message: err.Error()},
	}
}
