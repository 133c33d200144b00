package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/EternisAI/shellmux/internal/session"
)

var (
	ErrNotAttached    = errors.New("not attached to a session")
	ErrUnknownMessage = errors.New("unknown message type")
	errSendQueueFull  = errors.New("send queue full")
	errClientClosed   = errors.New("client closed")
)

type clientState string

const (
	stateUnattached clientState = "unattached"
	stateAttaching  clientState = "attaching"
	stateAttached   clientState = "attached"
	stateDetached   clientState = "detached"
	stateExpired    clientState = "expired"
)

// Client is one observer connection. It reads requests on the Serve
// goroutine and writes every outbound event from a single send loop.
type Client struct {
	id   string
	g    *Gateway
	sock Socket

	ctx    context.Context
	cancel context.CancelFunc
	sendCh chan session.Event

	closeOnce sync.Once
	wg        sync.WaitGroup

	mu        sync.Mutex
	state     clientState
	sessionID string
}

func newClient(ctx context.Context, g *Gateway, sock Socket) *Client {
	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		id:     uuid.NewString(),
		g:      g,
		sock:   sock,
		ctx:    ctx,
		cancel: cancel,
		sendCh: make(chan session.Event, sendChannelBuffer),
		state:  stateUnattached,
	}
	go func() {
		<-ctx.Done()
		c.closeSocket()
	}()
	slog.Debug("Client connected", "observer_id", c.id)
	return c
}

func (c *Client) ID() string {
	return c.id
}

// Send queues ev for delivery without blocking. A closed status for the
// client's own session expires the attachment.
func (c *Client) Send(ev session.Event) error {
	if ev.Type == session.EventStatus {
		if st, ok := ev.Payload.(session.StatusPayload); ok && st.State == "closed" {
			c.mu.Lock()
			if c.sessionID == ev.SessionID {
				c.state = stateExpired
				c.sessionID = ""
			}
			c.mu.Unlock()
		}
	}

	if c.ctx.Err() != nil {
		return errClientClosed
	}
	select {
	case c.sendCh <- ev:
		return nil
	default:
		slog.Warn("Client send queue full, dropping event",
			"observer_id", c.id,
			"type", ev.Type)
		return errSendQueueFull
	}
}

// State reports the attachment state and the session it refers to.
func (c *Client) State() (clientState, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.sessionID
}

func (c *Client) setState(st clientState, sessionID string) {
	c.mu.Lock()
	c.state = st
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *Client) sendLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.sendCh:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteJSON(ev); err != nil {
				slog.Debug("Client write failed", "observer_id", c.id, "error", err)
				c.cancel()
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	for {
		var msg Message
		if err := c.sock.ReadJSON(&msg); err != nil {
			if isDecodeError(err) {
				c.fail("", FeatureSession, fmt.Errorf("malformed message: %w", err))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Client connection closed unexpectedly", "observer_id", c.id, "error", err)
			} else {
				slog.Debug("Client connection closed", "observer_id", c.id, "error", err)
			}
			return
		}
		if c.ctx.Err() != nil {
			return
		}
		c.handle(msg)
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

// close detaches from the session, which keeps running, and releases the
// socket.
func (c *Client) close() {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	id := c.sessionID
	if c.state != stateExpired {
		c.state = stateDetached
	}
	c.sessionID = ""
	c.mu.Unlock()
	if id != "" {
		c.g.registry.Detach(id, c)
	}
	c.closeSocket()
	slog.Debug("Client disconnected", "observer_id", c.id, "session_id", id)
}

func (c *Client) closeSocket() {
	c.closeOnce.Do(func() {
		_ = c.sock.Close()
	})
}

// leave detaches from the current session, if any, without ending it.
func (c *Client) leave() {
	c.mu.Lock()
	id := c.sessionID
	c.sessionID = ""
	c.state = stateUnattached
	c.mu.Unlock()
	if id != "" {
		c.g.registry.Detach(id, c)
	}
}

// async runs a one-shot request off the read loop. Its reply goes to
// this client only.
func (c *Client) async(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

func (c *Client) reply(sessionID, eventType string, payload any) {
	_ = c.Send(session.Event{Type: eventType, SessionID: sessionID, Payload: payload})
}

func (c *Client) fail(sessionID, feature string, err error) {
	slog.Debug("Request failed",
		"observer_id", c.id,
		"session_id", sessionID,
		"feature", feature,
		"error", err)
	_ = c.Send(session.ErrorEvent(sessionID, feature, err))
}

// current returns the connected session the client is attached to.
func (c *Client) current() (*session.Session, error) {
	st, id := c.State()
	if st != stateAttached || id == "" {
		return nil, ErrNotAttached
	}
	s, ok := c.g.registry.Get(id)
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	if s.State() != session.StateConnected {
		return nil, session.ErrNotConnected
	}
	return s, nil
}
