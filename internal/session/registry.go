// Package session owns remote login sessions: their lifecycle, the
// observers attached to them, replay of recent output and the shell
// plumbing virtual calls run on.
package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EternisAI/shellmux/internal/clock"
	"github.com/EternisAI/shellmux/internal/metrics"
	"github.com/EternisAI/shellmux/internal/remote"
	"github.com/EternisAI/shellmux/internal/vcall"
)

const (
	DefaultIdleTimeout = 5 * time.Minute
	DefaultDialTimeout = 15 * time.Second

	readBufferSize = 32 * 1024
)

type Config struct {
	IdleTimeout time.Duration
	ReplaySize  int
	DialTimeout time.Duration
	PTY         remote.PTYConfig
	TempDir     string
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func WithRecorder(rec Recorder) Option {
	return func(r *Registry) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry is the process-wide table of live sessions.
type Registry struct {
	dialer   remote.Dialer
	cfg      Config
	clock    clock.Clock
	recorder Recorder
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(dialer remote.Dialer, cfg Config, opts ...Option) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = DefaultReplaySize
	}
	if cfg.PTY.Term == "" {
		cfg.PTY = remote.DefaultPTYConfig()
	}

	r := &Registry{
		dialer:   dialer,
		cfg:      cfg,
		clock:    clock.Real(),
		recorder: nopRecorder{},
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new session in the connecting state. It does not
// dial; see Connect.
func (r *Registry) Create(creds remote.Credentials) *Session {
	now := r.clock.Now()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		creds:        creds,
		clock:        r.clock,
		idleTimeout:  r.cfg.IdleTimeout,
		replay:       NewReplayBuffer(r.cfg.ReplaySize),
		dispatcher:   vcall.NewDispatcher(),
		ctx:          ctx,
		cancel:       cancel,
		writes:       make(chan writeRequest, writeQueueSize),
		state:        StateConnecting,
		observers:    make(map[string]Observer),
		lastActivity: now,
		jobs:         make(map[string]*job),
	}
	s.caller = vcall.NewCaller(s, vcall.Config{
		TempDir: r.cfg.TempDir,
		Clock:   r.clock,
		Metrics: r.metrics,
	})
	id := s.ID
	s.onIdle = func() { r.destroy(id, "evicted", "session idle timeout") }

	s.mu.Lock()
	s.armLocked()
	s.mu.Unlock()

	r.mu.Lock()
	r.sessions[id] = s
	total := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SessionOpened()
	r.record(KindCreated, s, "")
	slog.Info("Session created",
		"session_id", id,
		"remote", creds.String(),
		"total_sessions", total)
	return s
}

// Connect dials and authenticates, then opens the shell followed by the
// file-transfer channel. Observers attached at that point receive, in
// order: connected status, session id, transfer ready. On failure the
// session is destroyed without notifying observers; the caller reports
// the error.
func (r *Registry) Connect(ctx context.Context, s *Session) error {
	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	defer cancel()

	conn, err := r.dialer.Dial(dialCtx, s.creds)
	if err != nil {
		r.fail(s, err)
		return fmt.Errorf("connect %s: %w", s.creds, err)
	}

	shell, err := conn.OpenShell(r.cfg.PTY)
	if err != nil {
		_ = conn.Close()
		r.fail(s, err)
		return fmt.Errorf("open shell: %w", err)
	}

	if !s.connected(conn, shell) {
		_ = conn.Close()
		return ErrSessionClosed
	}

	go s.writeLoop(shell)
	go r.watch(s, conn)

	r.Broadcast(s, StatusEvent(s.ID, string(StateConnected), ""))
	r.Broadcast(s, r.sessionEvent(s))
	// Output waits behind the connected notifications.
	go r.pump(s, shell)

	transfer, err := conn.OpenFileTransfer()
	if err != nil {
		slog.Warn("File transfer channel unavailable", "session_id", s.ID, "error", err)
	} else if s.setTransfer(transfer) {
		r.Broadcast(s, Event{Type: EventTransferReady, SessionID: s.ID})
	}

	r.record(KindConnected, s, "")
	slog.Info("Session connected",
		"session_id", s.ID,
		"remote", s.creds.String(),
		"transfer_ready", transfer != nil)
	return nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Destroy ends a session for every attached observer. Unknown or
// already destroyed ids are ignored.
func (r *Registry) Destroy(id string) {
	r.destroy(id, "ended", "session ended")
}

// Attach binds o to the session and cancels idle eviction.
func (r *Registry) Attach(id string, o Observer) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	added, ok := s.attach(o)
	if !ok {
		return false
	}
	if added {
		r.metrics.ObserverAttached()
	}
	slog.Debug("Observer attached", "session_id", id, "observer_id", o.ID())
	return true
}

// Reattach binds o to a connected session and sends it the catch-up
// sequence: connected status, session id, the replay buffer as one
// output event and transfer ready when the channel is open. Output read
// after the replay snapshot reaches o only through later broadcasts.
func (r *Registry) Reattach(id string, o Observer) bool {
	s, ok := r.Get(id)
	if !ok || s.State() != StateConnected {
		return false
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()

	added, ok := s.attach(o)
	if !ok {
		return false
	}
	if added {
		r.metrics.ObserverAttached()
	}

	_ = o.Send(StatusEvent(id, string(StateConnected), ""))
	_ = o.Send(r.sessionEvent(s))
	replay := s.replay.Bytes()
	if n := len(replay) - s.held; n > 0 {
		_ = o.Send(Event{Type: EventOutput, SessionID: id, Payload: string(replay[:n])})
	}
	if s.TransferReady() {
		_ = o.Send(Event{Type: EventTransferReady, SessionID: id})
	}
	slog.Info("Observer reattached", "session_id", id, "observer_id", o.ID(), "replay_bytes", len(replay))
	return true
}

// Detach unbinds o; the last detach arms idle eviction.
func (r *Registry) Detach(id string, o Observer) {
	s, ok := r.Get(id)
	if !ok {
		return
	}
	if s.detach(o.ID()) {
		r.metrics.ObserverDetached()
		slog.Debug("Observer detached",
			"session_id", id,
			"observer_id", o.ID(),
			"observers", s.ObserverCount())
	}
}

// Broadcast fans ev out to every current observer of s, best effort.
func (r *Registry) Broadcast(s *Session, ev Event) {
	s.broadcast(ev)
}

// Input writes raw terminal bytes to the session shell.
func (r *Registry) Input(ctx context.Context, id string, data []byte) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.touch()
	return s.Write(ctx, data)
}

func (r *Registry) Resize(id string, rows, cols int) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	return s.Resize(rows, cols)
}

// Interrupt sends Ctrl-C to whatever runs in the foreground of the shell.
func (r *Registry) Interrupt(ctx context.Context, id string) error {
	return r.Input(ctx, id, []byte{0x03})
}

func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

// Record adds an audit event for s.
func (r *Registry) Record(s *Session, kind, detail string) {
	r.record(kind, s, detail)
}

// Stop destroys every session.
func (r *Registry) Stop() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.destroy(id, "shutdown", "server shutting down")
	}
}

func (r *Registry) fail(s *Session, err error) {
	s.mu.Lock()
	n := len(s.observers)
	s.observers = make(map[string]Observer)
	s.mu.Unlock()
	for range n {
		r.metrics.ObserverDetached()
	}

	r.record(KindFailed, s, err.Error())
	r.destroy(s.ID, "failed", "")
}

func (r *Registry) destroy(id, outcome, message string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	total := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return
	}

	observers, conn, ok := s.close()
	if !ok {
		return
	}

	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Debug("Error closing remote connection", "session_id", id, "error", err)
		}
	}

	for _, o := range observers {
		_ = o.Send(StatusEvent(id, "closed", message))
		r.metrics.ObserverDetached()
	}

	r.metrics.SessionClosed(outcome)
	if outcome != "failed" {
		r.record(KindDestroyed, s, outcome)
	}
	slog.Info("Session destroyed",
		"session_id", id,
		"reason", outcome,
		"total_sessions", total)
}

// pump copies shell output into the replay buffer, the sentinel
// dispatcher and every observer. The end of the stream ends the session.
func (r *Registry) pump(s *Session, shell remote.Shell) {
	buf := make([]byte, readBufferSize)
	var carry []byte
	for {
		n, err := shell.Output().Read(buf)
		if n > 0 {
			chunk := bytes.Clone(buf[:n])
			s.dispatcher.Feed(chunk)
			s.touch()

			s.outMu.Lock()
			_, _ = s.replay.Write(chunk)
			var text []byte
			text, carry = vcall.SplitUTF8(append(carry, chunk...))
			s.held = len(carry)
			if len(text) > 0 {
				s.broadcast(Event{Type: EventOutput, SessionID: s.ID, Payload: string(text)})
			}
			s.outMu.Unlock()
		}
		if err != nil {
			r.destroy(s.ID, "lost", "connection closed")
			return
		}
	}
}

func (r *Registry) watch(s *Session, conn remote.Conn) {
	err := conn.Wait()
	slog.Debug("Remote connection finished", "session_id", s.ID, "error", err)
	r.destroy(s.ID, "lost", "connection closed")
}

func (r *Registry) sessionEvent(s *Session) Event {
	return Event{
		Type:      EventSession,
		SessionID: s.ID,
		Payload:   SessionPayload{SessionID: s.ID, Host: s.creds.Host, Username: s.creds.Username},
	}
}

func (r *Registry) record(kind string, s *Session, detail string) {
	r.recorder.Record(AuditEvent{
		Kind:      kind,
		SessionID: s.ID,
		Host:      s.creds.Host,
		Username:  s.creds.Username,
		Detail:    detail,
		At:        r.clock.Now(),
	})
}
