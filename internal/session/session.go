package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/EternisAI/shellmux/internal/clock"
	"github.com/EternisAI/shellmux/internal/remote"
	"github.com/EternisAI/shellmux/internal/vcall"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrNotConnected     = errors.New("session not connected")
	ErrTransferNotReady = errors.New("file transfer channel not ready")
	ErrSessionClosed    = errors.New("session closed")
)

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

const writeQueueSize = 64

type writeRequest struct {
	data []byte
	done chan error
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Session is one remote login shared by every attached observer. All
// writes to the shell go through a single sequencer goroutine so each
// queued write reaches the remote side uninterrupted.
type Session struct {
	ID        string
	CreatedAt time.Time

	creds       remote.Credentials
	clock       clock.Clock
	idleTimeout time.Duration
	replay      *ReplayBuffer
	dispatcher  *vcall.Dispatcher
	caller      *vcall.Caller
	onIdle      func()

	ctx    context.Context
	cancel context.CancelFunc
	writes chan writeRequest

	// outMu orders output fan-out against reattach catch-up. held is
	// the length of an incomplete trailing rune kept back from observers.
	outMu sync.Mutex
	held  int

	mu           sync.Mutex
	state        State
	closed       bool
	evicting     bool
	conn         remote.Conn
	shell        remote.Shell
	transfer     remote.FileTransfer
	observers    map[string]Observer
	evictTimer   *clock.Timer
	evictGen     uint64
	lastActivity time.Time
	jobs         map[string]*job
}

// Info is a point-in-time view of a session for listings.
type Info struct {
	ID            string    `json:"id"`
	State         State     `json:"state"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	Username      string    `json:"username"`
	Observers     int       `json:"observers"`
	TransferReady bool      `json:"transfer_ready"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Credentials are kept for the lifetime of the session so elevated
// calls can reuse the password.
func (s *Session) Credentials() remote.Credentials {
	return s.creds
}

// Replay returns the buffered recent output, oldest first.
func (s *Session) Replay() []byte {
	return s.replay.Bytes()
}

func (s *Session) Context() context.Context {
	return s.ctx
}

// Exec returns the virtual call runner bound to this session.
func (s *Session) Exec() *vcall.Caller {
	return s.caller
}

func (s *Session) Transfer() (remote.FileTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.transfer == nil {
		return nil, ErrTransferNotReady
	}
	return s.transfer, nil
}

func (s *Session) TransferReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfer != nil
}

// Write queues p on the shell sequencer and waits until it is written.
func (s *Session) Write(ctx context.Context, p []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.shell == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.mu.Unlock()

	req := writeRequest{data: p, done: make(chan error, 1)}
	select {
	case s.writes <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSessionClosed
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

func (s *Session) Await(token string) (<-chan vcall.Completion, func()) {
	return s.dispatcher.Register(token)
}

func (s *Session) Resize(rows, cols int) error {
	s.mu.Lock()
	shell := s.shell
	s.mu.Unlock()
	if shell == nil {
		return ErrNotConnected
	}
	return shell.Resize(rows, cols)
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) ObserverCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// EvictionArmed reports whether the idle eviction timer is pending.
func (s *Session) EvictionArmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictTimer != nil
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:            s.ID,
		State:         s.state,
		Host:          s.creds.Host,
		Port:          s.creds.Port,
		Username:      s.creds.Username,
		Observers:     len(s.observers),
		TransferReady: s.transfer != nil,
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.lastActivity,
	}
}

// StartJob runs fn in its own goroutine under a context that ends when
// the job is replaced by another of the same name, stopped, or the
// session closes.
func (s *Session) StartJob(name string, fn func(ctx context.Context)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if old, ok := s.jobs[name]; ok {
		old.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	j := &job{cancel: cancel, done: make(chan struct{})}
	s.jobs[name] = j
	s.mu.Unlock()

	go func() {
		defer close(j.done)
		defer cancel()
		fn(ctx)

		s.mu.Lock()
		if s.jobs[name] == j {
			delete(s.jobs, name)
		}
		s.mu.Unlock()
	}()
	return nil
}

// StopJob cancels the named job and waits for it to return.
func (s *Session) StopJob(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if ok {
		delete(s.jobs, name)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	j.cancel()
	<-j.done
	return true
}

func (s *Session) JobRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

func (s *Session) broadcast(ev Event) {
	s.mu.Lock()
	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()

	for _, o := range observers {
		_ = o.Send(ev)
	}
}

func (s *Session) touch() {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// attach adds o and disarms eviction. It reports whether o is new.
func (s *Session) attach(o Observer) (added, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.evicting {
		return false, false
	}
	_, existed := s.observers[o.ID()]
	s.observers[o.ID()] = o
	s.disarmLocked()
	return !existed, true
}

// detach removes the observer and arms eviction when none are left.
func (s *Session) detach(observerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.observers[observerID]; !ok {
		return false
	}
	delete(s.observers, observerID)
	if len(s.observers) == 0 && !s.closed {
		s.armLocked()
	}
	return true
}

func (s *Session) armLocked() {
	if s.evictTimer != nil {
		s.evictTimer.Stop()
	}
	s.evictGen++
	gen := s.evictGen
	s.evictTimer = s.clock.AfterFunc(s.idleTimeout, func() { s.idle(gen) })
}

func (s *Session) disarmLocked() {
	if s.evictTimer != nil {
		s.evictTimer.Stop()
		s.evictTimer = nil
	}
	s.evictGen++
}

// idle fires from the eviction timer; a timer superseded by a later
// attach or detach is ignored. Once eviction is decided no observer can
// attach.
func (s *Session) idle(gen uint64) {
	s.mu.Lock()
	stale := gen != s.evictGen || len(s.observers) > 0 || s.closed
	if !stale {
		s.evicting = true
	}
	s.mu.Unlock()
	if !stale {
		s.onIdle()
	}
}

// connected installs the shell once the handshake succeeded. It fails
// if the session was destroyed while dialing.
func (s *Session) connected(conn remote.Conn, shell remote.Shell) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn, s.shell = conn, shell
	s.state = StateConnected
	return true
}

func (s *Session) setTransfer(t remote.FileTransfer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.transfer = t
	return true
}

func (s *Session) writeLoop(shell remote.Shell) {
	for {
		select {
		case req := <-s.writes:
			_, err := shell.Write(req.data)
			req.done <- err
		case <-s.ctx.Done():
			return
		}
	}
}

// close tears the session down once. It returns the observers that were
// attached, and false if the session was already closed.
func (s *Session) close() ([]Observer, remote.Conn, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, false
	}
	s.closed = true
	s.state = StateDisconnected
	s.disarmLocked()

	observers := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.observers = make(map[string]Observer)

	jobs := s.jobs
	s.jobs = make(map[string]*job)
	conn := s.conn
	s.conn, s.shell, s.transfer = nil, nil, nil
	s.mu.Unlock()

	s.cancel()
	s.dispatcher.Close(vcall.ErrClosed)
	for _, j := range jobs {
		j.cancel()
	}
	return observers, conn, true
}
