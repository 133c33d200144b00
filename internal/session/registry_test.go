package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/shellmux/internal/clock"
	"github.com/EternisAI/shellmux/internal/remote"
	"github.com/EternisAI/shellmux/internal/remote/remotetest"
	"github.com/EternisAI/shellmux/internal/vcall"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

var testCreds = remote.Credentials{Host: "10.1.1.1", Username: "ops", Password: "pw"}

// MockRecorder is a mock implementation of Recorder
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) Record(ev AuditEvent) {
	m.Called(ev)
}

func kind(k string) any {
	return mock.MatchedBy(func(ev AuditEvent) bool { return ev.Kind == k })
}

type recordingObserver struct {
	id     string
	mu     sync.Mutex
	events []Event
}

func newObserver(id string) *recordingObserver {
	return &recordingObserver{id: id}
}

func (o *recordingObserver) ID() string { return o.id }

func (o *recordingObserver) Send(ev Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
	return nil
}

// types lists event types, skipping raw output.
func (o *recordingObserver) types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, ev := range o.events {
		if ev.Type != EventOutput {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (o *recordingObserver) output() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var b strings.Builder
	for _, ev := range o.events {
		if ev.Type == EventOutput {
			b.WriteString(ev.Payload.(string))
		}
	}
	return b.String()
}

func (o *recordingObserver) closedEvents() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, ev := range o.events {
		if p, ok := ev.Payload.(StatusPayload); ok && p.State == "closed" {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T, responder remotetest.Responder, opts ...Option) (*Registry, *remotetest.Dialer, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(epoch)
	dialer := &remotetest.Dialer{New: func() *remotetest.Conn { return remotetest.NewConn(responder) }}
	opts = append([]Option{WithClock(fake)}, opts...)
	r := NewRegistry(dialer, Config{IdleTimeout: 5 * time.Minute}, opts...)
	t.Cleanup(r.Stop)
	return r, dialer, fake
}

func connected(t *testing.T, r *Registry, o Observer) *Session {
	t.Helper()
	s := r.Create(testCreds)
	require.True(t, r.Attach(s.ID, o))
	require.NoError(t, r.Connect(context.Background(), s))
	return s
}

func TestRegistry_Create(t *testing.T) {
	r, dialer, _ := newTestRegistry(t, nil)

	s := r.Create(testCreds)
	assert.Equal(t, StateConnecting, s.State())
	assert.Len(t, s.ID, 36)
	assert.True(t, s.EvictionArmed(), "no observers yet")
	assert.Equal(t, 0, dialer.Dials(), "create must not dial")

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	other := r.Create(testCreds)
	assert.NotEqual(t, s.ID, other.ID)
}

func TestRegistry_ConnectNotifiesInOrder(t *testing.T) {
	r, dialer, _ := newTestRegistry(t, nil)
	o := newObserver("tab-1")

	s := connected(t, r, o)

	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, []string{EventStatus, EventSession, EventTransferReady}, o.types())
	assert.True(t, s.TransferReady())
	assert.False(t, s.EvictionArmed())
	assert.Equal(t, 1, dialer.Dials())
	assert.Equal(t, remote.DefaultPTYConfig(), dialer.Last().PTY())
}

func TestRegistry_BannerFollowsConnectedNotifications(t *testing.T) {
	conn := remotetest.NewConn(nil)
	conn.Shell.Emit("Welcome to db-01\r\n$ ")
	r := NewRegistry(&remotetest.Dialer{New: func() *remotetest.Conn { return conn }}, Config{})
	t.Cleanup(r.Stop)
	o := newObserver("tab-1")

	connected(t, r, o)
	require.Eventually(t, func() bool { return o.output() == "Welcome to db-01\r\n$ " }, time.Second, 5*time.Millisecond)

	o.mu.Lock()
	defer o.mu.Unlock()
	firstOutput, sessionAt := -1, -1
	for i, ev := range o.events {
		if ev.Type == EventOutput && firstOutput < 0 {
			firstOutput = i
		}
		if ev.Type == EventSession {
			sessionAt = i
		}
	}
	require.GreaterOrEqual(t, sessionAt, 0)
	assert.Greater(t, firstOutput, sessionAt, "output arrived before the session notification")
}

func TestRegistry_ConnectFailure(t *testing.T) {
	rec := new(MockRecorder)
	rec.On("Record", kind(KindCreated)).Return()
	rec.On("Record", kind(KindFailed)).Return()

	r, dialer, _ := newTestRegistry(t, nil, WithRecorder(rec))
	dialer.Err = remote.ErrAuth
	o := newObserver("tab-1")

	s := r.Create(testCreds)
	require.True(t, r.Attach(s.ID, o))
	err := r.Connect(context.Background(), s)

	assert.ErrorIs(t, err, remote.ErrAuth)
	_, ok := r.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Empty(t, o.types(), "the caller reports the failure to the requester")
	rec.AssertExpectations(t)
	rec.AssertNotCalled(t, "Record", kind(KindDestroyed))
}

func TestRegistry_ShellFailure(t *testing.T) {
	var conn *remotetest.Conn
	r, dialer, _ := newTestRegistry(t, nil)
	dialer.New = func() *remotetest.Conn {
		conn = remotetest.NewConn(nil)
		conn.ShellErr = errors.New("pty refused")
		return conn
	}

	s := r.Create(testCreds)
	err := r.Connect(context.Background(), s)
	require.Error(t, err)
	_, ok := r.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, conn.Closes())
}

func TestRegistry_TransferUnavailable(t *testing.T) {
	r, dialer, _ := newTestRegistry(t, nil)
	dialer.New = func() *remotetest.Conn {
		c := remotetest.NewConn(nil)
		c.TransferErr = errors.New("subsystem request failed")
		return c
	}
	o := newObserver("tab-1")

	s := connected(t, r, o)

	assert.Equal(t, []string{EventStatus, EventSession}, o.types())
	_, err := s.Transfer()
	assert.ErrorIs(t, err, ErrTransferNotReady)

	_, err = s.Exec().Call(context.Background(), vcall.Request{Name: "x", Command: "true"})
	assert.ErrorIs(t, err, ErrTransferNotReady)
}

func TestRegistry_EvictionArmedIffNoObservers(t *testing.T) {
	r, _, fake := newTestRegistry(t, nil)
	o1, o2, o3 := newObserver("1"), newObserver("2"), newObserver("3")

	s := r.Create(testCreds)
	require.True(t, r.Attach(s.ID, o1))
	assert.False(t, s.EvictionArmed())
	require.True(t, r.Attach(s.ID, o2))
	assert.False(t, s.EvictionArmed())

	r.Detach(s.ID, o1)
	assert.False(t, s.EvictionArmed())
	r.Detach(s.ID, o2)
	assert.True(t, s.EvictionArmed())

	fake.Advance(4 * time.Minute)
	_, ok := r.Get(s.ID)
	require.True(t, ok)

	require.True(t, r.Attach(s.ID, o3))
	assert.False(t, s.EvictionArmed())
	fake.Advance(10 * time.Minute)
	_, ok = r.Get(s.ID)
	assert.True(t, ok, "reattached session must survive")

	r.Detach(s.ID, o3)
	assert.True(t, s.EvictionArmed())
	fake.Advance(5*time.Minute - time.Second)
	_, ok = r.Get(s.ID)
	assert.True(t, ok)
	fake.Advance(time.Second)
	_, ok = r.Get(s.ID)
	assert.False(t, ok, "idle session must be evicted")
	assert.Equal(t, StateDisconnected, s.State())
}

func TestRegistry_AttachDuringEvictionIsRefused(t *testing.T) {
	r, _, fake := newTestRegistry(t, nil)
	o := newObserver("tab-1")
	s := connected(t, r, o)
	r.Detach(s.ID, o)

	late := newObserver("tab-2")
	var attached bool
	evict := s.onIdle
	s.onIdle = func() {
		attached = r.Attach(s.ID, late)
		evict()
	}

	fake.Advance(5 * time.Minute)

	assert.False(t, attached)
	_, ok := r.Get(s.ID)
	assert.False(t, ok)
	assert.Zero(t, late.closedEvents(), "refused observer is never told about the close")
}

func TestRegistry_DetachUnknownObserver(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	o := newObserver("1")

	s := r.Create(testCreds)
	require.True(t, r.Attach(s.ID, o))
	r.Detach(s.ID, newObserver("stranger"))
	assert.False(t, s.EvictionArmed())
	assert.Equal(t, 1, s.ObserverCount())

	r.Detach("missing", o)
	assert.False(t, r.Attach("missing", o))
}

func TestRegistry_ReattachSameObserver(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	o := newObserver("1")

	s := r.Create(testCreds)
	require.True(t, r.Attach(s.ID, o))
	require.True(t, r.Attach(s.ID, o))
	assert.Equal(t, 1, s.ObserverCount())
}

func TestRegistry_ConcurrentAttachDetach(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	s := r.Create(testCreds)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := newObserver(string(rune('a' + i)))
			for j := 0; j < 50; j++ {
				r.Attach(s.ID, o)
				r.Detach(s.ID, o)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, s.ObserverCount())
	assert.True(t, s.EvictionArmed())
}

func TestRegistry_DestroyIdempotent(t *testing.T) {
	rec := new(MockRecorder)
	rec.On("Record", mock.Anything).Return()

	r, dialer, _ := newTestRegistry(t, nil, WithRecorder(rec))
	o1, o2 := newObserver("1"), newObserver("2")
	s := connected(t, r, o1)
	require.True(t, r.Attach(s.ID, o2))

	r.Destroy(s.ID)
	r.Destroy(s.ID)
	r.Destroy("no-such-session")

	_, ok := r.Get(s.ID)
	assert.False(t, ok)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, 1, o1.closedEvents(), "ending a session ends it for everyone")
	assert.Equal(t, 1, o2.closedEvents())
	assert.False(t, s.EvictionArmed())

	conn := dialer.Last()
	require.Eventually(t, func() bool { return conn.Shell.Closed() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, conn.Closes())
	assert.False(t, r.Attach(s.ID, o1))

	destroyed := 0
	for _, c := range rec.Calls {
		if c.Arguments.Get(0).(AuditEvent).Kind == KindDestroyed {
			destroyed++
		}
	}
	assert.Equal(t, 1, destroyed)
}

func TestRegistry_TransportLoss(t *testing.T) {
	r, dialer, _ := newTestRegistry(t, nil)
	o := newObserver("1")
	s := connected(t, r, o)

	dialer.Last().Drop()

	require.Eventually(t, func() bool {
		_, ok := r.Get(s.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, o.closedEvents())
}

func TestRegistry_OutputBroadcastAndReplay(t *testing.T) {
	r, dialer, _ := newTestRegistry(t, nil)
	o1, o2 := newObserver("1"), newObserver("2")
	s := connected(t, r, o1)
	require.True(t, r.Attach(s.ID, o2))

	dialer.Last().Shell.Emit("user@host:~$ ")
	require.Eventually(t, func() bool {
		return o1.output() == "user@host:~$ " && o2.output() == "user@host:~$ "
	}, time.Second, 5*time.Millisecond)

	before := s.Replay()
	dialer.Last().Shell.Emit("more")
	require.Eventually(t, func() bool { return strings.HasSuffix(string(s.Replay()), "more") }, time.Second, 5*time.Millisecond)
	assert.True(t, strings.HasPrefix(string(s.Replay()), string(before)), "replay is prefix stable")
}

func TestRegistry_ReattachSendsCatchUp(t *testing.T) {
	r, dialer, _ := newTestRegistry(t, nil)
	o1 := newObserver("1")
	s := connected(t, r, o1)

	dialer.Last().Shell.Emit("line one\r\n")
	require.Eventually(t, func() bool { return o1.output() == "line one\r\n" }, time.Second, 5*time.Millisecond)
	r.Detach(s.ID, o1)
	assert.True(t, s.EvictionArmed())

	o2 := newObserver("2")
	require.True(t, r.Reattach(s.ID, o2))
	assert.False(t, s.EvictionArmed())

	o2.mu.Lock()
	events := append([]Event(nil), o2.events...)
	o2.mu.Unlock()
	require.Len(t, events, 4)
	assert.Equal(t, EventStatus, events[0].Type)
	assert.Equal(t, StateConnected, State(events[0].Payload.(StatusPayload).State))
	assert.Equal(t, EventSession, events[1].Type)
	assert.Equal(t, EventOutput, events[2].Type)
	assert.Equal(t, string(s.Replay()), events[2].Payload.(string))
	assert.Equal(t, EventTransferReady, events[3].Type)

	dialer.Last().Shell.Emit("line two")
	require.Eventually(t, func() bool { return o2.output() == "line one\r\nline two" }, time.Second, 5*time.Millisecond)
}

func TestRegistry_ReattachRequiresConnectedSession(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	o := newObserver("1")

	assert.False(t, r.Reattach("missing", o))

	s := r.Create(testCreds)
	assert.False(t, r.Reattach(s.ID, o), "still connecting")
	assert.Equal(t, 0, s.ObserverCount())
}

func TestRegistry_InputResizeInterrupt(t *testing.T) {
	r, dialer, _ := newTestRegistry(t, nil)
	o := newObserver("1")
	s := connected(t, r, o)
	shell := dialer.Last().Shell

	require.NoError(t, r.Input(context.Background(), s.ID, []byte("ls -la\n")))
	assert.Contains(t, shell.Lines(), "ls -la")

	require.NoError(t, r.Resize(s.ID, 40, 132))
	rows, cols := shell.Size()
	assert.Equal(t, 40, rows)
	assert.Equal(t, 132, cols)

	require.NoError(t, r.Interrupt(context.Background(), s.ID))
	assert.Equal(t, 1, shell.Interrupts())

	assert.ErrorIs(t, r.Input(context.Background(), "missing", []byte("x")), ErrSessionNotFound)
	assert.ErrorIs(t, r.Resize("missing", 1, 1), ErrSessionNotFound)
}

func TestSession_WriteBeforeConnect(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	s := r.Create(testCreds)

	assert.ErrorIs(t, s.Write(context.Background(), []byte("x")), ErrNotConnected)
	r.Destroy(s.ID)
	assert.ErrorIs(t, s.Write(context.Background(), []byte("x")), ErrSessionClosed)
}

func TestSession_ExecThroughShell(t *testing.T) {
	r, dialer, _ := newTestRegistry(t, func(inv remotetest.Invocation) remotetest.Reply {
		return remotetest.Reply{Output: "up 3 days\n"}
	})
	o := newObserver("1")
	s := connected(t, r, o)

	res, err := s.Exec().Call(context.Background(), vcall.Request{Name: "uptime", Command: "uptime", Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, "up 3 days\n", string(res.Output))

	// The invocation line is echoed to every observer but the sentinel
	// never appears contiguously in what was typed.
	require.Eventually(t, func() bool { return strings.Contains(o.output(), "(uptime)") }, time.Second, 5*time.Millisecond)
	for _, line := range dialer.Last().Shell.Lines() {
		assert.NotContains(t, line, vcall.SentinelPrefix+"1")
	}
}

func TestSession_ExecFailsWhenDestroyed(t *testing.T) {
	r, _, _ := newTestRegistry(t, func(inv remotetest.Invocation) remotetest.Reply {
		return remotetest.Reply{Hang: true}
	})
	o := newObserver("1")
	s := connected(t, r, o)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Exec().Call(context.Background(), vcall.Request{Name: "hang", Command: "sleep 999", Timeout: time.Hour})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return s.dispatcher.Pending() == 1 }, time.Second, 5*time.Millisecond)

	r.Destroy(s.ID)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, vcall.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("call not released by destroy")
	}
}

func TestSession_Jobs(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	o := newObserver("1")
	s := connected(t, r, o)

	var firstStopped atomic.Bool
	started := make(chan struct{})
	require.NoError(t, s.StartJob("telemetry", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		firstStopped.Store(true)
	}))
	<-started
	assert.True(t, s.JobRunning("telemetry"))

	second := make(chan struct{})
	require.NoError(t, s.StartJob("telemetry", func(ctx context.Context) {
		<-ctx.Done()
		close(second)
	}))
	require.Eventually(t, firstStopped.Load, time.Second, 5*time.Millisecond)
	assert.True(t, s.JobRunning("telemetry"))

	assert.True(t, s.StopJob("telemetry"))
	assert.False(t, s.StopJob("telemetry"))
	assert.False(t, s.JobRunning("telemetry"))

	scanDone := make(chan struct{})
	require.NoError(t, s.StartJob("scan", func(ctx context.Context) {
		<-ctx.Done()
		close(scanDone)
	}))
	r.Destroy(s.ID)
	select {
	case <-scanDone:
	case <-time.After(time.Second):
		t.Fatal("destroy did not cancel running jobs")
	}
	assert.ErrorIs(t, s.StartJob("scan", func(context.Context) {}), ErrSessionClosed)
}

func TestRegistry_ListAndStop(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	o := newObserver("1")
	a := connected(t, r, o)
	b := r.Create(remote.Credentials{Host: "10.1.1.2", Username: "root", Password: "x"})

	infos := r.List()
	require.Len(t, infos, 2)
	ids := []string{infos[0].ID, infos[1].ID}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
	for _, info := range infos {
		if info.ID == a.ID {
			assert.Equal(t, StateConnected, info.State)
			assert.Equal(t, 1, info.Observers)
			assert.True(t, info.TransferReady)
		}
	}

	r.Stop()
	assert.Empty(t, r.List())
	assert.Equal(t, 1, o.closedEvents())
}
