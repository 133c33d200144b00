package collector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/shellmux/internal/clock"
	"github.com/EternisAI/shellmux/internal/vcall"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type stubExec struct {
	mu    sync.Mutex
	calls []vcall.Request
	fn    func(req vcall.Request) (vcall.Result, error)
}

func (s *stubExec) Call(ctx context.Context, req vcall.Request) (vcall.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	fn := s.fn
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return vcall.Result{}, err
	}
	return fn(req)
}

func (s *stubExec) requests() []vcall.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]vcall.Request(nil), s.calls...)
}

func ok(out string) (vcall.Result, error) {
	return vcall.Result{Output: []byte(out), Complete: true}, nil
}

type emitted struct {
	Type    string
	Payload any
}

type sink struct {
	mu     sync.Mutex
	events []emitted
	errs   []error
}

func (s *sink) emit(eventType string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, emitted{eventType, payload})
}

func (s *sink) report(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *sink) ofType(eventType string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []any
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev.Payload)
		}
	}
	return out
}

func TestClampInterval(t *testing.T) {
	assert.Equal(t, 10*time.Second, ClampInterval(0, 10*time.Second, MinInterval))
	assert.Equal(t, MinInterval, ClampInterval(time.Second, 10*time.Second, MinInterval))
	assert.Equal(t, time.Minute, ClampInterval(time.Minute, 10*time.Second, MinInterval))
}

func TestLoop(t *testing.T) {
	fake := clock.Fake(epoch)
	ticks := make(chan struct{}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		Loop(ctx, fake, 5*time.Second, "test", func(context.Context) { ticks <- struct{}{} })
	}()

	<-ticks
	fake.WaitForTimers(1)
	select {
	case <-ticks:
		t.Fatal("ticked before the interval elapsed")
	default:
	}

	fake.Advance(5 * time.Second)
	<-ticks

	cancel()
	<-done
	assert.Equal(t, 0, fake.PendingCount(), "ticker stopped")
}

func TestSections(t *testing.T) {
	out := []byte("#first\r\na\r\n\r\nb\r\n#second\r\nc d\r\n")
	got := sections(out)
	assert.Equal(t, []string{"a", "b"}, got["first"])
	assert.Equal(t, []string{"c d"}, got["second"])
}

func TestDiscover(t *testing.T) {
	exec := &stubExec{fn: func(vcall.Request) (vcall.Result, error) {
		return ok(strings.Join([]string{
			"#addresses",
			"1: lo    inet 127.0.0.1/8 scope host lo\\       valid_lft forever preferred_lft forever",
			"2: eth0    inet 10.0.0.5/24 brd 10.0.0.255 scope global eth0\\       valid_lft forever",
			"#neighbors",
			"10.0.0.1 dev eth0 lladdr 52:54:00:12:34:56 REACHABLE",
			"10.0.0.9 dev eth0 FAILED",
		}, "\n"))
	}}

	d, err := Discover(context.Background(), exec)
	require.NoError(t, err)
	assert.Equal(t, []LocalAddress{{Interface: "eth0", CIDR: "10.0.0.5/24"}}, d.Addresses)
	assert.Equal(t, []Neighbor{
		{IP: "10.0.0.1", Interface: "eth0", MAC: "52:54:00:12:34:56", State: "REACHABLE"},
		{IP: "10.0.0.9", Interface: "eth0", State: "FAILED"},
	}, d.Neighbors)
}

func TestDiscover_CallError(t *testing.T) {
	exec := &stubExec{fn: func(vcall.Request) (vcall.Result, error) {
		return vcall.Result{}, vcall.ErrTimeout
	}}
	_, err := Discover(context.Background(), exec)
	assert.True(t, errors.Is(err, vcall.ErrTimeout))
}
