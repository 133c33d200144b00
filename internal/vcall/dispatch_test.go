package vcall

import (
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func received(ch <-chan Completion) (Completion, bool) {
	select {
	case c := <-ch:
		return c, true
	default:
		return Completion{}, false
	}
}

func TestDispatcher_OnlyOwnSentinel(t *testing.T) {
	d := NewDispatcher()
	t1, t2 := NewToken(epoch), NewToken(epoch)
	require.NotEqual(t, t1, t2)

	ch1, cancel1 := d.Register(t1)
	defer cancel1()
	ch2, cancel2 := d.Register(t2)
	defer cancel2()

	d.Feed([]byte("noise\r\n" + Sentinel(t2, 0)))

	_, ok := received(ch1)
	assert.False(t, ok, "listener for S1 fired on S2")

	c, ok := received(ch2)
	require.True(t, ok)
	assert.Equal(t, 0, c.ExitCode)
	assert.Equal(t, 1, d.Pending())
}

func TestDispatcher_SplitAcrossChunks(t *testing.T) {
	d := NewDispatcher()
	token := NewToken(epoch)
	ch, cancel := d.Register(token)
	defer cancel()

	line := Sentinel(token, 127)
	d.Feed([]byte("output...\r\n" + line[:9]))
	_, ok := received(ch)
	assert.False(t, ok)

	d.Feed([]byte(line[9 : len(line)-2]))
	_, ok = received(ch)
	assert.False(t, ok, "exit code not terminated yet")

	d.Feed([]byte(line[len(line)-2:]))
	c, ok := received(ch)
	require.True(t, ok)
	assert.Equal(t, 127, c.ExitCode)
}

func TestDispatcher_IgnoresEchoedInvocation(t *testing.T) {
	d := NewDispatcher()
	token := NewToken(epoch)
	ch, cancel := d.Register(token)
	defer cancel()

	d.Feed([]byte(Invocation("uptime", "/tmp/up.out", token)))
	_, ok := received(ch)
	assert.False(t, ok)
}

func TestDispatcher_MatchesOnce(t *testing.T) {
	d := NewDispatcher()
	token := NewToken(epoch)
	ch, cancel := d.Register(token)
	defer cancel()

	d.Feed([]byte(Sentinel(token, 0)))
	d.Feed([]byte("more output"))
	_, ok := received(ch)
	require.True(t, ok)
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_WindowStaysBounded(t *testing.T) {
	d := NewDispatcher()
	d.Feed([]byte(strings.Repeat("x", 10_000)))
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.LessOrEqual(t, len(d.window), windowKeep)
}

func TestDispatcher_Unregister(t *testing.T) {
	d := NewDispatcher()
	token := NewToken(epoch)
	ch, cancel := d.Register(token)
	cancel()

	d.Feed([]byte(Sentinel(token, 0)))
	_, ok := received(ch)
	assert.False(t, ok)
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_Close(t *testing.T) {
	d := NewDispatcher()
	ch, _ := d.Register(NewToken(epoch))

	closeErr := errors.New("transport closed")
	d.Close(closeErr)
	d.Close(errors.New("second close is ignored"))

	c, ok := received(ch)
	require.True(t, ok)
	assert.Equal(t, closeErr, c.Err)

	late, _ := d.Register(NewToken(epoch))
	c, ok = received(late)
	require.True(t, ok)
	assert.Equal(t, closeErr, c.Err)
}

func TestNames(t *testing.T) {
	now := time.UnixMilli(1767225600123)

	token := NewToken(now)
	assert.Regexp(t, `^[0-9]+_[0-9a-f]{16}$`, token)

	p := TempPath("/tmp", "log fetch/../x", now, "out")
	assert.Regexp(t, regexp.MustCompile(`^/tmp/log_fetch_x_1767225600123_[0-9a-f]{8}\.out$`), p)
	assert.Regexp(t, `^/var/tmp/call_`, TempPath("/var/tmp", "///", now, "sh"))

	inv := Invocation("uptime", "/tmp/a.out", token)
	assert.True(t, strings.HasPrefix(inv, " (uptime) > /tmp/a.out 2>&1; echo "))
	assert.True(t, strings.HasSuffix(inv, "\n"))
	assert.NotContains(t, inv, SentinelPrefix+token)

	assert.Equal(t, "/tmp/a.out", shellQuote("/tmp/a.out"))
	assert.Equal(t, `'it'\''s here'`, shellQuote("it's here"))
	assert.Equal(t, " rm -rf /tmp/a.out '/tmp/b c.sh'\n", cleanupLine([]string{"/tmp/a.out", "/tmp/b c.sh"}))
}

func TestWithRemoteTimeout(t *testing.T) {
	assert.Equal(t, "sh x.sh", withRemoteTimeout("sh x.sh", 0))
	assert.Contains(t, withRemoteTimeout("sh x.sh", 1500*time.Millisecond), "timeout -k 5 2 sh x.sh")
}

func TestTracker(t *testing.T) {
	var tr Tracker
	assert.Equal(t, "ab", string(tr.Next([]byte("ab"))))
	assert.Nil(t, tr.Next([]byte("ab")))
	assert.Equal(t, "cd", string(tr.Next([]byte("abcd"))))
	assert.Equal(t, 4, tr.Sent())
}

func TestLineDiff(t *testing.T) {
	assert.Equal(t, []string{"d"}, LineDiff([]string{"a", "b", "c"}, []string{"b", "c", "d"}))
	assert.Nil(t, LineDiff([]string{"a"}, []string{"a"}))
	assert.Equal(t, []string{"x", "y"}, LineDiff(nil, []string{"x", "y"}))
}

func TestSplitUTF8(t *testing.T) {
	full := []byte("héllo")
	complete, rest := SplitUTF8(full[:2])
	assert.Equal(t, "h", string(complete))
	assert.Equal(t, full[1:2], rest)

	complete, rest = SplitUTF8(append(rest, full[2:]...))
	assert.Equal(t, "éllo", string(complete))
	assert.Nil(t, rest)
}
