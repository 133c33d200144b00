package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_AfterFunc(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(5*time.Second, func() { fired++ })

	c.Advance(4 * time.Second)
	assert.Equal(t, 0, fired)

	c.Advance(time.Second)
	assert.Equal(t, 1, fired)

	c.Advance(time.Minute)
	assert.Equal(t, 1, fired, "one-shot timer must not fire twice")
	assert.Equal(t, 0, c.PendingCount())
}

func TestFakeClock_TimerStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.Equal(t, 0, c.PendingCount())
}

func TestFakeClock_TimerReset(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	timer := c.AfterFunc(time.Second, func() { fired++ })

	c.Advance(500 * time.Millisecond)
	assert.True(t, timer.Reset(time.Second))
	c.Advance(700 * time.Millisecond)
	assert.Equal(t, 0, fired)
	c.Advance(300 * time.Millisecond)
	assert.Equal(t, 1, fired)

	assert.False(t, timer.Reset(time.Second))
	c.Advance(time.Second)
	assert.Equal(t, 2, fired)
}

func TestFakeClock_Ticker(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("expected a tick")
	}

	c.Advance(3 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("expected a tick after multiple intervals")
	}
	select {
	case <-ticker.C:
		t.Fatal("overflow ticks must be dropped")
	default:
	}
}

func TestFakeClock_WaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.Sleep(time.Minute)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Minute)

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "sleep did not return after Advance")
	}
}
