package vcall

import (
	"strconv"
	"sync"
)

// windowKeep bounds the tail carried between chunks; it must exceed the
// longest sentinel line.
const windowKeep = 128

type Completion struct {
	ExitCode int
	Err      error
}

// Dispatcher watches the shell output for sentinels and wakes the call
// that registered the matching token. Calls only ever see their own
// token; unknown tokens (late sentinels of abandoned calls) are dropped.
type Dispatcher struct {
	mu      sync.Mutex
	waiters map[string]chan Completion
	window  []byte
	closed  error
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{waiters: make(map[string]chan Completion)}
}

// Register returns a channel that receives exactly one Completion for
// token, and a func that unregisters it.
func (d *Dispatcher) Register(token string) (<-chan Completion, func()) {
	ch := make(chan Completion, 1)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed != nil {
		ch <- Completion{ExitCode: -1, Err: d.closed}
		return ch, func() {}
	}
	d.waiters[token] = ch

	return ch, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.waiters[token] == ch {
			delete(d.waiters, token)
		}
	}
}

// Feed scans one chunk of shell output. A sentinel split across chunks
// is matched once the rest of it arrives.
func (d *Dispatcher) Feed(chunk []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed != nil {
		return
	}

	d.window = append(d.window, chunk...)
	consumed := 0
	for _, m := range sentinelPattern.FindAllSubmatchIndex(d.window, -1) {
		token := string(d.window[m[2]:m[3]])
		code, err := strconv.Atoi(string(d.window[m[4]:m[5]]))
		if err != nil {
			code = -1
		}
		if ch, ok := d.waiters[token]; ok {
			ch <- Completion{ExitCode: code}
			delete(d.waiters, token)
		}
		consumed = m[1]
	}

	rest := d.window[consumed:]
	if len(rest) > windowKeep {
		rest = rest[len(rest)-windowKeep:]
	}
	d.window = append(d.window[:0], rest...)
}

// Close fails every outstanding and future registration with err.
func (d *Dispatcher) Close(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed != nil {
		return
	}
	d.closed = err
	for token, ch := range d.waiters {
		ch <- Completion{ExitCode: -1, Err: err}
		delete(d.waiters, token)
	}
	d.window = nil
}

func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters)
}
