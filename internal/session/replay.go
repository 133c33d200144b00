package session

import "sync"

const DefaultReplaySize = 50 * 1024

// ReplayBuffer keeps the most recent raw shell bytes so a newly attached
// observer can redraw the terminal. Older bytes are overwritten once the
// buffer is full. Safe for concurrent use.
type ReplayBuffer struct {
	mu       sync.Mutex
	data     []byte
	capacity int
	// next write position within data
	pos     int
	written uint64
}

func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = DefaultReplaySize
	}
	return &ReplayBuffer{data: make([]byte, capacity), capacity: capacity}
}

func (r *ReplayBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src := p
	if len(src) > r.capacity {
		r.pos = (r.pos + len(src) - r.capacity) % r.capacity
		src = src[len(src)-r.capacity:]
	}
	for len(src) > 0 {
		n := copy(r.data[r.pos:], src)
		r.pos = (r.pos + n) % r.capacity
		src = src[n:]
	}
	r.written += uint64(len(p))
	return len(p), nil
}

// Bytes returns the retained bytes, oldest first.
func (r *ReplayBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.storedLocked()
	out := make([]byte, stored)
	start := (r.pos - stored + r.capacity) % r.capacity
	n := copy(out, r.data[start:min(start+stored, r.capacity)])
	copy(out[n:], r.data[:stored-n])
	return out
}

func (r *ReplayBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storedLocked()
}

// Offset is the total number of bytes ever written.
func (r *ReplayBuffer) Offset() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

func (r *ReplayBuffer) storedLocked() int {
	if r.written < uint64(r.capacity) {
		return int(r.written)
	}
	return r.capacity
}
