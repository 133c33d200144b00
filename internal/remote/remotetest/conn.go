package remotetest

import (
	"context"
	"errors"
	"sync"

	"github.com/EternisAI/shellmux/internal/remote"
)

// Conn is a fake remote.Conn backed by one Shell and one FS.
type Conn struct {
	Shell *Shell
	FS    *FS

	// ShellErr and TransferErr make the respective Open call fail.
	ShellErr    error
	TransferErr error

	mu       sync.Mutex
	pty      remote.PTYConfig
	closed   bool
	closes   int
	dropped  chan struct{}
	dropOnce sync.Once
}

func NewConn(responder Responder) *Conn {
	fs := NewFS()
	fs.Put("/tmp/.keep", "")
	return &Conn{
		Shell:   NewShell(fs, responder),
		FS:      fs,
		dropped: make(chan struct{}),
	}
}

func (c *Conn) OpenShell(pty remote.PTYConfig) (remote.Shell, error) {
	if c.ShellErr != nil {
		return nil, c.ShellErr
	}
	c.mu.Lock()
	c.pty = pty
	c.mu.Unlock()
	_ = c.Shell.Resize(pty.Rows, pty.Cols)
	return c.Shell, nil
}

func (c *Conn) OpenFileTransfer() (remote.FileTransfer, error) {
	if c.TransferErr != nil {
		return nil, c.TransferErr
	}
	return c.FS, nil
}

func (c *Conn) PTY() remote.PTYConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pty
}

// Drop simulates the transport going away.
func (c *Conn) Drop() {
	c.dropOnce.Do(func() {
		close(c.dropped)
		_ = c.Shell.Close()
	})
}

func (c *Conn) Wait() error {
	<-c.dropped
	return errors.New("connection lost")
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closes++
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return nil
	}
	_ = c.Shell.Close()
	_ = c.FS.Close()
	c.Drop()
	return nil
}

// Closes reports how many times Close was called.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Dialer hands out Conns built by New, or fails with Err.
type Dialer struct {
	New func() *Conn
	Err error

	mu    sync.Mutex
	dials []remote.Credentials
	conns []*Conn
}

func (d *Dialer) Dial(ctx context.Context, creds remote.Credentials) (remote.Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, creds)
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Err != nil {
		return nil, d.Err
	}
	var conn *Conn
	if d.New != nil {
		conn = d.New()
	} else {
		conn = NewConn(nil)
	}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

// Last returns the most recently dialed Conn.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
