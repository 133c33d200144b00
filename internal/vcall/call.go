// Package vcall runs request/response style commands over an
// interactive shell: the script is staged over the file-transfer
// channel, triggered by a one-line invocation on the shell, and its
// output collected from a temp file once a unique sentinel shows up.
package vcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/EternisAI/shellmux/internal/clock"
	"github.com/EternisAI/shellmux/internal/metrics"
	"github.com/EternisAI/shellmux/internal/remote"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultSettle       = time.Second
	DefaultTempDir      = "/tmp"

	cleanupWriteTimeout = 5 * time.Second
)

var (
	ErrTimeout = errors.New("virtual call timed out")
	ErrClosed  = errors.New("session closed")
	ErrEmpty   = errors.New("empty request")
)

type Mode int

const (
	// ModeSentinel waits for the sentinel, polling the output file in
	// between when the caller streams output.
	ModeSentinel Mode = iota
	// ModeSettle reads once after a fixed delay and returns if the read
	// produced anything, otherwise keeps polling until the sentinel or
	// the timeout.
	ModeSettle
)

type Request struct {
	// Name is only used for temp-file naming, logs and metrics.
	Name string
	// Script is staged to a temp file; Command is run inline. Exactly
	// one must be set. A multi-line Command is treated as a Script.
	Script       string
	Command      string
	Mode         Mode
	Settle       time.Duration
	PollInterval time.Duration
	Timeout      time.Duration
	// Sudo runs the script through sudo, feeding it the session password.
	Sudo bool
	// Interruptible keeps the script in the terminal's foreground job so
	// Ctrl-C reaches it. Other scripts get a remote timeout instead.
	Interruptible bool
	// OnOutput receives each new slice of output as it is read.
	OnOutput func([]byte)
}

type Result struct {
	Output   []byte
	ExitCode int
	// Complete is false when the call returned without a sentinel.
	Complete bool
	Duration time.Duration
}

// Host is the slice of a session a Caller needs.
type Host interface {
	Transfer() (remote.FileTransfer, error)
	Write(ctx context.Context, p []byte) error
	Await(token string) (<-chan Completion, func())
	Credentials() remote.Credentials
}

type Config struct {
	TempDir string
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

type Caller struct {
	host    Host
	tempDir string
	clock   clock.Clock
	metrics *metrics.Metrics
}

func NewCaller(host Host, cfg Config) *Caller {
	if cfg.TempDir == "" {
		cfg.TempDir = DefaultTempDir
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Caller{
		host:    host,
		tempDir: cfg.TempDir,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
	}
}

// Call runs one virtual call. Temp files are always scheduled for
// removal before Call returns. Cancelling ctx abandons the wait the same
// way a timeout does.
func (c *Caller) Call(ctx context.Context, req Request) (Result, error) {
	if strings.Contains(req.Command, "\n") && req.Script == "" {
		req.Script, req.Command = req.Command, ""
	}
	if req.Sudo && req.Script == "" {
		req.Script, req.Command = req.Command, ""
	}
	if strings.TrimSpace(req.Script) == "" && strings.TrimSpace(req.Command) == "" {
		return Result{}, ErrEmpty
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	if req.PollInterval <= 0 {
		req.PollInterval = DefaultPollInterval
	}
	if req.Mode == ModeSettle && req.Settle <= 0 {
		req.Settle = DefaultSettle
	}

	transfer, err := c.host.Transfer()
	if err != nil {
		return Result{}, err
	}

	start := c.clock.Now()
	c.metrics.CallStarted()
	res, err := c.run(ctx, transfer, req, start)
	res.Duration = c.clock.Now().Sub(start)
	c.metrics.CallFinished(req.Name, resultLabel(res, err), res.Duration)
	return res, err
}

func (c *Caller) run(ctx context.Context, transfer remote.FileTransfer, req Request, start time.Time) (Result, error) {
	token := NewToken(start)
	out := TempPath(c.tempDir, req.Name, start, "out")
	cleanup := []string{out}
	defer func() { c.cleanup(cleanup) }()

	cmd := req.Command
	if req.Script != "" {
		script := TempPath(c.tempDir, req.Name, start, "sh")
		if err := transfer.WriteFile(script, []byte(req.Script), 0o700); err != nil {
			return Result{}, fmt.Errorf("stage script %s: %w", script, err)
		}
		cleanup = append(cleanup, script)
		cmd = "sh " + shellQuote(script)

		if req.Sudo {
			sudoCmd, authDir, err := c.sudo(transfer, req.Name, start, script)
			if authDir != "" {
				cleanup = append(cleanup, authDir)
			}
			if err != nil {
				return Result{}, err
			}
			cmd = sudoCmd
		}
		if !req.Interruptible {
			cmd = withRemoteTimeout(cmd, req.Timeout)
		}
	}

	completion, unregister := c.host.Await(token)
	defer unregister()

	if err := c.host.Write(ctx, []byte(Invocation(cmd, out, token))); err != nil {
		return Result{}, fmt.Errorf("write invocation: %w", err)
	}
	slog.Debug("Virtual call started", "call", req.Name, "token", token)

	p := poller{transfer: transfer, path: out, onOutput: req.OnOutput}

	timeout := c.clock.After(req.Timeout)
	var settle <-chan time.Time
	var tick *clock.Ticker
	if req.Mode == ModeSettle {
		settle = c.clock.After(req.Settle)
	} else if req.OnOutput != nil {
		tick = c.clock.NewTicker(req.PollInterval)
	}
	defer func() {
		if tick != nil {
			tick.Stop()
		}
	}()

	for {
		var tickC <-chan time.Time
		if tick != nil {
			tickC = tick.C
		}

		select {
		case done := <-completion:
			if done.Err != nil {
				return Result{}, fmt.Errorf("%w: %v", ErrClosed, done.Err)
			}
			if err := p.read(); err != nil {
				return Result{}, fmt.Errorf("read output %s: %w", out, err)
			}
			return Result{Output: p.last, ExitCode: done.ExitCode, Complete: true}, nil

		case <-settle:
			settle = nil
			if err := p.read(); err == nil && len(p.last) > 0 {
				return Result{Output: p.last, ExitCode: -1}, nil
			}
			tick = c.clock.NewTicker(req.PollInterval)

		case <-tickC:
			err := p.read()
			if req.Mode == ModeSettle && err == nil && len(p.last) > 0 {
				return Result{Output: p.last, ExitCode: -1}, nil
			}

		case <-timeout:
			_ = p.read()
			slog.Debug("Virtual call timed out", "call", req.Name, "token", token, "read", len(p.last))
			if len(p.last) == 0 {
				return Result{ExitCode: -1}, ErrTimeout
			}
			return Result{Output: p.last, ExitCode: -1}, nil

		case <-ctx.Done():
			return Result{Output: p.last, ExitCode: -1}, ctx.Err()
		}
	}
}

// sudo stages the session password in a fresh directory that is made
// owner-only before the password file is created inside it, and returns
// the command that feeds it to sudo along with the directory to remove.
// Without a password it falls back to non-interactive sudo.
func (c *Caller) sudo(transfer remote.FileTransfer, name string, now time.Time, script string) (string, string, error) {
	password := c.host.Credentials().Password
	if password == "" {
		return "sudo -n sh " + shellQuote(script), "", nil
	}
	dir := TempPath(c.tempDir, name+"_auth", now, "d")
	if err := transfer.Mkdir(dir); err != nil {
		return "", "", fmt.Errorf("stage sudo password: %w", err)
	}
	if err := transfer.Chmod(dir, 0o700); err != nil {
		return "", dir, fmt.Errorf("stage sudo password: %w", err)
	}
	passFile := path.Join(dir, "pass")
	if err := transfer.WriteFile(passFile, []byte(password+"\n"), 0o600); err != nil {
		return "", dir, fmt.Errorf("stage sudo password: %w", err)
	}
	return fmt.Sprintf("sudo -S -p '' sh %s < %s", shellQuote(script), shellQuote(passFile)), dir, nil
}

func (c *Caller) cleanup(paths []string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupWriteTimeout)
	defer cancel()
	if err := c.host.Write(ctx, []byte(cleanupLine(paths))); err != nil {
		slog.Debug("Failed to queue temp file cleanup", "error", err)
	}
}

type poller struct {
	transfer remote.FileTransfer
	path     string
	onOutput func([]byte)
	tracker  Tracker
	last     []byte
}

// read refreshes last from the output file. The file may not exist yet
// while the shell is still busy with earlier lines.
func (p *poller) read() error {
	data, err := p.transfer.ReadFile(p.path)
	if err != nil {
		return err
	}
	p.last = data
	if p.onOutput != nil {
		if delta := p.tracker.Next(data); len(delta) > 0 {
			p.onOutput(delta)
		}
	}
	return nil
}

func resultLabel(res Result, err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case err != nil:
		return "error"
	case !res.Complete:
		return "partial"
	default:
		return "ok"
	}
}
