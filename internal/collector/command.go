package collector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/shellmux/internal/vcall"
)

const (
	DefaultCommandTimeout      = 10 * time.Minute
	DefaultCommandPollInterval = time.Second

	interruptTimeout = 5 * time.Second
)

// Interrupter writes raw bytes to the session shell.
type Interrupter interface {
	Write(ctx context.Context, p []byte) error
}

type CommandOutput struct {
	Data string `json:"data"`
}

type CommandDone struct {
	ExitCode   int   `json:"exit_code"`
	TimedOut   bool  `json:"timed_out"`
	DurationMS int64 `json:"duration_ms"`
	// Stopped marks a command abandoned by an explicit stop; ExitCode
	// is -1 then.
	Stopped bool `json:"stopped,omitempty"`
}

type CommandOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// Runner executes one operator command at a time as a single long
// virtual call, streaming output deltas as they land in the output file.
type Runner struct {
	exec  Execer
	shell Interrupter
	opts  CommandOptions

	mu      sync.Mutex
	running bool
}

func NewRunner(exec Execer, shell Interrupter, opts CommandOptions) *Runner {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCommandTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultCommandPollInterval
	}
	return &Runner{exec: exec, shell: shell, opts: opts}
}

// Run emits command.output events whose data concatenates to the full
// output, then one command.done. The command stays in the terminal's
// foreground so Stop can interrupt it; on timeout it is interrupted the
// same way.
func (r *Runner) Run(ctx context.Context, text string, emit Emit) (CommandDone, error) {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	var carry []byte
	flush := func(p []byte, final bool) {
		var chunk []byte
		chunk, carry = vcall.SplitUTF8(append(carry, p...))
		if final {
			chunk, carry = append(chunk, carry...), nil
		}
		if len(chunk) > 0 {
			emit(EventCommandOutput, CommandOutput{Data: string(chunk)})
		}
	}

	res, err := r.exec.Call(ctx, vcall.Request{
		Name:          "command",
		Script:        text,
		Interruptible: true,
		Timeout:       r.opts.Timeout,
		PollInterval:  r.opts.PollInterval,
		OnOutput:      func(p []byte) { flush(p, false) },
	})
	flush(nil, true)

	done := CommandDone{ExitCode: res.ExitCode, DurationMS: res.Duration.Milliseconds()}
	switch {
	case errors.Is(err, vcall.ErrTimeout):
		done.TimedOut = true
	case err != nil:
		return CommandDone{}, err
	case !res.Complete:
		done.TimedOut = true
	}
	if done.TimedOut {
		slog.Info("Command timed out, interrupting", "timeout", r.opts.Timeout)
		r.interrupt()
	}

	emit(EventCommandDone, done)
	return done, nil
}

// Stop sends Ctrl-C to the shell. It hits whatever runs in the
// foreground, which is normally the running command.
func (r *Runner) Stop() error {
	return r.interrupt()
}

func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) interrupt() error {
	ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
	defer cancel()
	return r.shell.Write(ctx, []byte{0x03})
}
