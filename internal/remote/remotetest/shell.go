package remotetest

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
)

var (
	invocationPattern = regexp.MustCompile(`^ \((.*)\) > (\S+) 2>&1; echo '([^']*)''([^']*)'":\$\?"$`)
	scriptPattern     = regexp.MustCompile(`sh '?([^ ';]+\.sh)'?`)
	stdinPattern      = regexp.MustCompile(`< '?([^ ';]+)'?`)
	cleanupPattern    = regexp.MustCompile(`^ rm -rf (.+)$`)
)

// Invocation is one virtual call as seen by the fake shell.
type Invocation struct {
	// Line is the raw command inside the subshell.
	Line string
	// Script is the staged script body when the call ran one.
	Script     string
	ScriptPath string
	OutputPath string
	Token      string
	Sudo       bool
	// Stdin is the content of a redirected input file, if any.
	Stdin string
}

// Body is the script body, or the inline command when there is none.
func (inv Invocation) Body() string {
	if inv.ScriptPath != "" {
		return inv.Script
	}
	return inv.Line
}

// Reply is what the fake "executes". Output is written to the call's
// output file; unless Hang is set the sentinel follows with ExitCode.
type Reply struct {
	Output   string
	ExitCode int
	Hang     bool
}

type Responder func(inv Invocation) Reply

// Shell is a fake interactive shell. Every complete input line is
// echoed back like a tty would; invocation lines are handed to the
// responder and answered with a sentinel.
type Shell struct {
	fs        *FS
	responder Responder

	mu          sync.Mutex
	pending     []byte
	lines       []string
	invocations []Invocation
	interrupts  int
	rows, cols  int
	closed      bool
	writeErr    error

	out *stream
}

func NewShell(fs *FS, responder Responder) *Shell {
	if responder == nil {
		responder = func(Invocation) Reply { return Reply{} }
	}
	return &Shell{fs: fs, responder: responder, out: newStream()}
}

func (s *Shell) SetResponder(r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = r
}

// FailWrites makes every later Write return err.
func (s *Shell) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func (s *Shell) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return 0, err
	}

	var handle []string
	for _, b := range p {
		switch b {
		case 0x03:
			s.interrupts++
			s.pending = s.pending[:0]
			s.out.write([]byte("^C\r\n"))
		case '\n':
			handle = append(handle, string(s.pending))
			s.pending = s.pending[:0]
		default:
			s.pending = append(s.pending, b)
		}
	}
	s.mu.Unlock()

	for _, line := range handle {
		s.handleLine(line)
	}
	return len(p), nil
}

func (s *Shell) handleLine(line string) {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	responder := s.responder
	s.mu.Unlock()

	s.out.write([]byte(line + "\r\n"))

	if m := cleanupPattern.FindStringSubmatch(line); m != nil {
		for _, p := range strings.Fields(m[1]) {
			s.fs.removeAll(strings.Trim(p, "'"))
		}
		return
	}

	m := invocationPattern.FindStringSubmatch(line)
	if m == nil {
		return
	}
	inv := Invocation{
		Line:       m[1],
		OutputPath: m[2],
		Token:      m[4],
		Sudo:       strings.Contains(m[1], "sudo "),
	}
	if sm := scriptPattern.FindStringSubmatch(inv.Line); sm != nil {
		inv.ScriptPath = sm[1]
		inv.Script = s.fs.Content(sm[1])
	}
	if im := stdinPattern.FindStringSubmatch(inv.Line); im != nil {
		inv.Stdin = s.fs.Content(im[1])
	}

	s.mu.Lock()
	s.invocations = append(s.invocations, inv)
	s.mu.Unlock()

	reply := responder(inv)
	s.fs.Put(inv.OutputPath, reply.Output)
	if !reply.Hang {
		s.out.write([]byte(fmt.Sprintf("%s%s:%d\r\n", m[3], m[4], reply.ExitCode)))
	}
}

// Emit pushes raw output onto the stream, e.g. a late sentinel.
func (s *Shell) Emit(data string) {
	s.out.write([]byte(data))
}

func (s *Shell) Output() io.Reader {
	return s.out
}

func (s *Shell) Resize(rows, cols int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows, s.cols = rows, cols
	return nil
}

func (s *Shell) Size() (rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

func (s *Shell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.EOF
	}
	s.closed = true
	s.out.close()
	return nil
}

func (s *Shell) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Shell) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *Shell) Invocations() []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Invocation(nil), s.invocations...)
}

func (s *Shell) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// stream is an unbounded in-memory pipe: writes never block.
type stream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newStream() *stream {
	s := &stream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *stream) write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.buf.Write(p)
	s.cond.Broadcast()
}

func (s *stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buf.Len() == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.buf.Len() == 0 {
		return 0, io.EOF
	}
	return s.buf.Read(p)
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}
