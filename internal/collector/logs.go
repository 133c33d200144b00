package collector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/EternisAI/shellmux/internal/clock"
	"github.com/EternisAI/shellmux/internal/vcall"
)

const (
	DefaultLogInitialLines = 100
	DefaultLogTailLines    = 20
	DefaultLogInterval     = 3 * time.Second
	DefaultLogCacheSize    = 100
	logTimeout             = 15 * time.Second
)

var ErrInvalidSource = errors.New("invalid log source")

// Well-known log names. Anything else must be an absolute path.
var logSources = map[string]string{
	"syslog":   "/var/log/syslog",
	"messages": "/var/log/messages",
	"auth":     "/var/log/auth.log",
	"secure":   "/var/log/secure",
	"kern":     "/var/log/kern.log",
	"dmesg":    "",
	"journal":  "",
}

var logPathPattern = regexp.MustCompile(`^/[A-Za-z0-9._/-]+$`)

type LogBatch struct {
	Source  string   `json:"source"`
	Lines   []string `json:"lines"`
	Initial bool     `json:"initial"`
}

type LogOptions struct {
	InitialLines int
	TailLines    int
	CacheSize    int
	Sudo         bool
}

// LogFetcher tails log sources and emits only lines it has not
// recently emitted. A line repeated verbatim after it left the per
// source cache is emitted again.
type LogFetcher struct {
	exec Execer
	opts LogOptions

	mu     sync.Mutex
	caches map[string]*lru.Cache[string, struct{}]
}

func NewLogFetcher(exec Execer, opts LogOptions) *LogFetcher {
	if opts.InitialLines <= 0 {
		opts.InitialLines = DefaultLogInitialLines
	}
	if opts.TailLines <= 0 {
		opts.TailLines = DefaultLogTailLines
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultLogCacheSize
	}
	return &LogFetcher{
		exec:   exec,
		opts:   opts,
		caches: make(map[string]*lru.Cache[string, struct{}]),
	}
}

// LogCommand returns the shell command that prints the last n lines of
// source.
func LogCommand(source string, n int) (string, error) {
	path, known := logSources[source]
	switch {
	case source == "journal":
		return fmt.Sprintf("journalctl -n %d --no-pager", n), nil
	case source == "dmesg":
		return fmt.Sprintf("dmesg | tail -n %d", n), nil
	case known:
	case logPathPattern.MatchString(source):
		path = source
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}
	return fmt.Sprintf("tail -n %d %s", n, path), nil
}

// Fetch reads every source once. The first fetch of a source reads
// lines (or the configured initial count) and emits all of them; later
// fetches read the tail window and keep only unseen lines. A source
// that fails is reported in the returned error while the others still
// produce batches.
func (f *LogFetcher) Fetch(ctx context.Context, sources []string, lines int) ([]LogBatch, error) {
	var batches []LogBatch
	var errs []error
	for _, src := range sources {
		b, err := f.fetch(ctx, src, lines)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src, err))
			continue
		}
		if len(b.Lines) > 0 {
			batches = append(batches, b)
		}
	}
	return batches, errors.Join(errs...)
}

func (f *LogFetcher) fetch(ctx context.Context, source string, lines int) (LogBatch, error) {
	cache, first := f.cache(source)
	n := f.opts.TailLines
	if first {
		n = f.opts.InitialLines
		if lines > 0 {
			n = lines
		}
	}

	got, err := f.read(ctx, source, n)
	if err != nil {
		if first {
			f.forget(source)
		}
		return LogBatch{}, err
	}

	fresh := got
	if !first {
		fresh = vcall.LineDiff(cache.Keys(), got)
	}
	for _, l := range got {
		cache.Add(l, struct{}{})
	}
	return LogBatch{Source: source, Lines: fresh, Initial: first}, nil
}

// FetchOnce reads lines from every source without touching the
// deduplication state.
func (f *LogFetcher) FetchOnce(ctx context.Context, sources []string, lines int) ([]LogBatch, error) {
	if lines <= 0 {
		lines = f.opts.InitialLines
	}
	var batches []LogBatch
	var errs []error
	for _, src := range sources {
		got, err := f.read(ctx, src, lines)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src, err))
			continue
		}
		batches = append(batches, LogBatch{Source: src, Lines: got, Initial: true})
	}
	return batches, errors.Join(errs...)
}

func (f *LogFetcher) read(ctx context.Context, source string, n int) ([]string, error) {
	cmd, err := LogCommand(source, n)
	if err != nil {
		return nil, err
	}
	res, err := f.exec.Call(ctx, vcall.Request{
		Name:    "logs",
		Command: cmd,
		Sudo:    f.opts.Sudo,
		Timeout: logTimeout,
	})
	if err != nil {
		return nil, err
	}
	return lines(res.Output), nil
}

func (f *LogFetcher) cache(source string) (*lru.Cache[string, struct{}], bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.caches[source]; ok {
		return c, false
	}
	c, _ := lru.New[string, struct{}](f.opts.CacheSize)
	f.caches[source] = c
	return c, true
}

func (f *LogFetcher) forget(source string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.caches, source)
}

// LogStreamOptions configures RunLogStream.
type LogStreamOptions struct {
	Sources  []string
	Lines    int
	Interval time.Duration
}

// RunLogStream fetches the sources every interval until ctx is done and
// emits one batch per source with new lines.
func RunLogStream(ctx context.Context, f *LogFetcher, clk clock.Clock, opts LogStreamOptions, emit Emit, report Report) {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultLogInterval
	}
	Loop(ctx, clk, interval, "logs", func(ctx context.Context) {
		batches, err := f.Fetch(ctx, opts.Sources, opts.Lines)
		for _, b := range batches {
			emit(EventLogs, b)
		}
		if err != nil && ctx.Err() == nil {
			report(err)
		}
	})
}
