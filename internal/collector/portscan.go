package collector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/EternisAI/shellmux/internal/clock"
	"github.com/EternisAI/shellmux/internal/metrics"
	"github.com/EternisAI/shellmux/internal/vcall"
)

const (
	DefaultScanBatchSize  = 10
	DefaultScanBatchDelay = 2 * time.Second
	DefaultScanTimeout    = 2 * time.Second
)

var (
	ErrInvalidTarget = errors.New("invalid scan target")
	ErrNoPorts       = errors.New("no valid ports to scan")
)

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9.-]{0,252})$`)

// ParsePortSpec expands "22,80,8000-8100" into sorted unique ports.
// Tokens that are not numbers or ranges, and ports outside 1-65535, are
// dropped.
func ParsePortSpec(spec string) []int {
	seen := make(map[int]struct{})
	add := func(p int) {
		if p >= 1 && p <= 65535 {
			seen[p] = struct{}{}
		}
	}

	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(tok, "-")
		if !isRange {
			if p, err := strconv.Atoi(tok); err == nil {
				add(p)
			}
			continue
		}
		start, err1 := strconv.Atoi(strings.TrimSpace(lo))
		end, err2 := strconv.Atoi(strings.TrimSpace(hi))
		if err1 != nil || err2 != nil {
			continue
		}
		start, end = max(start, 1), min(end, 65535)
		for p := start; p <= end; p++ {
			add(p)
		}
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// ValidateTarget accepts an IP address or a plain hostname; anything
// that could carry shell syntax is rejected.
func ValidateTarget(target string) error {
	if net.ParseIP(target) != nil {
		return nil
	}
	if hostnamePattern.MatchString(target) && !strings.Contains(target, "..") {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidTarget, target)
}

type PortResult struct {
	Port int    `json:"port"`
	Open bool   `json:"open"`
	Host string `json:"host"`
}

type ScanProgress struct {
	Scanned int `json:"scanned"`
	Total   int `json:"total"`
	Percent int `json:"percent"`
}

type ScanSummary struct {
	Host      string `json:"host"`
	Total     int    `json:"total"`
	OpenPorts []int  `json:"open_ports"`
}

type ScanOptions struct {
	BatchSize  int
	BatchDelay time.Duration
	// Timeout bounds each connection attempt on the remote host.
	Timeout time.Duration
}

// Scanner probes TCP ports from the remote host, one virtual call per
// port, a batch at a time.
type Scanner struct {
	exec    Execer
	clock   clock.Clock
	opts    ScanOptions
	metrics *metrics.Metrics
}

func NewScanner(exec Execer, clk clock.Clock, opts ScanOptions, m *metrics.Metrics) *Scanner {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultScanBatchSize
	}
	if opts.BatchDelay < 0 {
		opts.BatchDelay = 0
	} else if opts.BatchDelay == 0 {
		opts.BatchDelay = DefaultScanBatchDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultScanTimeout
	}
	return &Scanner{exec: exec, clock: clk, opts: opts, metrics: m}
}

// Scan emits a result and a progress event per port and one completion
// event after the last batch. Progress reaches 100 exactly once, with
// the last result. A cancelled scan emits no completion, and neither
// does one whose calls fail for any reason other than a probe timeout.
func (s *Scanner) Scan(ctx context.Context, target string, ports []int, emit Emit) (ScanSummary, error) {
	if err := ValidateTarget(target); err != nil {
		return ScanSummary{}, err
	}
	if len(ports) == 0 {
		return ScanSummary{}, ErrNoPorts
	}

	total := len(ports)
	var mu sync.Mutex
	scanned := 0
	var open []int

	for start := 0; start < total; start += s.opts.BatchSize {
		if start > 0 && s.opts.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return ScanSummary{}, ctx.Err()
			case <-s.clock.After(s.opts.BatchDelay):
			}
		}

		end := min(start+s.opts.BatchSize, total)
		g, gctx := errgroup.WithContext(ctx)
		for _, port := range ports[start:end] {
			g.Go(func() error {
				isOpen, err := s.probe(gctx, target, port)
				if err != nil {
					return fmt.Errorf("probe %s:%d: %w", target, port, err)
				}
				s.metrics.PortScanned(isOpen)

				mu.Lock()
				defer mu.Unlock()
				scanned++
				if isOpen {
					open = append(open, port)
				}
				emit(EventScanResult, PortResult{Port: port, Open: isOpen, Host: target})
				emit(EventScanProgress, ScanProgress{Scanned: scanned, Total: total, Percent: scanned * 100 / total})
				return nil
			})
		}
		err := g.Wait()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ScanSummary{}, ctxErr
		}
		if err != nil {
			return ScanSummary{}, err
		}
	}

	sort.Ints(open)
	summary := ScanSummary{Host: target, Total: total, OpenPorts: open}
	emit(EventScanComplete, summary)
	return summary, nil
}

// probe reports a port closed when the remote attempt times out or the
// call ends without its sentinel. Any other call failure is returned.
func (s *Scanner) probe(ctx context.Context, target string, port int) (bool, error) {
	secs := max(int(s.opts.Timeout.Round(time.Second)/time.Second), 1)
	cmd := fmt.Sprintf(
		"timeout %d bash -c 'echo > /dev/tcp/%s/%d' 2>/dev/null && echo open || echo closed",
		secs, target, port)
	res, err := s.exec.Call(ctx, vcall.Request{
		Name:    "scan",
		Command: cmd,
		Timeout: s.opts.Timeout + 5*time.Second,
	})
	switch {
	case errors.Is(err, vcall.ErrTimeout):
		return false, nil
	case err != nil:
		return false, err
	case !res.Complete:
		return false, nil
	}
	return strings.TrimSpace(string(res.Output)) == "open", nil
}
