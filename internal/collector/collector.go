// Package collector builds remote system samplers on top of virtual
// calls: telemetry, network state, log tails, port scans, neighbour
// discovery and long-running operator commands.
package collector

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/EternisAI/shellmux/internal/clock"
	"github.com/EternisAI/shellmux/internal/vcall"
)

// Event types emitted by collectors.
const (
	EventTelemetry     = "telemetry"
	EventProcesses     = "processes"
	EventNetwork       = "network"
	EventLogs          = "logs"
	EventScanProgress  = "scan.progress"
	EventScanResult    = "scan.result"
	EventScanComplete  = "scan.complete"
	EventDiscover      = "discover"
	EventCommandOutput = "command.output"
	EventCommandDone   = "command.done"
)

const MinInterval = 5 * time.Second

var ErrParse = errors.New("unparseable collector output")

// Execer runs virtual calls; *vcall.Caller implements it.
type Execer interface {
	Call(ctx context.Context, req vcall.Request) (vcall.Result, error)
}

// Emit delivers one collector result.
type Emit func(eventType string, payload any)

// Report receives the error of a failed tick.
type Report func(err error)

// ClampInterval applies the default when d is unset and enforces min.
func ClampInterval(d, def, min time.Duration) time.Duration {
	if d <= 0 {
		d = def
	}
	if d < min {
		return min
	}
	return d
}

// Loop runs tick immediately and then every interval until ctx is done.
// Ticks never overlap; a slow tick delays the next one.
func Loop(ctx context.Context, clk clock.Clock, interval time.Duration, name string, tick func(context.Context)) {
	slog.Debug("Collector loop started", "collector", name, "interval", interval)
	defer slog.Debug("Collector loop stopped", "collector", name)

	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// lines splits remote output into trimmed, non-empty lines.
func lines(out []byte) []string {
	var res []string
	for _, l := range strings.Split(string(out), "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) == "" {
			continue
		}
		res = append(res, l)
	}
	return res
}

// sections splits output on "#name" marker lines.
func sections(out []byte) map[string][]string {
	res := make(map[string][]string)
	current := ""
	for _, l := range lines(out) {
		if strings.HasPrefix(l, "#") && !strings.Contains(l, " ") {
			current = strings.TrimPrefix(l, "#")
			continue
		}
		res[current] = append(res[current], l)
	}
	return res
}
