package collector

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/EternisAI/shellmux/internal/clock"
	"github.com/EternisAI/shellmux/internal/vcall"
)

const (
	DefaultTelemetryInterval = 10 * time.Second
	DefaultProcessCount      = 10
	telemetryTimeout         = 20 * time.Second
)

// telemetryScript prints one nested YAML document. CPU usage is the
// busy share of jiffies over a one second window.
const telemetryScript = `read_cpu() { awk '/^cpu /{t=0; for(i=2;i<=NF;i++) t+=$i; print t, $5+$6}' /proc/stat; }
s1=$(read_cpu); sleep 1; s2=$(read_cpu)
echo "hostname: \"$(hostname)\""
echo "kernel: \"$(uname -r)\""
echo "uptime_seconds: $(cut -d' ' -f1 /proc/uptime)"
echo "load: [$(cut -d' ' -f1-3 /proc/loadavg | sed 's/ /, /g')]"
echo "cpu:"
echo "$s1 $s2" | awk '{dt=$3-$1; di=$4-$2; u=(dt>0)?(100*(dt-di)/dt):0; printf "  usage_percent: %.1f\n", u}'
echo "  cores: $(grep -c ^processor /proc/cpuinfo)"
echo "memory:"
awk '/^MemTotal:/{t=$2} /^MemAvailable:/{a=$2} /^SwapTotal:/{st=$2} /^SwapFree:/{sf=$2} END{printf "  total_bytes: %d\n  available_bytes: %d\n  used_bytes: %d\n  swap_total_bytes: %d\n  swap_used_bytes: %d\n", t*1024, a*1024, (t-a)*1024, st*1024, (st-sf)*1024}' /proc/meminfo
echo "disks:"
df -P -k 2>/dev/null | awk 'NR>1 && $1 ~ /^\// {printf "  - filesystem: \"%s\"\n    mount: \"%s\"\n    total_bytes: %d\n    used_bytes: %d\n    available_bytes: %d\n", $1, $6, $2*1024, $3*1024, $4*1024}'
echo "network:"
awk 'NR>2 {gsub(":", " ", $0); printf "  - interface: \"%s\"\n    rx_bytes: %s\n    tx_bytes: %s\n", $1, $2, $10}' /proc/net/dev
`

type Snapshot struct {
	Hostname      string              `yaml:"hostname" json:"hostname"`
	Kernel        string              `yaml:"kernel" json:"kernel"`
	UptimeSeconds float64             `yaml:"uptime_seconds" json:"uptime_seconds"`
	Load          []float64           `yaml:"load" json:"load"`
	CPU           CPUStats            `yaml:"cpu" json:"cpu"`
	Memory        MemoryStats         `yaml:"memory" json:"memory"`
	Disks         []DiskStats         `yaml:"disks" json:"disks"`
	Network       []InterfaceCounters `yaml:"network" json:"network"`
	CollectedAt   time.Time           `yaml:"-" json:"collected_at"`
}

type CPUStats struct {
	UsagePercent float64 `yaml:"usage_percent" json:"usage_percent"`
	Cores        int     `yaml:"cores" json:"cores"`
}

type MemoryStats struct {
	TotalBytes     uint64 `yaml:"total_bytes" json:"total_bytes"`
	AvailableBytes uint64 `yaml:"available_bytes" json:"available_bytes"`
	UsedBytes      uint64 `yaml:"used_bytes" json:"used_bytes"`
	SwapTotalBytes uint64 `yaml:"swap_total_bytes" json:"swap_total_bytes"`
	SwapUsedBytes  uint64 `yaml:"swap_used_bytes" json:"swap_used_bytes"`
}

type DiskStats struct {
	Filesystem     string `yaml:"filesystem" json:"filesystem"`
	Mount          string `yaml:"mount" json:"mount"`
	TotalBytes     uint64 `yaml:"total_bytes" json:"total_bytes"`
	UsedBytes      uint64 `yaml:"used_bytes" json:"used_bytes"`
	AvailableBytes uint64 `yaml:"available_bytes" json:"available_bytes"`
}

type InterfaceCounters struct {
	Interface string `yaml:"interface" json:"interface"`
	RxBytes   uint64 `yaml:"rx_bytes" json:"rx_bytes"`
	TxBytes   uint64 `yaml:"tx_bytes" json:"tx_bytes"`
}

type Process struct {
	PID     int     `json:"pid"`
	User    string  `json:"user"`
	CPU     float64 `json:"cpu_percent"`
	Memory  float64 `json:"mem_percent"`
	Command string  `json:"command"`
}

type Telemetry struct {
	exec  Execer
	clock clock.Clock
}

func NewTelemetry(exec Execer, clk clock.Clock) *Telemetry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Telemetry{exec: exec, clock: clk}
}

func (t *Telemetry) Collect(ctx context.Context) (Snapshot, error) {
	res, err := t.exec.Call(ctx, vcall.Request{
		Name:    "telemetry",
		Script:  telemetryScript,
		Timeout: telemetryTimeout,
	})
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := ParseSnapshot(res.Output)
	if err != nil {
		return Snapshot{}, err
	}
	snap.CollectedAt = t.clock.Now()
	return snap, nil
}

func ParseSnapshot(out []byte) (Snapshot, error) {
	var snap Snapshot
	if err := yaml.Unmarshal(out, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if snap.Hostname == "" {
		return Snapshot{}, fmt.Errorf("%w: missing hostname", ErrParse)
	}
	return snap, nil
}

// Processes lists the top n processes by CPU share.
func (t *Telemetry) Processes(ctx context.Context, n int) ([]Process, error) {
	if n <= 0 {
		n = DefaultProcessCount
	}
	res, err := t.exec.Call(ctx, vcall.Request{
		Name:    "processes",
		Command: fmt.Sprintf("ps -eo pid,user,pcpu,pmem,comm --sort=-pcpu | head -n %d", n+1),
		Mode:    vcall.ModeSettle,
		Timeout: telemetryTimeout,
	})
	if err != nil {
		return nil, err
	}
	return ParseProcesses(res.Output), nil
}

// ParseProcesses reads ps output, skipping the header and any line that
// does not start with a pid.
func ParseProcesses(out []byte) []Process {
	var procs []Process
	for _, l := range lines(out) {
		f := strings.Fields(l)
		if len(f) < 5 {
			continue
		}
		pid, err := strconv.Atoi(f[0])
		if err != nil {
			continue
		}
		cpu, _ := strconv.ParseFloat(f[2], 64)
		mem, _ := strconv.ParseFloat(f[3], 64)
		procs = append(procs, Process{
			PID:     pid,
			User:    f[1],
			CPU:     cpu,
			Memory:  mem,
			Command: strings.Join(f[4:], " "),
		})
	}
	return procs
}

// TelemetryOptions configures RunTelemetry.
type TelemetryOptions struct {
	Interval     time.Duration
	ProcessCount int
}

// RunTelemetry samples the host every interval (at least MinInterval)
// until ctx is done. A failed tick is reported and the loop carries on.
func RunTelemetry(ctx context.Context, t *Telemetry, opts TelemetryOptions, emit Emit, report Report) {
	interval := ClampInterval(opts.Interval, DefaultTelemetryInterval, MinInterval)
	Loop(ctx, t.clock, interval, "telemetry", func(ctx context.Context) {
		t.Tick(ctx, opts.ProcessCount, emit, report)
	})
}

// Tick takes one telemetry sample and one process listing.
func (t *Telemetry) Tick(ctx context.Context, processCount int, emit Emit, report Report) {
	snap, err := t.Collect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Debug("Telemetry tick failed", "error", err)
		report(err)
	} else {
		emit(EventTelemetry, snap)
	}

	procs, err := t.Processes(ctx, processCount)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		report(err)
		return
	}
	emit(EventProcesses, procs)
}
