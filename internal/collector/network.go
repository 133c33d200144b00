package collector

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/EternisAI/shellmux/internal/clock"
	"github.com/EternisAI/shellmux/internal/vcall"
)

const (
	DefaultNetworkInterval = 10 * time.Second
	networkTimeout         = 15 * time.Second
)

const networkScript = `echo "#interfaces"
cat /proc/net/dev
echo "#connections"
if command -v ss >/dev/null 2>&1; then ss -tunaH; else netstat -tuna 2>/dev/null | tail -n +3; fi
`

type InterfaceStats struct {
	Name      string `json:"name"`
	RxBytes   uint64 `json:"rx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	RxErrors  uint64 `json:"rx_errors"`
	TxBytes   uint64 `json:"tx_bytes"`
	TxPackets uint64 `json:"tx_packets"`
	TxErrors  uint64 `json:"tx_errors"`
}

type Connection struct {
	Proto string `json:"proto"`
	State string `json:"state"`
	Local string `json:"local"`
	Peer  string `json:"peer"`
}

type Bandwidth struct {
	Interface     string  `json:"interface"`
	RxBytesPerSec float64 `json:"rx_bytes_per_sec"`
	TxBytesPerSec float64 `json:"tx_bytes_per_sec"`
}

type NetworkSnapshot struct {
	Interfaces  []InterfaceStats `json:"interfaces"`
	Connections []Connection     `json:"connections"`
	Bandwidth   []Bandwidth      `json:"bandwidth"`
	CollectedAt time.Time        `json:"collected_at"`
}

// Network samples interfaces and sockets. Bandwidth is derived from the
// previous sample taken by the same Network.
type Network struct {
	exec    Execer
	clock   clock.Clock
	tracker *BandwidthTracker
}

func NewNetwork(exec Execer, clk clock.Clock) *Network {
	if clk == nil {
		clk = clock.Real()
	}
	return &Network{exec: exec, clock: clk, tracker: NewBandwidthTracker()}
}

func (n *Network) Collect(ctx context.Context) (NetworkSnapshot, error) {
	res, err := n.exec.Call(ctx, vcall.Request{
		Name:    "network",
		Script:  networkScript,
		Timeout: networkTimeout,
	})
	if err != nil {
		return NetworkSnapshot{}, err
	}

	parts := sections(res.Output)
	ifaces := ParseNetDev(parts["interfaces"])
	if len(ifaces) == 0 {
		return NetworkSnapshot{}, fmt.Errorf("%w: no interfaces", ErrParse)
	}
	now := n.clock.Now()
	return NetworkSnapshot{
		Interfaces:  ifaces,
		Connections: ParseConnections(parts["connections"]),
		Bandwidth:   n.tracker.Update(ifaces, now),
		CollectedAt: now,
	}, nil
}

// ParseNetDev reads /proc/net/dev lines; the two header lines have no
// numeric counters and are skipped.
func ParseNetDev(lines []string) []InterfaceStats {
	var res []InterfaceStats
	for _, l := range lines {
		name, rest, ok := strings.Cut(l, ":")
		if !ok {
			continue
		}
		f := strings.Fields(rest)
		if len(f) < 16 {
			continue
		}
		var v [16]uint64
		valid := true
		for i := range v {
			n, err := strconv.ParseUint(f[i], 10, 64)
			if err != nil {
				valid = false
				break
			}
			v[i] = n
		}
		if !valid {
			continue
		}
		res = append(res, InterfaceStats{
			Name:      strings.TrimSpace(name),
			RxBytes:   v[0],
			RxPackets: v[1],
			RxErrors:  v[2],
			TxBytes:   v[8],
			TxPackets: v[9],
			TxErrors:  v[10],
		})
	}
	return res
}

// ParseConnections accepts both `ss -tunaH` and `netstat -tuna` rows.
func ParseConnections(lines []string) []Connection {
	var res []Connection
	for _, l := range lines {
		f := strings.Fields(l)
		if len(f) < 5 || !strings.HasPrefix(f[0], "tcp") && !strings.HasPrefix(f[0], "udp") {
			continue
		}
		if _, err := strconv.Atoi(f[1]); err == nil {
			// netstat: proto recv-q send-q local foreign [state]
			c := Connection{Proto: f[0], Local: f[3], Peer: f[4]}
			if len(f) > 5 {
				c.State = f[5]
			}
			res = append(res, c)
			continue
		}
		if len(f) < 6 {
			continue
		}
		res = append(res, Connection{Proto: f[0], State: f[1], Local: f[4], Peer: f[5]})
	}
	return res
}

type counterSample struct {
	rx, tx uint64
	at     time.Time
}

// BandwidthTracker turns consecutive byte counters into per-second rates.
type BandwidthTracker struct {
	mu   sync.Mutex
	prev map[string]counterSample
}

func NewBandwidthTracker() *BandwidthTracker {
	return &BandwidthTracker{prev: make(map[string]counterSample)}
}

// Update records ifaces as the latest sample and returns rates for the
// interfaces seen in the previous sample too. A counter that went
// backwards (reset, wrap) yields a zero rate for that tick. Interfaces
// missing from ifaces are forgotten.
func (b *BandwidthTracker) Update(ifaces []InterfaceStats, at time.Time) []Bandwidth {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make(map[string]counterSample, len(ifaces))
	var res []Bandwidth
	for _, iface := range ifaces {
		cur := counterSample{rx: iface.RxBytes, tx: iface.TxBytes, at: at}
		next[iface.Name] = cur

		prev, ok := b.prev[iface.Name]
		if !ok {
			continue
		}
		secs := at.Sub(prev.at).Seconds()
		if secs <= 0 {
			continue
		}
		bw := Bandwidth{Interface: iface.Name}
		if cur.rx >= prev.rx {
			bw.RxBytesPerSec = float64(cur.rx-prev.rx) / secs
		}
		if cur.tx >= prev.tx {
			bw.TxBytesPerSec = float64(cur.tx-prev.tx) / secs
		}
		res = append(res, bw)
	}
	b.prev = next

	sort.Slice(res, func(i, j int) bool { return res[i].Interface < res[j].Interface })
	return res
}

// RunNetwork samples the network every interval until ctx is done.
func RunNetwork(ctx context.Context, n *Network, interval time.Duration, emit Emit, report Report) {
	interval = ClampInterval(interval, DefaultNetworkInterval, MinInterval)
	Loop(ctx, n.clock, interval, "network", func(ctx context.Context) {
		n.Tick(ctx, emit, report)
	})
}

func (n *Network) Tick(ctx context.Context, emit Emit, report Report) {
	snap, err := n.Collect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			report(err)
		}
		return
	}
	emit(EventNetwork, snap)
}
