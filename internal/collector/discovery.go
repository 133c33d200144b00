package collector

import (
	"context"
	"strings"
	"time"

	"github.com/EternisAI/shellmux/internal/vcall"
)

const (
	discoveryTimeout = 15 * time.Second

	discoveryScript = `echo "#addresses"
ip -o -4 addr show 2>/dev/null
echo "#neighbors"
ip neigh show 2>/dev/null
`
)

type LocalAddress struct {
	Interface string `json:"interface"`
	CIDR      string `json:"cidr"`
}

type Neighbor struct {
	IP        string `json:"ip"`
	Interface string `json:"interface"`
	MAC       string `json:"mac,omitempty"`
	State     string `json:"state"`
}

type Discovery struct {
	Addresses []LocalAddress `json:"addresses"`
	Neighbors []Neighbor     `json:"neighbors"`
}

// Discover lists the host's IPv4 addresses and its neighbour table.
func Discover(ctx context.Context, exec Execer) (Discovery, error) {
	res, err := exec.Call(ctx, vcall.Request{
		Name:    "discover",
		Script:  discoveryScript,
		Timeout: discoveryTimeout,
	})
	if err != nil {
		return Discovery{}, err
	}
	parts := sections(res.Output)
	return Discovery{
		Addresses: ParseAddresses(parts["addresses"]),
		Neighbors: ParseNeighbors(parts["neighbors"]),
	}, nil
}

// ParseAddresses reads `ip -o -4 addr` rows, skipping loopback.
func ParseAddresses(lines []string) []LocalAddress {
	var res []LocalAddress
	for _, l := range lines {
		f := strings.Fields(l)
		if len(f) < 4 || f[2] != "inet" || f[1] == "lo" {
			continue
		}
		res = append(res, LocalAddress{Interface: f[1], CIDR: f[3]})
	}
	return res
}

// ParseNeighbors reads `ip neigh` rows such as
// "10.0.0.1 dev eth0 lladdr 52:54:00:12:34:56 REACHABLE".
func ParseNeighbors(lines []string) []Neighbor {
	var res []Neighbor
	for _, l := range lines {
		f := strings.Fields(l)
		if len(f) < 3 {
			continue
		}
		n := Neighbor{IP: f[0], State: f[len(f)-1]}
		for i := 1; i+1 < len(f); i++ {
			switch f[i] {
			case "dev":
				n.Interface = f[i+1]
			case "lladdr":
				n.MAC = f[i+1]
			}
		}
		res = append(res, n)
	}
	return res
}
