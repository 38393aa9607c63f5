package uplink

import (
	"log/slog"
	"sync"
	"time"

	ping "github.com/prometheus-community/pro-bing"
)

// ProbeInterval matches the status task's ~30s cadence (spec §5).
const ProbeInterval = 30 * time.Second

// ProbeResult is the outcome of one reachability probe against the
// currently selected route.
type ProbeResult struct {
	Route     Route
	LatencyMS float64
	PacketLoss float64
	Reachable bool
}

// Prober periodically pings a well-known external host over whichever
// uplink currently holds the default route, so the status task can
// report more than "route selected" — an interface can be up with an
// IP yet have no real path out.
type Prober struct {
	mu     sync.RWMutex
	target string
	count  int
	last   ProbeResult
	sup    *Supervisor
}

// NewProber builds a prober against target (an IP, to avoid depending
// on DNS working). Pass the gateway's Supervisor so the prober can read
// the current route without its own copy of the state.
func NewProber(sup *Supervisor, target string) *Prober {
	return &Prober{sup: sup, target: target, count: 3}
}

// Probe runs one ping burst and records the result. It never returns an
// error: a failed probe is recorded as unreachable, matching the
// teacher's best-effort "log and continue" monitor loop.
func (p *Prober) Probe() ProbeResult {
	route := p.sup.Route()
	result := ProbeResult{Route: route}

	if route == RouteNone {
		p.record(result)
		return result
	}

	pinger, err := ping.NewPinger(p.target)
	if err != nil {
		slog.Warn("uplink: could not construct pinger", "err", err)
		p.record(result)
		return result
	}
	pinger.SetPrivileged(true)
	pinger.Count = p.count
	pinger.Timeout = 2 * time.Second

	if err := pinger.Run(); err != nil {
		slog.Debug("uplink: probe failed", "target", p.target, "err", err)
		p.record(result)
		return result
	}

	stats := pinger.Statistics()
	result.LatencyMS = float64(stats.AvgRtt.Microseconds()) / 1000.0
	result.PacketLoss = stats.PacketLoss
	result.Reachable = stats.PacketLoss < 100.0

	p.record(result)
	return result
}

func (p *Prober) record(r ProbeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = r
}

// Last returns the most recent probe result for the status task to
// include in its snapshot.
func (p *Prober) Last() ProbeResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}
