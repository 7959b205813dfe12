package connection

import (
	"context"
	"time"
)

// Prober takes one reading of connectivity.
type Prober interface {
	Probe(ctx context.Context) Reading
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) Reading

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) Reading {
	return f(ctx)
}

// Pinger checks the remote-store session.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProber reports Connected when Ping succeeds.
//
// Network, when set, reports raw network reachability. Without it, Online
// mirrors Connected.
type PingProber struct {
	Pinger  Pinger
	Network func(ctx context.Context) bool
}

// Probe implements Prober.
func (p PingProber) Probe(ctx context.Context) Reading {
	connected := p.Pinger.Ping(ctx) == nil
	online := connected
	if p.Network != nil {
		online = p.Network(ctx)
	}
	return Reading{Online: online, Connected: connected && online}
}

// Run probes every interval and feeds readings to Observe until ctx is done.
// Each probe is bounded by interval.
func (m *Monitor) Run(ctx context.Context, prober Prober, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		r := prober.Probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.Observe(r)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
