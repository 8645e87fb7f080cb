// Package policy is the PacketPolicy capability the core enforcement plane
// consumes: MAC authorization, per-IP shaping, byte counters, and live-flow
// presence. ExecPolicy implements it by shelling out to iptables/tc/
// conntrack; FakePolicy is an in-memory double for tests.
package policy

import "context"

// CounterSample is one byte-counter snapshot for a single IP or class id.
type CounterSample struct {
	Bytes  int64
	IdleS  int
}

// Counters is the result of sampleCounters: uploads keyed by IP, downloads
// keyed by class-id (derived from the last octet of the client IP).
type Counters struct {
	Uploads   map[string]CounterSample
	Downloads map[int]CounterSample
}

// Policy is the capability interface for enforcing session state on the
// network: authorization, rate shaping, and traffic accounting. All
// operations are idempotent so Ticker/IdleMonitor retries are always safe.
type Policy interface {
	// Authorize flags mac in the forwarding plane. Returns whether the
	// authorization was newly created.
	Authorize(ctx context.Context, mac string) (isNew bool, err error)
	// Deauthorize evicts mac's authorization. Existing flows for its bound
	// IP are not dropped.
	Deauthorize(ctx context.Context, mac string) error
	// SetLimit applies a per-IP traffic-shaping policy.
	SetLimit(ctx context.Context, ip string, downKbps, upKbps int) error
	// RemoveLimit clears a per-IP traffic-shaping policy.
	RemoveLimit(ctx context.Context, ip string) error
	// SampleCounters reads per-IP/class-id byte counters from iface.
	SampleCounters(ctx context.Context, iface string) (Counters, error)
	// ListAuthorizedMacs returns the current MAC-authorization set.
	ListAuthorizedMacs(ctx context.Context) (map[string]bool, error)
	// HasLiveFlows reports whether any established connection still
	// references ip (checked by IdleMonitor alongside byte-counter
	// staleness; no neighbor-table probe is made).
	HasLiveFlows(ctx context.Context, ip string) (bool, error)
}
