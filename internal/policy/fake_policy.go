package policy

import (
	"context"
	"sync"
)

// FakePolicy is an in-memory Policy double for tests: it tracks authorized
// MACs, per-IP limits, and lets a test script inject counters/liveness.
type FakePolicy struct {
	mu          sync.Mutex
	authorized  map[string]bool
	limits      map[string][2]int // ip -> [down, up]
	Counters    Counters
	LiveFlows   map[string]bool

	// Calls records every method invocation in order, for assertions.
	Calls []string
}

// NewFakePolicy builds an empty FakePolicy.
func NewFakePolicy() *FakePolicy {
	return &FakePolicy{
		authorized: make(map[string]bool),
		limits:     make(map[string][2]int),
		Counters:   Counters{Uploads: map[string]CounterSample{}, Downloads: map[int]CounterSample{}},
		LiveFlows:  make(map[string]bool),
	}
}

func (f *FakePolicy) Authorize(_ context.Context, mac string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "authorize:"+mac)
	wasNew := !f.authorized[mac]
	f.authorized[mac] = true
	return wasNew, nil
}

func (f *FakePolicy) Deauthorize(_ context.Context, mac string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "deauthorize:"+mac)
	delete(f.authorized, mac)
	return nil
}

func (f *FakePolicy) SetLimit(_ context.Context, ip string, downKbps, upKbps int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "setlimit:"+ip)
	f.limits[ip] = [2]int{downKbps, upKbps}
	return nil
}

func (f *FakePolicy) RemoveLimit(_ context.Context, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "removelimit:"+ip)
	delete(f.limits, ip)
	return nil
}

func (f *FakePolicy) SampleCounters(_ context.Context, _ string) (Counters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Counters, nil
}

func (f *FakePolicy) ListAuthorizedMacs(_ context.Context) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.authorized))
	for k, v := range f.authorized {
		out[k] = v
	}
	return out, nil
}

func (f *FakePolicy) HasLiveFlows(_ context.Context, ip string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LiveFlows[ip], nil
}

// IsAuthorized is a test helper for asserting current state.
func (f *FakePolicy) IsAuthorized(mac string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authorized[mac]
}

// Limit is a test helper returning the current (down, up) limit for ip.
func (f *FakePolicy) Limit(ip string) (down, up int, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limits[ip]
	return l[0], l[1], ok
}

var _ Policy = (*FakePolicy)(nil)
