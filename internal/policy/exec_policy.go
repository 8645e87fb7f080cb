package policy

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Djnirds1984/cjtech/internal/circuitbreaker"
	"github.com/Djnirds1984/cjtech/internal/config"
	"github.com/Djnirds1984/cjtech/internal/logger"
	"github.com/Djnirds1984/cjtech/internal/rpcutil"
	"golang.org/x/sync/singleflight"
)

// ExecPolicy implements Policy by shelling out to iptables, tc, and
// conntrack. Every call is wrapped in a bounded retry and gated by a
// circuit breaker for its subprocess family; identical concurrent calls
// (e.g. two Ticker passes racing to re-authorize the same MAC) are
// deduplicated with singleflight.
type ExecPolicy struct {
	iface         string
	iptablesPath  string
	tcPath        string
	conntrackPath string
	ipPath        string

	probeDeadline  time.Duration
	rewriteDeadline time.Duration

	breakers *circuitbreaker.Manager
	group    singleflight.Group

	mu        sync.Mutex
	localAuth map[string]bool // in-process record of MACs this process authorized, used to report whether Authorize added a new entry
}

// NewExecPolicy builds an ExecPolicy from the application's PolicyConfig.
func NewExecPolicy(cfg config.PolicyConfig, breakers *circuitbreaker.Manager) *ExecPolicy {
	p := &ExecPolicy{
		iface:           cfg.Iface,
		iptablesPath:    orDefault(cfg.IPTablesPath, "iptables"),
		tcPath:          orDefault(cfg.TCPath, "tc"),
		conntrackPath:   orDefault(cfg.ConntrackPath, "conntrack"),
		ipPath:          orDefault(cfg.IPPath, "ip"),
		probeDeadline:   orDefaultDuration(cfg.ProbeDeadline.Duration, 2*time.Second),
		rewriteDeadline: orDefaultDuration(cfg.TableRewriteDeadline.Duration, 5*time.Second),
		breakers:        breakers,
		localAuth:       make(map[string]bool),
	}
	return p
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orDefaultDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (p *ExecPolicy) run(ctx context.Context, deadline time.Duration, name string, args ...string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (p *ExecPolicy) execWithBreaker(ctx context.Context, svc circuitbreaker.ServiceType, deadline time.Duration, key string, name string, args ...string) ([]byte, error) {
	runOnce := func() (interface{}, error) {
		return rpcutil.WithRetry(ctx, func() ([]byte, error) {
			return p.run(ctx, deadline, name, args...)
		})
	}

	out, err, _ := p.group.Do(key, func() (interface{}, error) {
		return p.breakers.Execute(svc, runOnce)
	})
	if err != nil {
		logger.FromContext(ctx).Warn().Err(err).Str("cmd", name).Msg("policy.exec_failed")
		return nil, err
	}
	return out.([]byte), nil
}

func (p *ExecPolicy) Authorize(ctx context.Context, mac string) (bool, error) {
	p.mu.Lock()
	wasNew := !p.localAuth[mac]
	p.mu.Unlock()

	cmdArgs := p.ipsetOrIptables("-A", mac)
	_, err := p.execWithBreaker(ctx, circuitbreaker.ServiceAuth, p.rewriteDeadline, "authorize:"+mac,
		cmdArgs[0], cmdArgs[1:]...)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	p.localAuth[mac] = true
	p.mu.Unlock()
	return wasNew, nil
}

func (p *ExecPolicy) Deauthorize(ctx context.Context, mac string) error {
	cmdArgs := p.ipsetOrIptables("-D", mac)
	_, err := p.execWithBreaker(ctx, circuitbreaker.ServiceAuth, p.rewriteDeadline, "deauthorize:"+mac,
		cmdArgs[0], cmdArgs[1:]...)
	if err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.localAuth, mac)
	p.mu.Unlock()
	return nil
}

// ipsetOrIptables composes the iptables command that flags/unflags a MAC in
// the authorized-clients chain.
func (p *ExecPolicy) ipsetOrIptables(op, mac string) []string {
	return []string{p.iptablesPath, "-t", "mangle", op, "VENDO_AUTH", "-m", "mac", "--mac-source", mac, "-j", "ACCEPT"}
}

func (p *ExecPolicy) SetLimit(ctx context.Context, ip string, downKbps, upKbps int) error {
	classID := ClassID(ip)
	args := []string{"class", "replace", "dev", p.iface, "parent", "1:", "classid",
		fmt.Sprintf("1:%d", classID), "htb", "rate", fmt.Sprintf("%dkbit", downKbps), "ceil", fmt.Sprintf("%dkbit", downKbps)}
	_, err := p.execWithBreaker(ctx, circuitbreaker.ServiceShaping, p.rewriteDeadline, "setlimit:"+ip, p.tcPath, args...)
	return err
}

func (p *ExecPolicy) RemoveLimit(ctx context.Context, ip string) error {
	classID := ClassID(ip)
	args := []string{"class", "del", "dev", p.iface, "classid", fmt.Sprintf("1:%d", classID)}
	_, err := p.execWithBreaker(ctx, circuitbreaker.ServiceShaping, p.rewriteDeadline, "removelimit:"+ip, p.tcPath, args...)
	return err
}

// SampleCounters shells out to iptables -L -v -x and parses per-IP byte
// counters into Uploads, keyed by source IP. Downloads is returned empty.
func (p *ExecPolicy) SampleCounters(ctx context.Context, iface string) (Counters, error) {
	out, err := p.execWithBreaker(ctx, circuitbreaker.ServiceCounters, p.probeDeadline, "counters",
		p.iptablesPath, "-t", "mangle", "-L", "VENDO_ACCOUNT", "-v", "-x", "-n")
	if err != nil {
		return Counters{}, err
	}
	return parseCounterOutput(string(out)), nil
}

func (p *ExecPolicy) ListAuthorizedMacs(ctx context.Context) (map[string]bool, error) {
	out, err := p.execWithBreaker(ctx, circuitbreaker.ServiceAuth, p.probeDeadline, "list_auth",
		p.iptablesPath, "-t", "mangle", "-L", "VENDO_AUTH", "-n")
	if err != nil {
		return nil, err
	}
	return parseAuthorizedMacs(string(out)), nil
}

func (p *ExecPolicy) HasLiveFlows(ctx context.Context, ip string) (bool, error) {
	out, err := p.execWithBreaker(ctx, circuitbreaker.ServiceNeighbor, p.probeDeadline, "conntrack:"+ip,
		p.conntrackPath, "-L", "-s", ip)
	if err != nil {
		return false, err
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}

// parseCounterOutput parses `iptables -L -v -x -n` output into per-IP upload
// counters keyed by source address, taking the byte count column of each
// rule line. The per-class-id Downloads map is left empty.
func parseCounterOutput(raw string) Counters {
	result := Counters{Uploads: map[string]CounterSample{}, Downloads: map[int]CounterSample{}}
	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		bytesVal, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		src := fields[len(fields)-2]
		if ip := extractIP(src); ip != "" {
			result.Uploads[ip] = CounterSample{Bytes: bytesVal}
		}
	}
	return result
}

func extractIP(s string) string {
	if s == "0.0.0.0/0" || s == "" {
		return ""
	}
	if idx := strings.Index(s, "/"); idx >= 0 {
		s = s[:idx]
	}
	return s
}

func parseAuthorizedMacs(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, line := range strings.Split(raw, "\n") {
		idx := strings.Index(line, "MAC")
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(line[idx+3:])
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		out[strings.ToLower(fields[0])] = true
	}
	return out
}

var _ Policy = (*ExecPolicy)(nil)
