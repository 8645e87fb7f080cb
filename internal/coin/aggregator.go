// Package coin implements the CoinAggregator state machine: the single
// per-appliance insert window that accumulates pulses from multiple sources
// into one credit transaction.
package coin

import (
	"context"
	"sync"
	"time"

	"github.com/Djnirds1984/cjtech/internal/errors"
	"github.com/Djnirds1984/cjtech/internal/logger"
)

// State is one of the three CoinAggregator states.
type State int

const (
	Idle State = iota
	Open
	Committing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Open:
		return "open"
	case Committing:
		return "committing"
	default:
		return "unknown"
	}
}

// Mode is the insert mode of an open session.
type Mode int

const (
	Auto Mode = iota
	Manual
)

func (m Mode) String() string {
	if m == Manual {
		return "manual"
	}
	return "auto"
}

// Owner identifies who opened the current session.
type Owner struct {
	MAC      string
	ClientID string
}

// Session is the transient insert-window record.
type Session struct {
	Owner           Owner
	Mode            Mode
	TargetSource    string
	PendingAmount   int
	PerSourceAmount map[string]int
	OpenedAt        time.Time
	LastActivityAt  time.Time
	TimerDeadline   time.Time
}

// PulseValueFunc resolves a source's per-pulse peso multiplier.
type PulseValueFunc func(source string) int

// Committer finalizes an accumulated session into a credit transaction
// (internal/credit.Applier satisfies this).
type Committer interface {
	Apply(ctx context.Context, mac, clientID string, perSourceAmount map[string]int, commitSourceHint string) (secondsAdded int, userCode string, err error)
}

// RelayControl energizes/de-energizes the local coin slot relay.
type RelayControl interface {
	Energize(ctx context.Context)
	DeEnergize(ctx context.Context)
}

const (
	pulseIdleTimeout = 30 * time.Second
	absoluteTimeout  = 60 * time.Second
)

// Aggregator is the single per-appliance CoinAggregator instance.
type Aggregator struct {
	mu       sync.Mutex
	state    State
	session  *Session
	timer    *time.Timer
	absolute *time.Timer

	pulseValue  PulseValueFunc
	committer   Committer
	relay       RelayControl
	pulseIdle   time.Duration
	absoluteTTL time.Duration

	banLimit    int
	banWindow   time.Duration
	banDuration time.Duration
	windowStart time.Time
	windowCount int
	bannedUntil time.Time
}

// Config tunes the aggregator's timers and the pulse-flood guard.
type Config struct {
	PulseIdleTimeout        time.Duration
	AbsoluteTimeout         time.Duration
	BanLimitPulsesPerWindow int
	BanWindow               time.Duration
	BanDuration             time.Duration
}

// New builds an Aggregator. pulseValue resolves each source's per-pulse
// peso value; committer and relay are the collaborators invoked on commit.
func New(cfg Config, pulseValue PulseValueFunc, committer Committer, relay RelayControl) *Aggregator {
	a := &Aggregator{
		state:       Idle,
		pulseValue:  pulseValue,
		committer:   committer,
		relay:       relay,
		pulseIdle:   orDefault(cfg.PulseIdleTimeout, pulseIdleTimeout),
		absoluteTTL: orDefault(cfg.AbsoluteTimeout, absoluteTimeout),
		banLimit:    cfg.BanLimitPulsesPerWindow,
		banWindow:   cfg.BanWindow,
		banDuration: cfg.BanDuration,
	}
	return a
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// State returns the current aggregator state (for status reporting).
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// StartInsert opens a new session, or re-opens the same owner's session
// preserving its pending amount. Returns CodeBusy if a different owner
// currently holds the slot.
func (a *Aggregator) StartInsert(ctx context.Context, owner Owner, mode Mode, target string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.bannedUntil.IsZero() && a.bannedUntil.After(time.Now()) {
		return errors.Banned(a.bannedUntil.Unix())
	}

	if a.session != nil {
		if a.session.Owner != owner {
			return errors.New(errors.CodeBusy, "coin slot held by another owner")
		}
		// Same owner re-opening: pending amount preserved, just refresh mode/target.
		a.session.Mode = mode
		a.session.TargetSource = target
		return nil
	}

	now := time.Now()
	a.session = &Session{
		Owner:           owner,
		Mode:            mode,
		TargetSource:    target,
		PerSourceAmount: make(map[string]int),
		OpenedAt:        now,
		LastActivityAt:  now,
		TimerDeadline:   now.Add(a.pulseIdle),
	}
	a.state = Open
	a.resetTimersLocked(ctx)

	energized := mode == Auto || (mode == Manual && target == "hardware")
	if energized && a.relay != nil {
		a.relay.Energize(ctx)
	}
	return nil
}

// Pulse registers count pulses from source. Dropped (with no error) when
// the aggregator is Idle, or when in manual mode and source isn't the
// target.
func (a *Aggregator) Pulse(ctx context.Context, count int, source string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	log := logger.FromContext(ctx)
	if a.state != Open || a.session == nil {
		log.Debug().Str("source", source).Msg("coin.pulse_dropped_idle")
		return
	}
	if a.session.Mode == Manual && source != a.session.TargetSource {
		log.Debug().Str("source", source).Str("target", a.session.TargetSource).Msg("coin.pulse_dropped_manual_filter")
		return
	}

	if a.overPulseLimitLocked(count) {
		a.banLocked(ctx)
		return
	}

	amount := count * a.pulseValue(source)
	a.session.PendingAmount += amount
	a.session.PerSourceAmount[source] += amount
	a.session.LastActivityAt = time.Now()
	a.session.TimerDeadline = time.Now().Add(a.pulseIdle)
	a.resetTimersLocked(ctx)
}

// overPulseLimitLocked counts pulses in a fixed banWindow and reports
// whether adding count would exceed banLimitPulsesPerWindow. The window
// resets the first time it's found stale rather than on a ticking clock, so
// idle periods don't cost anything.
func (a *Aggregator) overPulseLimitLocked(count int) bool {
	if a.banLimit <= 0 || a.banWindow <= 0 {
		return false
	}
	now := time.Now()
	if now.Sub(a.windowStart) > a.banWindow {
		a.windowStart = now
		a.windowCount = 0
	}
	a.windowCount += count
	return a.windowCount > a.banLimit
}

func (a *Aggregator) banLocked(ctx context.Context) {
	a.bannedUntil = time.Now().Add(a.banDuration)
	logger.FromContext(ctx).Warn().Time("until", a.bannedUntil).Msg("coin.pulse_flood_banned")
	a.teardownLocked(ctx)
}

// Done transitions Open->Committing and runs the commit synchronously.
func (a *Aggregator) Done(ctx context.Context) (secondsAdded int, userCode string, err error) {
	a.mu.Lock()
	if a.state != Open || a.session == nil {
		a.mu.Unlock()
		return 0, "", errors.New(errors.CodeInvalid, "no open coin session")
	}
	session := a.session
	a.state = Committing
	a.stopTimersLocked()
	a.mu.Unlock()

	return a.commit(ctx, session)
}

// fireDeadline is invoked by the idle or absolute timer.
func (a *Aggregator) fireDeadline(ctx context.Context) {
	a.mu.Lock()
	if a.state != Open || a.session == nil {
		a.mu.Unlock()
		return
	}
	session := a.session
	a.state = Committing
	a.mu.Unlock()

	_, _, _ = a.commit(ctx, session)
}

func (a *Aggregator) commit(ctx context.Context, session *Session) (int, string, error) {
	dominant := dominantSource(session.PerSourceAmount)

	secondsAdded, userCode, err := a.committer.Apply(ctx, session.Owner.MAC, session.Owner.ClientID,
		session.PerSourceAmount, dominant)

	a.mu.Lock()
	defer a.mu.Unlock()

	if err != nil {
		// Retain the pending amount as an open committed-pending record so
		// an operator can resolve it; the aggregator stays in Committing
		// until a terminal success or explicit Abort.
		logger.FromContext(ctx).Error().Err(err).Str("mac", logger.TruncateMAC(session.Owner.MAC)).
			Msg("coin.commit_failed_pending")
		return 0, "", err
	}

	a.teardownLocked(ctx)
	return secondsAdded, userCode, nil
}

// Abort forcibly returns the aggregator to Idle after an unresolved commit
// failure (administrative teardown).
func (a *Aggregator) Abort(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.teardownLocked(ctx)
}

func (a *Aggregator) teardownLocked(ctx context.Context) {
	if a.relay != nil {
		a.relay.DeEnergize(ctx)
	}
	a.stopTimersLocked()
	a.session = nil
	a.state = Idle
}

// resetTimersLocked refreshes the 30s pulse-idle timer. The 60s absolute
// deadline is started once when the session opens and is never refreshed by
// subsequent pulses.
func (a *Aggregator) resetTimersLocked(ctx context.Context) {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.pulseIdle, func() { a.fireDeadline(ctx) })
	if a.absolute == nil {
		a.absolute = time.AfterFunc(a.absoluteTTL, func() { a.fireDeadline(ctx) })
	}
}

func (a *Aggregator) stopTimersLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.absolute != nil {
		a.absolute.Stop()
		a.absolute = nil
	}
}

func dominantSource(perSource map[string]int) string {
	best := ""
	bestAmount := -1
	for src, amt := range perSource {
		if amt > bestAmount {
			best = src
			bestAmount = amt
		}
	}
	return best
}

// Pending returns a snapshot of the open session's pending amount, for
// status reporting; ok is false when no session is open.
func (a *Aggregator) Pending() (amount int, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return 0, false
	}
	return a.session.PendingAmount, true
}

// Snapshot returns a read-only copy of the open session, for the Portal
// API's status() response. ok is false when no session is open; the
// aggregator's own lock protects against a concurrent Pulse/Done/Abort
// mutating the session while it's being copied.
func (a *Aggregator) Snapshot() (session Session, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return Session{}, false
	}
	snap := *a.session
	snap.PerSourceAmount = make(map[string]int, len(a.session.PerSourceAmount))
	for src, amt := range a.session.PerSourceAmount {
		snap.PerSourceAmount[src] = amt
	}
	return snap, true
}
