package coin

import (
	"context"
	"testing"
	"time"
)

type stubCommitter struct {
	calls           int
	lastPerSource   map[string]int
	lastDominant    string
	secondsToReturn int
	userCode        string
	err             error
}

func (s *stubCommitter) Apply(_ context.Context, _, _ string, perSourceAmount map[string]int, dominant string) (int, string, error) {
	s.calls++
	s.lastPerSource = perSourceAmount
	s.lastDominant = dominant
	return s.secondsToReturn, s.userCode, s.err
}

type stubRelay struct {
	energized bool
}

func (r *stubRelay) Energize(context.Context)   { r.energized = true }
func (r *stubRelay) DeEnergize(context.Context) { r.energized = false }

func flatPulseValue(string) int { return 1 }

func TestStartInsertPulseDoneSingleLocalSource(t *testing.T) {
	ctx := context.Background()
	committer := &stubCommitter{secondsToReturn: 60, userCode: "CJ-ABC123"}
	relay := &stubRelay{}
	a := New(Config{}, flatPulseValue, committer, relay)

	owner := Owner{MAC: "aa:bb:cc:dd:ee:01", ClientID: "client-1"}
	if err := a.StartInsert(ctx, owner, Auto, ""); err != nil {
		t.Fatalf("start insert: %v", err)
	}
	if !relay.energized {
		t.Fatalf("expected relay energized in auto mode")
	}
	if a.State() != Open {
		t.Fatalf("expected Open state, got %v", a.State())
	}

	a.Pulse(ctx, 5, "hardware")
	pending, ok := a.Pending()
	if !ok || pending != 5 {
		t.Fatalf("expected pending=5, got %d ok=%v", pending, ok)
	}

	seconds, code, err := a.Done(ctx)
	if err != nil {
		t.Fatalf("done: %v", err)
	}
	if seconds != 60 || code != "CJ-ABC123" {
		t.Fatalf("unexpected commit result: %d %q", seconds, code)
	}
	if committer.calls != 1 {
		t.Fatalf("expected exactly one commit call, got %d", committer.calls)
	}
	if a.State() != Idle {
		t.Fatalf("expected Idle after commit, got %v", a.State())
	}
	if relay.energized {
		t.Fatalf("expected relay de-energized after commit")
	}
}

func TestDifferentOwnerBusyWhileSessionOpen(t *testing.T) {
	ctx := context.Background()
	committer := &stubCommitter{secondsToReturn: 60}
	a := New(Config{}, flatPulseValue, committer, &stubRelay{})

	ownerA := Owner{MAC: "aa:bb:cc:dd:ee:01"}
	ownerB := Owner{MAC: "aa:bb:cc:dd:ee:02"}

	if err := a.StartInsert(ctx, ownerA, Auto, ""); err != nil {
		t.Fatalf("start A: %v", err)
	}
	if err := a.StartInsert(ctx, ownerB, Auto, ""); err == nil {
		t.Fatalf("expected busy error for owner B")
	}
}

func TestDeadlineCommitsAccumulatedAmount(t *testing.T) {
	ctx := context.Background()
	committer := &stubCommitter{secondsToReturn: 15}
	a := New(Config{PulseIdleTimeout: 20 * time.Millisecond, AbsoluteTimeout: time.Hour}, flatPulseValue, committer, &stubRelay{})

	if err := a.StartInsert(ctx, Owner{MAC: "aa:bb:cc:dd:ee:03"}, Auto, ""); err != nil {
		t.Fatalf("start insert: %v", err)
	}
	a.Pulse(ctx, 3, "hardware")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.State() == Idle {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if a.State() != Idle {
		t.Fatalf("expected aggregator to auto-commit and return to Idle, got %v", a.State())
	}
	if committer.calls != 1 {
		t.Fatalf("expected exactly one commit call from the idle deadline, got %d", committer.calls)
	}
	if committer.lastPerSource["hardware"] != 3 {
		t.Fatalf("expected accumulated amount of 3 from hardware, got %d", committer.lastPerSource["hardware"])
	}
}

func TestManualModeFiltersNonTargetSource(t *testing.T) {
	ctx := context.Background()
	committer := &stubCommitter{secondsToReturn: 30}
	a := New(Config{}, flatPulseValue, committer, &stubRelay{})

	owner := Owner{MAC: "aa:bb:cc:dd:ee:04"}
	if err := a.StartInsert(ctx, owner, Manual, "remote-1"); err != nil {
		t.Fatalf("start insert: %v", err)
	}

	a.Pulse(ctx, 4, "remote-2") // wrong source, should be dropped
	a.Pulse(ctx, 2, "remote-1") // target source, should count

	pending, _ := a.Pending()
	if pending != 2 {
		t.Fatalf("expected only target-source pulses counted, got pending=%d", pending)
	}
}

func TestPulseFloodTripsTemporaryBan(t *testing.T) {
	ctx := context.Background()
	committer := &stubCommitter{secondsToReturn: 60}
	relay := &stubRelay{}
	a := New(Config{
		BanLimitPulsesPerWindow: 5,
		BanWindow:               time.Minute,
		BanDuration:             time.Hour,
	}, flatPulseValue, committer, relay)

	owner := Owner{MAC: "aa:bb:cc:dd:ee:05"}
	if err := a.StartInsert(ctx, owner, Auto, ""); err != nil {
		t.Fatalf("start insert: %v", err)
	}

	a.Pulse(ctx, 6, "hardware") // exceeds the 5-pulse window limit in one call

	if a.State() != Idle {
		t.Fatalf("expected the flooded session to be dropped back to Idle, got %v", a.State())
	}
	if committer.calls != 0 {
		t.Fatalf("expected the flooded session dropped without committing, got %d commit calls", committer.calls)
	}
	if relay.energized {
		t.Fatalf("expected relay de-energized after a ban teardown")
	}

	if err := a.StartInsert(ctx, owner, Auto, ""); err == nil {
		t.Fatalf("expected StartInsert to report the active ban")
	}
}

func TestPulseFloodDoesNotBanUnderTheLimit(t *testing.T) {
	ctx := context.Background()
	committer := &stubCommitter{secondsToReturn: 60}
	a := New(Config{
		BanLimitPulsesPerWindow: 5,
		BanWindow:               time.Minute,
		BanDuration:             time.Hour,
	}, flatPulseValue, committer, &stubRelay{})

	owner := Owner{MAC: "aa:bb:cc:dd:ee:06"}
	if err := a.StartInsert(ctx, owner, Auto, ""); err != nil {
		t.Fatalf("start insert: %v", err)
	}

	a.Pulse(ctx, 5, "hardware")

	if a.State() != Open {
		t.Fatalf("expected session to remain open at exactly the window limit, got %v", a.State())
	}
	pending, ok := a.Pending()
	if !ok || pending != 5 {
		t.Fatalf("expected pending=5, got %d ok=%v", pending, ok)
	}
}

func TestPulseDroppedWhenIdle(t *testing.T) {
	ctx := context.Background()
	committer := &stubCommitter{}
	a := New(Config{}, flatPulseValue, committer, &stubRelay{})

	a.Pulse(ctx, 5, "hardware") // no session open; must be a silent no-op

	if a.State() != Idle {
		t.Fatalf("expected Idle state with no session open")
	}
	if committer.calls != 0 {
		t.Fatalf("expected no commit from a dropped pulse")
	}
}
