package ratetable

import (
	"testing"

	"github.com/Djnirds1984/cjtech/internal/storage"
)

func TestPlanZeroAmount(t *testing.T) {
	lines := []storage.Rate{{ID: "r1", AmountPesos: 1, Minutes: 1}}
	p := PlanAmount(lines, 0)
	if p.Minutes != 0 {
		t.Fatalf("plan(0) should be zero, got %+v", p)
	}
}

func TestPlanSingleBaseRate(t *testing.T) {
	lines := []storage.Rate{{ID: "r1", AmountPesos: 1, Minutes: 1}}
	p := PlanAmount(lines, 1)
	if p.Minutes != 1 {
		t.Fatalf("plan(1) expected 1 minute, got %+v", p)
	}
}

// plan(8) with rates {1->1, 4->5, 5->6}: greedy takes one 5 (6min) then
// three 1s (3min) = 9 minutes. The DP pass finds two 4s = 10 minutes, the
// true maximum, beating the greedy pass by taking the smaller denomination
// twice instead of the largest denomination once.
func TestPlanDPRefinementBeatsGreedy(t *testing.T) {
	lines := []storage.Rate{
		{ID: "r1", AmountPesos: 1, Minutes: 1},
		{ID: "r4", AmountPesos: 4, Minutes: 5},
		{ID: "r5", AmountPesos: 5, Minutes: 6},
	}
	p := PlanAmount(lines, 8)
	if p.Minutes != 10 {
		t.Fatalf("plan(8) expected 10 minutes via DP, got %d", p.Minutes)
	}
}

func TestPlanNoExactFallsBackToBaseRate(t *testing.T) {
	lines := []storage.Rate{
		{ID: "r1", AmountPesos: 1, Minutes: 1},
		{ID: "r7", AmountPesos: 7, Minutes: 11},
	}
	// amount 3 cannot use the 7-line; three copies of the 1-line give 1x3=3.
	p := PlanAmount(lines, 3)
	if p.Minutes != 3 {
		t.Fatalf("expected three base-rate lines to give 3 minutes, got %d", p.Minutes)
	}
}

func TestPlanFailsClosedWithoutBaseRate(t *testing.T) {
	lines := []storage.Rate{{ID: "r7", AmountPesos: 7, Minutes: 11}}
	p := PlanAmount(lines, 3)
	if p.Minutes != 0 {
		t.Fatalf("expected planner to fail closed with no amount=1 rate, got %+v", p)
	}
}

func TestVisibleToFiltersWhenRestricted(t *testing.T) {
	lines := []storage.Rate{
		{ID: "r1", AmountPesos: 1, Minutes: 1},
		{ID: "r5", AmountPesos: 5, Minutes: 7},
	}
	visible := VisibleTo(lines, []string{"r1"})
	if len(visible) != 1 || visible[0].ID != "r1" {
		t.Fatalf("expected only r1 visible, got %+v", visible)
	}

	all := VisibleTo(lines, nil)
	if len(all) != 2 {
		t.Fatalf("expected full table when no restriction, got %+v", all)
	}
}
