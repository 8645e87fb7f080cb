package ratetable

import (
	"sort"

	"github.com/Djnirds1984/cjtech/internal/storage"
)

// Plan is the result of converting a peso amount into purchasable time.
type Plan struct {
	Minutes    int
	UpKbps     int
	DownKbps   int
	LinesUsed  int // count of distinct lines in the chosen combination, for tie-breaking
}

// PlanAmount computes the maximum minutes obtainable for amount exactly, given
// lines (already filtered to the caller's visible subset). Pure function;
// Plan(0) = Plan{}. Falls back to the amount=1 base rate scaled linearly
// when no exact combination exists; fails closed (zero Plan) if even that
// is unavailable.
func PlanAmount(lines []storage.Rate, amount int) Plan {
	if amount <= 0 {
		return Plan{}
	}

	greedy, greedyLines := greedyPlan(lines, amount)
	dp, dpLines, dpExact := dpPlan(lines, amount)

	switch {
	case dpExact && dp.Minutes >= greedy.Minutes:
		dp.LinesUsed = dpLines
		return dp
	case greedy.Minutes > 0:
		greedy.LinesUsed = greedyLines
		return greedy
	}

	return fallbackBaseRate(lines, amount)
}

// greedyPlan sorts visible lines by amount descending, then minutes
// descending, and greedily takes as many copies of each as fit.
func greedyPlan(lines []storage.Rate, amount int) (Plan, int) {
	sorted := append([]storage.Rate(nil), lines...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].AmountPesos != sorted[j].AmountPesos {
			return sorted[i].AmountPesos > sorted[j].AmountPesos
		}
		return sorted[i].Minutes > sorted[j].Minutes
	})

	remaining := amount
	minutes := 0
	up, down := 0, 0
	linesUsed := 0
	for _, l := range sorted {
		if l.AmountPesos <= 0 || remaining < l.AmountPesos {
			continue
		}
		copies := remaining / l.AmountPesos
		remaining -= copies * l.AmountPesos
		minutes += copies * l.Minutes
		if copies > 0 {
			linesUsed++
			up = maxInt(up, l.RateUpKbps)
			down = maxInt(down, l.RateDownKbps)
		}
		if remaining == 0 {
			break
		}
	}
	if remaining != 0 {
		return Plan{}, 0
	}
	return Plan{Minutes: minutes, UpKbps: up, DownKbps: down}, linesUsed
}

// dpPlan runs an unbounded-knapsack DP over [0..amount] maximizing minutes,
// reporting whether it achieved amount exactly.
func dpPlan(lines []storage.Rate, amount int) (Plan, int, bool) {
	best := make([]int, amount+1)
	reachable := make([]bool, amount+1)
	reachable[0] = true
	choice := make([]int, amount+1) // index into lines used to reach this amount, -1 if none
	for i := range choice {
		choice[i] = -1
	}

	for a := 1; a <= amount; a++ {
		for idx, l := range lines {
			if l.AmountPesos <= 0 || l.AmountPesos > a {
				continue
			}
			if !reachable[a-l.AmountPesos] {
				continue
			}
			candidate := best[a-l.AmountPesos] + l.Minutes
			if !reachable[a] || candidate > best[a] {
				best[a] = candidate
				reachable[a] = true
				choice[a] = idx
			}
		}
	}

	if !reachable[amount] {
		return Plan{}, 0, false
	}

	up, down := 0, 0
	used := map[int]bool{}
	a := amount
	for a > 0 && choice[a] >= 0 {
		idx := choice[a]
		l := lines[idx]
		up = maxInt(up, l.RateUpKbps)
		down = maxInt(down, l.RateDownKbps)
		used[idx] = true
		a -= l.AmountPesos
	}

	return Plan{Minutes: best[amount], UpKbps: up, DownKbps: down}, len(used), true
}

// fallbackBaseRate scales the amount=1 line linearly when no exact
// combination exists. Returns a zero Plan (fails closed) if no such
// line exists.
func fallbackBaseRate(lines []storage.Rate, amount int) Plan {
	for _, l := range lines {
		if l.AmountPesos == 1 {
			return Plan{
				Minutes:  l.Minutes * amount,
				UpKbps:   l.RateUpKbps,
				DownKbps: l.RateDownKbps,
				LinesUsed: 1,
			}
		}
	}
	return Plan{}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
