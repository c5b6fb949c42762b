package models

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func requirementOf(orderId int, lines map[string]string) *MaterialRequirement {
	requirement := &MaterialRequirement{
		OrderId: orderId,
		Lines:   make(map[string]decimal.Decimal, len(lines)),
	}
	for name, quantity := range lines {
		requirement.Lines[name] = decimal.RequireFromString(quantity)
	}
	return requirement
}

func stockOf(lines map[string]string) map[string]decimal.Decimal {
	stock := make(map[string]decimal.Decimal, len(lines))
	for name, quantity := range lines {
		stock[name] = decimal.RequireFromString(quantity)
	}
	return stock
}

func levelRank(level FeasibilityLevel) int {
	switch level {
	case FeasibilityFeasible:
		return 2
	case FeasibilityAtRisk:
		return 1
	default:
		return 0
	}
}

// Two orders, one material, stock 6: the earlier order reserves its 5 units
// in full, so the later one is graded against the single unit left over.
func TestClassifyRequirement_PriorityWalkReservesForSeniors(t *testing.T) {
	available := stockOf(map[string]string{"X": "6"})
	orderA := requirementOf(1, map[string]string{"X": "5"})
	orderB := requirementOf(2, map[string]string{"X": "5"})

	resultA := classifyRequirement(orderA, available)
	if resultA.Level != FeasibilityFeasible {
		t.Fatalf("order A expected FEASIBLE, got %s (coverage %s)", resultA.Level, resultA.Coverage)
	}
	if len(resultA.MissingMaterials) != 0 {
		t.Fatalf("order A expected no missing materials, got %v", resultA.MissingMaterials)
	}
	reserve(available, orderA)

	resultB := classifyRequirement(orderB, available)
	if resultB.Level != FeasibilityUnfeasible {
		t.Fatalf("order B expected UNFEASIBLE, got %s", resultB.Level)
	}
	if !resultB.Coverage.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("order B expected coverage 20, got %s", resultB.Coverage)
	}
	if len(resultB.MissingMaterials) != 1 || resultB.MissingMaterials[0] != "X" {
		t.Fatalf("order B expected missing=[X], got %v", resultB.MissingMaterials)
	}
	if len(resultB.Materials) != 1 || !resultB.Materials[0].Available.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("order B expected to see 1 unit available, got %+v", resultB.Materials)
	}
}

func TestClassifyRequirement_Boundaries(t *testing.T) {
	cases := []struct {
		name      string
		required  string
		available string
		level     FeasibilityLevel
		coverage  string
	}{
		{"full coverage", "10", "10", FeasibilityFeasible, "100"},
		{"surplus stock", "10", "25", FeasibilityFeasible, "100"},
		{"exactly thirty percent", "10", "3", FeasibilityAtRisk, "30"},
		{"just under thirty percent", "10", "2.9", FeasibilityUnfeasible, "29"},
		{"nothing left", "10", "0", FeasibilityUnfeasible, "0"},
	}
	for _, tc := range cases {
		requirement := requirementOf(1, map[string]string{"X": tc.required})
		available := stockOf(map[string]string{"X": tc.available})
		result := classifyRequirement(requirement, available)
		if result.Level != tc.level {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.level, result.Level)
		}
		if !result.Coverage.Equal(decimal.RequireFromString(tc.coverage)) {
			t.Fatalf("%s: expected coverage %s, got %s", tc.name, tc.coverage, result.Coverage)
		}
	}
}

// The senior backlog can reserve past zero; juniors must see zero available,
// never a negative quantity.
func TestClassifyRequirement_OverdraftClampsAtZero(t *testing.T) {
	available := stockOf(map[string]string{"X": "6"})
	senior := requirementOf(1, map[string]string{"X": "8"})

	seniorResult := classifyRequirement(senior, available)
	if seniorResult.Level != FeasibilityAtRisk {
		t.Fatalf("senior expected AT_RISK at 75%%, got %s", seniorResult.Level)
	}
	// seniors reserve in full whether or not they are feasible
	reserve(available, senior)
	if !available["X"].Equal(decimal.NewFromInt(-2)) {
		t.Fatalf("expected running stock -2 after over-reservation, got %s", available["X"])
	}

	junior := requirementOf(2, map[string]string{"X": "3"})
	juniorResult := classifyRequirement(junior, available)
	if juniorResult.Level != FeasibilityUnfeasible {
		t.Fatalf("junior expected UNFEASIBLE, got %s", juniorResult.Level)
	}
	if !juniorResult.Materials[0].Available.IsZero() {
		t.Fatalf("junior expected to see 0 available, got %s", juniorResult.Materials[0].Available)
	}
}

// Overall coverage is the worst line, and only short lines are listed as
// missing, in name order.
func TestClassifyRequirement_WorstLineDrivesLevel(t *testing.T) {
	requirement := requirementOf(7, map[string]string{
		"clay":   "4",
		"thread": "10",
		"wax":    "10",
	})
	available := stockOf(map[string]string{
		"clay":   "4",
		"thread": "3",
		"wax":    "1",
	})

	result := classifyRequirement(requirement, available)
	if result.Level != FeasibilityUnfeasible {
		t.Fatalf("expected UNFEASIBLE from the 10%% wax line, got %s", result.Level)
	}
	if !result.Coverage.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected coverage 10, got %s", result.Coverage)
	}
	if len(result.MissingMaterials) != 2 ||
		result.MissingMaterials[0] != "thread" || result.MissingMaterials[1] != "wax" {
		t.Fatalf("expected missing=[thread wax], got %v", result.MissingMaterials)
	}
	if len(result.Materials) != 3 || result.Materials[0].MaterialName != "clay" {
		t.Fatalf("expected per-material lines in name order, got %+v", result.Materials)
	}
}

// Classification is a pure function of (requirement, snapshot): concurrent
// readers over the same snapshot always agree.
func TestClassifyRequirement_DeterministicUnderConcurrency(t *testing.T) {
	requirement := requirementOf(3, map[string]string{"thread": "10", "clay": "2"})
	available := stockOf(map[string]string{"thread": "4", "clay": "2"})
	reference := classifyRequirement(requirement, available)

	for run := 0; run < 100; run++ {
		var wg sync.WaitGroup
		results := make([]OrderFeasibility, 50)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = classifyRequirement(requirement, available)
			}(i)
		}
		wg.Wait()

		for i, result := range results {
			if result.Level != reference.Level || !result.Coverage.Equal(reference.Coverage) {
				t.Fatalf("run=%d goroutine=%d diverged: got %s/%s, expected %s/%s",
					run, i, result.Level, result.Coverage, reference.Level, reference.Coverage)
			}
			if len(result.MissingMaterials) != len(reference.MissingMaterials) {
				t.Fatalf("run=%d goroutine=%d missing list diverged: %v vs %v",
					run, i, result.MissingMaterials, reference.MissingMaterials)
			}
		}
	}
}

// Walking the backlog in priority order, an earlier order competing for the
// same material is never graded worse than a later one.
func TestClassifyRequirement_EarlierOrderNeverWorse(t *testing.T) {
	required := map[string]string{"X": "5"}
	for tenths := 0; tenths <= 120; tenths += 5 {
		stock := decimal.New(int64(tenths), -1)
		available := map[string]decimal.Decimal{"X": stock}

		earlier := requirementOf(1, required)
		later := requirementOf(2, required)

		earlierResult := classifyRequirement(earlier, available)
		reserve(available, earlier)
		laterResult := classifyRequirement(later, available)

		if levelRank(earlierResult.Level) < levelRank(laterResult.Level) {
			t.Fatalf("stock=%s: earlier order graded %s below later order's %s",
				stock, earlierResult.Level, laterResult.Level)
		}
		if earlierResult.Coverage.LessThan(laterResult.Coverage) {
			t.Fatalf("stock=%s: earlier coverage %s below later coverage %s",
				stock, earlierResult.Coverage, laterResult.Coverage)
		}
	}
}

// With identical dates the backlog walks in id order; the first position
// takes the reservation and the second sees what is left.
func TestClassifyRequirement_TieBreakPositionWins(t *testing.T) {
	available := stockOf(map[string]string{"X": "5"})
	first := requirementOf(11, map[string]string{"X": "5"})
	second := requirementOf(12, map[string]string{"X": "5"})

	firstResult := classifyRequirement(first, available)
	reserve(available, first)
	secondResult := classifyRequirement(second, available)

	if firstResult.Level != FeasibilityFeasible {
		t.Fatalf("first position expected FEASIBLE, got %s", firstResult.Level)
	}
	if secondResult.Level != FeasibilityUnfeasible || !secondResult.Coverage.IsZero() {
		t.Fatalf("second position expected UNFEASIBLE at 0%%, got %s at %s",
			secondResult.Level, secondResult.Coverage)
	}
}
