package workflow

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/artisanhq/atelier_backend/models"
)

// NOTE: DB-free. These validate the low stock alert contract around the
// reorder threshold (models.Material.ReorderThreshold): raise when the
// quantity drops below it, keep at most one open alert per material, clear
// once the quantity is back at or above the line.

type fakeAlertBook struct {
	mu      sync.Mutex
	open    map[string]bool
	raised  int
	cleared int
}

func newFakeAlertBook() *fakeAlertBook {
	return &fakeAlertBook{open: map[string]bool{}}
}

// evaluate mirrors models.EvaluateLowStockTx's decision after a stock change.
func (b *fakeAlertBook) evaluate(material models.Material) {
	threshold := material.ReorderThreshold()
	b.mu.Lock()
	defer b.mu.Unlock()

	if material.CurrentQuantity.LessThan(threshold) {
		if b.open[material.Name] {
			return
		}
		b.open[material.Name] = true
		b.raised++
		return
	}
	if b.open[material.Name] {
		delete(b.open, material.Name)
		b.cleared++
	}
}

func silverThread(quantity string) models.Material {
	return models.Material{
		Name:             "silver_thread",
		CurrentQuantity:  decimal.RequireFromString(quantity),
		TypicalUsageRate: decimal.NewFromInt(50), // threshold 10
	}
}

// Spec scenario: 100 units at usage 50/week (threshold 10). Deducting 92
// leaves 8 and raises an alert; restocking to 13 clears it.
func TestLowStock_SilverThreadScenario(t *testing.T) {
	book := newFakeAlertBook()

	book.evaluate(silverThread("100"))
	if book.raised != 0 {
		t.Fatalf("healthy stock must not alert")
	}

	book.evaluate(silverThread("8"))
	if book.raised != 1 || !book.open["silver_thread"] {
		t.Fatalf("expected one open alert at quantity 8, got raised=%d open=%v", book.raised, book.open)
	}

	book.evaluate(silverThread("13"))
	if book.cleared != 1 || book.open["silver_thread"] {
		t.Fatalf("expected the alert cleared at quantity 13, got cleared=%d open=%v", book.cleared, book.open)
	}
}

func TestLowStock_RepeatedDropsRaiseOnce(t *testing.T) {
	book := newFakeAlertBook()

	for _, quantity := range []string{"8", "7", "5", "0.5"} {
		book.evaluate(silverThread(quantity))
	}
	if book.raised != 1 {
		t.Fatalf("expected a single open alert across repeated drops, got %d", book.raised)
	}
}

// The boundary is strict: exactly at the threshold is not low, and it is
// enough to clear an open alert.
func TestLowStock_BoundaryQuantityEqualsThreshold(t *testing.T) {
	book := newFakeAlertBook()

	book.evaluate(silverThread("10"))
	if book.raised != 0 {
		t.Fatalf("quantity equal to the threshold must not raise")
	}

	book.evaluate(silverThread("9"))
	if book.raised != 1 {
		t.Fatalf("expected an alert at 9, got raised=%d", book.raised)
	}
	book.evaluate(silverThread("10"))
	if book.cleared != 1 || book.open["silver_thread"] {
		t.Fatalf("reaching the threshold must clear, got cleared=%d open=%v", book.cleared, book.open)
	}
}

// A material with no usage history has threshold 0 and can never be below it.
func TestLowStock_ZeroUsageNeverAlerts(t *testing.T) {
	book := newFakeAlertBook()
	material := models.Material{Name: "driftwood", CurrentQuantity: decimal.Zero}

	book.evaluate(material)
	book.evaluate(material)
	if book.raised != 0 {
		t.Fatalf("zero-usage material must never alert, got raised=%d", book.raised)
	}
}

// Alert evaluations for different materials are independent; concurrent
// evaluations of one material still produce a single open alert.
func TestLowStock_ConcurrentEvaluationsStayDeduplicated(t *testing.T) {
	for run := 0; run < 100; run++ {
		book := newFakeAlertBook()
		var wg sync.WaitGroup
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				book.evaluate(silverThread("8"))
			}()
		}
		wg.Wait()

		if book.raised != 1 {
			t.Fatalf("run=%d expected one open alert, got %d", run, book.raised)
		}
	}
}
