package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/artisanhq/atelier_backend/utils"
)

// NOTE: DB-free. These validate the order completion contract: the per
// material deduction record doubles as the idempotency guard, so replays and
// crash resumes deduct each material at most once, and a short stock check
// fails before anything is touched, naming every short material.

type fakeCompletionStore struct {
	mu         sync.Mutex
	stocks     map[string]*fakeVersionedStock
	breakdown  map[string]decimal.Decimal // per order unit
	deductions map[string]bool            // "orderId|material"
	completed  map[int]bool

	applies int
}

func newFakeCompletionStore() *fakeCompletionStore {
	return &fakeCompletionStore{
		stocks:     map[string]*fakeVersionedStock{},
		breakdown:  map[string]decimal.Decimal{},
		deductions: map[string]bool{},
		completed:  map[int]bool{},
	}
}

type completionReport struct {
	applied        bool
	alreadyApplied bool
	deducted       []string
	resumed        []string
}

// complete mirrors CompleteOrder: resolve the requirement, pre-flight the
// stock naming every short material, then per material record the deduction
// and swap the stock as one atomic step, skipping materials an earlier
// interrupted run already deducted.
func (s *fakeCompletionStore) complete(orderId int, orderQuantity int64) (*completionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &completionReport{}
	if s.completed[orderId] {
		report.alreadyApplied = true
		return report, nil
	}

	if len(s.breakdown) == 0 {
		return nil, utils.ErrorMissingSpecification
	}
	requirement := map[string]decimal.Decimal{}
	names := make([]string, 0, len(s.breakdown))
	for name, perUnit := range s.breakdown {
		requirement[name] = perUnit.Mul(decimal.NewFromInt(orderQuantity))
		names = append(names, name)
	}
	sort.Strings(names)

	var insufficient []string
	for _, name := range names {
		if s.deductions[deductionKey(orderId, name)] {
			continue
		}
		quantity, _ := s.stocks[name].read()
		if quantity.LessThan(requirement[name]) {
			insufficient = append(insufficient, name)
		}
	}
	if len(insufficient) > 0 {
		return nil, fmt.Errorf("%w for %s", utils.ErrorInsufficientStock, strings.Join(insufficient, ", "))
	}

	for _, name := range names {
		key := deductionKey(orderId, name)
		if s.deductions[key] {
			report.resumed = append(report.resumed, name)
			continue
		}
		_, version := s.stocks[name].read()
		if err := s.stocks[name].swap(version, requirement[name].Neg()); err != nil {
			return nil, err
		}
		s.deductions[key] = true
		report.deducted = append(report.deducted, name)
	}

	s.completed[orderId] = true
	s.applies++
	report.applied = true
	return report, nil
}

func deductionKey(orderId int, material string) string {
	return fmt.Sprintf("%d|%s", orderId, material)
}

func TestOrderCompletion_DoubleCompleteDeductsOnce(t *testing.T) {
	store := newFakeCompletionStore()
	store.stocks["thread"] = newFakeVersionedStock(10, 1)
	store.breakdown["thread"] = decimal.NewFromInt(2)

	first, err := store.complete(1, 2)
	if err != nil {
		t.Fatalf("first completion: %v", err)
	}
	if !first.applied || len(first.deducted) != 1 {
		t.Fatalf("first completion expected to deduct thread, got %+v", first)
	}
	quantity, _ := store.stocks["thread"].read()
	if !quantity.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected 10 - 2*2 = 6, got %s", quantity)
	}

	second, err := store.complete(1, 2)
	if err != nil {
		t.Fatalf("second completion: %v", err)
	}
	if !second.alreadyApplied || second.applied {
		t.Fatalf("second completion expected already applied, got %+v", second)
	}
	quantity, _ = store.stocks["thread"].read()
	if !quantity.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("replay changed stock: got %s", quantity)
	}
}

func TestOrderCompletion_ConcurrentReplaysDeductOnce(t *testing.T) {
	for run := 0; run < 100; run++ {
		store := newFakeCompletionStore()
		store.stocks["thread"] = newFakeVersionedStock(10, 1)
		store.breakdown["thread"] = decimal.NewFromInt(4)

		var wg sync.WaitGroup
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.complete(1, 1); err != nil {
					t.Errorf("run=%d completion failed: %v", run, err)
				}
			}()
		}
		wg.Wait()

		if store.applies != 1 {
			t.Fatalf("run=%d expected exactly 1 applied completion, got %d", run, store.applies)
		}
		quantity, _ := store.stocks["thread"].read()
		if !quantity.Equal(decimal.NewFromInt(6)) {
			t.Fatalf("run=%d expected a single deduction to 6, got %s", run, quantity)
		}
	}
}

// A crash after thread but before clay leaves a deduction record behind; the
// resumed run deducts only clay.
func TestOrderCompletion_ResumesAfterPartialApplication(t *testing.T) {
	store := newFakeCompletionStore()
	store.stocks["thread"] = newFakeVersionedStock(6, 2) // 10 - 4 from the interrupted run
	store.stocks["clay"] = newFakeVersionedStock(8, 1)
	store.breakdown["thread"] = decimal.NewFromInt(4)
	store.breakdown["clay"] = decimal.NewFromInt(2)
	store.deductions[deductionKey(1, "thread")] = true

	report, err := store.complete(1, 1)
	if err != nil {
		t.Fatalf("resumed completion: %v", err)
	}
	if !report.applied {
		t.Fatalf("resumed completion expected to apply, got %+v", report)
	}
	if len(report.resumed) != 1 || report.resumed[0] != "thread" {
		t.Fatalf("expected thread resumed, got %v", report.resumed)
	}
	if len(report.deducted) != 1 || report.deducted[0] != "clay" {
		t.Fatalf("expected only clay deducted, got %v", report.deducted)
	}

	thread, _ := store.stocks["thread"].read()
	if !thread.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("thread deducted twice: got %s", thread)
	}
	clay, _ := store.stocks["clay"].read()
	if !clay.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected clay 8-2=6, got %s", clay)
	}
}

func TestOrderCompletion_MissingSpecificationHasNoEffect(t *testing.T) {
	store := newFakeCompletionStore()
	store.stocks["thread"] = newFakeVersionedStock(10, 1)

	_, err := store.complete(1, 1)
	if !errors.Is(err, utils.ErrorMissingSpecification) {
		t.Fatalf("expected missing specification, got %v", err)
	}
	quantity, _ := store.stocks["thread"].read()
	if !quantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("stock must stay untouched, got %s", quantity)
	}
	if store.completed[1] {
		t.Fatalf("order must not be marked completed")
	}
}

// The pre-flight names every short material at once instead of failing on
// the first and deducting nothing.
func TestOrderCompletion_InsufficientStockNamesAllShortMaterials(t *testing.T) {
	store := newFakeCompletionStore()
	store.stocks["clay"] = newFakeVersionedStock(1, 1)
	store.stocks["thread"] = newFakeVersionedStock(0, 1)
	store.stocks["wax"] = newFakeVersionedStock(50, 1)
	store.breakdown["clay"] = decimal.NewFromInt(2)
	store.breakdown["thread"] = decimal.NewFromInt(4)
	store.breakdown["wax"] = decimal.NewFromInt(1)

	_, err := store.complete(1, 1)
	if !errors.Is(err, utils.ErrorInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if !strings.Contains(err.Error(), "clay") || !strings.Contains(err.Error(), "thread") {
		t.Fatalf("expected both short materials named, got %q", err.Error())
	}
	if strings.Contains(err.Error(), "wax") {
		t.Fatalf("wax is not short and must not be named, got %q", err.Error())
	}

	for name, stock := range store.stocks {
		if stock.swaps != 0 {
			t.Fatalf("expected no deduction on %s before the pre-flight passes", name)
		}
	}
}
