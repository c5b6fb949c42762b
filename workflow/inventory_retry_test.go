package workflow

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/artisanhq/atelier_backend/utils"
)

// NOTE: These tests are intentionally DB-free. They validate the optimistic
// concurrency contract of the material store:
// - a version check plus single-row swap loses no concurrent updates
// - stock is never observed negative
// - internal writers retry version conflicts a bounded number of times
//
// The DB-backed path is covered by models/inventory_regression_test.go.

type fakeVersionedStock struct {
	mu       sync.Mutex
	quantity decimal.Decimal
	version  int64
	swaps    int

	// test hook, runs between the re-read and the swap attempt
	beforeSwap func()
}

func newFakeVersionedStock(quantity int64, version int64) *fakeVersionedStock {
	return &fakeVersionedStock{quantity: decimal.NewFromInt(quantity), version: version}
}

func (s *fakeVersionedStock) read() (decimal.Decimal, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quantity, s.version
}

// swap mirrors the store's compare-and-swap: the write applies only while the
// caller's expected version still matches, the version advances by exactly
// one, and a negative result is rejected outright.
func (s *fakeVersionedStock) swap(expectedVersion int64, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != expectedVersion {
		return utils.ErrorVersionConflict
	}
	next := s.quantity.Add(delta)
	if next.IsNegative() {
		return utils.ErrorInsufficientStock
	}
	s.quantity = next
	s.version++
	s.swaps++
	return nil
}

// adjustWithRetry mirrors the internal writer loop: re-read the current
// version, try the swap, retry only version conflicts. Returns how many
// attempts were spent.
func (s *fakeVersionedStock) adjustWithRetry(delta decimal.Decimal, maxRetries int) (int, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, version := s.read()
		if s.beforeSwap != nil {
			s.beforeSwap()
		}
		err := s.swap(version, delta)
		if err == nil {
			return attempt + 1, nil
		}
		if !errors.Is(err, utils.ErrorVersionConflict) {
			return attempt + 1, err
		}
		lastErr = err
	}
	return maxRetries, fmt.Errorf("%w after %d attempts: %v", utils.ErrorRetryExhausted, maxRetries, lastErr)
}

func TestAdjust_ConcurrentWritersLoseNoUpdates(t *testing.T) {
	const writers = 50
	stock := newFakeVersionedStock(100, 1)

	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := stock.adjustWithRetry(decimal.NewFromInt(1), writers*10); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("unexpected adjust failure: %v", err)
	}

	quantity, version := stock.read()
	if !quantity.Equal(decimal.NewFromInt(100 + writers)) {
		t.Fatalf("lost updates: expected quantity %d, got %s", 100+writers, quantity)
	}
	if version != 1+writers {
		t.Fatalf("expected version to advance once per write, got %d", version)
	}
	if stock.swaps != writers {
		t.Fatalf("expected exactly %d applied swaps, got %d", writers, stock.swaps)
	}
}

// Ten units, twenty writers deducting three each: exactly three can succeed
// and the quantity never goes negative.
func TestAdjust_StockNeverObservedNegative(t *testing.T) {
	const writers = 20
	stock := newFakeVersionedStock(10, 1)

	var wg sync.WaitGroup
	outcomes := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, outcomes[i] = stock.adjustWithRetry(decimal.NewFromInt(-3), writers*10)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i, err := range outcomes {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, utils.ErrorInsufficientStock) {
			t.Fatalf("writer %d: expected insufficient stock, got %v", i, err)
		}
	}
	if succeeded != 3 {
		t.Fatalf("expected exactly 3 deductions to fit, got %d", succeeded)
	}

	quantity, _ := stock.read()
	if quantity.IsNegative() {
		t.Fatalf("quantity went negative: %s", quantity)
	}
	if !quantity.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected 10 - 3*3 = 1 left, got %s", quantity)
	}
}

// A writer that loses the race on every attempt gives up after the bounded
// budget instead of spinning forever.
func TestAdjust_ConflictRetryIsBounded(t *testing.T) {
	const maxRetries = 5
	stock := newFakeVersionedStock(100, 1)
	stock.beforeSwap = func() {
		// a faster writer advances the version between our read and swap
		stock.mu.Lock()
		stock.version++
		stock.mu.Unlock()
	}

	attempts, err := stock.adjustWithRetry(decimal.NewFromInt(1), maxRetries)
	if !errors.Is(err, utils.ErrorRetryExhausted) {
		t.Fatalf("expected retry exhaustion, got %v", err)
	}
	if attempts != maxRetries {
		t.Fatalf("expected %d attempts, got %d", maxRetries, attempts)
	}

	quantity, _ := stock.read()
	if !quantity.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("no write should have landed, got %s", quantity)
	}
}

// Spec scenario: two devices both swap against version 7. Exactly one wins
// and moves the version to 8; the loser re-reads and succeeds against 8.
func TestAdjust_TwoDevicesSameExpectedVersion(t *testing.T) {
	for run := 0; run < 100; run++ {
		stock := newFakeVersionedStock(100, 7)
		delta := decimal.NewFromInt(-3)

		var wg sync.WaitGroup
		outcomes := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outcomes[i] = stock.swap(7, delta)
			}(i)
		}
		wg.Wait()

		winners, conflicts := 0, 0
		for i, err := range outcomes {
			switch {
			case err == nil:
				winners++
			case errors.Is(err, utils.ErrorVersionConflict):
				conflicts++
			default:
				t.Fatalf("run=%d device %d: unexpected error %v", run, i, err)
			}
		}
		if winners != 1 || conflicts != 1 {
			t.Fatalf("run=%d expected one winner and one conflict, got %d/%d", run, winners, conflicts)
		}

		quantity, version := stock.read()
		if version != 8 || !quantity.Equal(decimal.NewFromInt(97)) {
			t.Fatalf("run=%d expected version 8 quantity 97, got %d %s", run, version, quantity)
		}

		// the losing device retries against the fresh version
		if err := stock.swap(8, delta); err != nil {
			t.Fatalf("run=%d retry against version 8 failed: %v", run, err)
		}
		quantity, version = stock.read()
		if version != 9 || !quantity.Equal(decimal.NewFromInt(94)) {
			t.Fatalf("run=%d expected version 9 quantity 94 after retry, got %d %s", run, version, quantity)
		}
	}
}
