package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// Spec'd reorder point: 20% of the typical weekly usage.
func TestReorderThreshold_TwentyPercentOfWeeklyUsage(t *testing.T) {
	cases := []struct {
		usage     string
		threshold string
	}{
		{"50", "10"},
		{"40", "8"},
		{"1", "0.2"},
		{"0", "0"},
	}
	for _, tc := range cases {
		material := Material{TypicalUsageRate: decimal.RequireFromString(tc.usage)}
		got := material.ReorderThreshold()
		if !got.Equal(decimal.RequireFromString(tc.threshold)) {
			t.Fatalf("usage %s: expected threshold %s, got %s", tc.usage, tc.threshold, got)
		}
	}
}

// silver_thread with usage 50/week reorders at 10: 8 is below, 13 is not,
// and exactly 10 stays quiet. Materials with no usage history never alert.
func TestBelowThreshold_StrictBoundary(t *testing.T) {
	cases := []struct {
		quantity string
		usage    string
		below    bool
	}{
		{"8", "50", true},
		{"9.9999", "50", true},
		{"10", "50", false},
		{"13", "50", false},
		{"0", "0", false},
	}
	for _, tc := range cases {
		material := Material{
			CurrentQuantity:  decimal.RequireFromString(tc.quantity),
			TypicalUsageRate: decimal.RequireFromString(tc.usage),
		}
		if material.BelowThreshold() != tc.below {
			t.Fatalf("quantity %s usage %s: expected below=%v", tc.quantity, tc.usage, tc.below)
		}
	}
}

func TestAdjustMaxRetries_EnvOverride(t *testing.T) {
	cases := []struct {
		value    string
		expected int
	}{
		{"", 5},
		{"3", 3},
		{"1", 1},
		{"0", 5},
		{"-2", 5},
		{"ten", 5},
	}
	for _, tc := range cases {
		t.Setenv("ADJUST_MAX_RETRIES", tc.value)
		if got := adjustMaxRetries(); got != tc.expected {
			t.Fatalf("ADJUST_MAX_RETRIES=%q: expected %d, got %d", tc.value, tc.expected, got)
		}
	}
}

// Backoff doubles per attempt with up to 50% jitter on top, never below the
// base and never runaway.
func TestAdjustRetryBackoff_BoundedWithJitter(t *testing.T) {
	for attempt := 0; attempt < 5; attempt++ {
		base := time.Duration(20<<attempt) * time.Millisecond
		max := base + base/2
		for sample := 0; sample < 100; sample++ {
			got := adjustRetryBackoff(attempt)
			if got < base || got > max {
				t.Fatalf("attempt %d: backoff %s outside [%s, %s]", attempt, got, base, max)
			}
		}
	}
}

func TestMovementReason_DefaultsFromDeltaSign(t *testing.T) {
	explicit := AdjustMaterialInput{Delta: decimal.NewFromInt(-4), Reason: StockMovementOpening}
	if explicit.movementReason() != StockMovementOpening {
		t.Fatalf("explicit reason must win, got %s", explicit.movementReason())
	}

	deduction := AdjustMaterialInput{Delta: decimal.NewFromInt(-4)}
	if deduction.movementReason() != StockMovementDeduction {
		t.Fatalf("negative delta expected deduction, got %s", deduction.movementReason())
	}

	purchase := AdjustMaterialInput{Delta: decimal.NewFromInt(4)}
	if purchase.movementReason() != StockMovementPurchase {
		t.Fatalf("positive delta expected purchase, got %s", purchase.movementReason())
	}
}
