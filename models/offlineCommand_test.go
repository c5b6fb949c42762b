package models

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNewOfflineCommand_Validate(t *testing.T) {
	stamp := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	cases := []struct {
		name    string
		input   NewOfflineCommand
		wantErr string
	}{
		{
			name: "valid purchase",
			input: NewOfflineCommand{
				CommandId: "cmd-1", CommandType: CommandTypePurchase,
				MaterialName: "silver_thread", Delta: decimal.NewFromInt(5),
				ClientTimestamp: stamp,
			},
		},
		{
			name: "valid negative adjustment",
			input: NewOfflineCommand{
				CommandId: "cmd-2", CommandType: CommandTypeAdjustment,
				MaterialName: "clay", Delta: decimal.NewFromInt(-2),
				ClientTimestamp: stamp,
			},
		},
		{
			name: "valid order completion",
			input: NewOfflineCommand{
				CommandId: "cmd-3", CommandType: CommandTypeOrderComplete,
				OrderId: 9, ClientTimestamp: stamp,
			},
		},
		{
			name:    "missing command id",
			input:   NewOfflineCommand{CommandType: CommandTypePurchase, MaterialName: "clay", Delta: decimal.NewFromInt(1), ClientTimestamp: stamp},
			wantErr: "command id is required",
		},
		{
			name: "command id too long",
			input: NewOfflineCommand{
				CommandId: strings.Repeat("x", 65), CommandType: CommandTypePurchase,
				MaterialName: "clay", Delta: decimal.NewFromInt(1), ClientTimestamp: stamp,
			},
			wantErr: "command id is too long",
		},
		{
			name:    "unknown type",
			input:   NewOfflineCommand{CommandId: "cmd-4", CommandType: "transfer", ClientTimestamp: stamp},
			wantErr: "unknown command type",
		},
		{
			name:    "missing client timestamp",
			input:   NewOfflineCommand{CommandId: "cmd-5", CommandType: CommandTypePurchase, MaterialName: "clay", Delta: decimal.NewFromInt(1)},
			wantErr: "client timestamp is required",
		},
		{
			name:    "purchase without material",
			input:   NewOfflineCommand{CommandId: "cmd-6", CommandType: CommandTypePurchase, Delta: decimal.NewFromInt(1), ClientTimestamp: stamp},
			wantErr: "material name is required",
		},
		{
			name: "purchase with negative delta",
			input: NewOfflineCommand{
				CommandId: "cmd-7", CommandType: CommandTypePurchase,
				MaterialName: "clay", Delta: decimal.NewFromInt(-1), ClientTimestamp: stamp,
			},
			wantErr: "purchase delta must be positive",
		},
		{
			name: "adjustment with zero delta",
			input: NewOfflineCommand{
				CommandId: "cmd-8", CommandType: CommandTypeAdjustment,
				MaterialName: "clay", ClientTimestamp: stamp,
			},
			wantErr: "adjustment delta must be non-zero",
		},
		{
			name:    "completion without order",
			input:   NewOfflineCommand{CommandId: "cmd-9", CommandType: CommandTypeOrderComplete, ClientTimestamp: stamp},
			wantErr: "order id is required",
		},
	}

	for _, tc := range cases {
		err := tc.input.validate()
		if tc.wantErr == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.wantErr, err)
		}
	}
}

func TestNewOfflineCommand_ValidateCommandTypeAllowlist(t *testing.T) {
	t.Setenv("SYNC_COMMAND_TYPES", "PURCHASE,ADJUSTMENT")
	stamp := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	allowed := NewOfflineCommand{
		CommandId: "cmd-10", CommandType: CommandTypePurchase,
		MaterialName: "clay", Delta: decimal.NewFromInt(1),
		ClientTimestamp: stamp,
	}
	if err := allowed.validate(); err != nil {
		t.Fatalf("allowlisted type rejected: %v", err)
	}

	blocked := NewOfflineCommand{
		CommandId: "cmd-11", CommandType: CommandTypeOrderComplete,
		OrderId: 4, ClientTimestamp: stamp,
	}
	err := blocked.validate()
	if err == nil || !strings.Contains(err.Error(), "not enabled") {
		t.Fatalf("expected allowlist rejection, got %v", err)
	}
}
