package models

import (
	"fmt"
	"os"
	"strings"

	"github.com/artisanhq/atelier_backend/config"
)

// EnsureInventoryLedgerSchema enforces strict constraints on the material
// ledger. This is intended for clean-start environments where legacy rows are
// not expected; set INVENTORY_STRICT_SCHEMA=false to skip.
func EnsureInventoryLedgerSchema() error {
	db := config.GetDB()
	if db == nil {
		return fmt.Errorf("database not initialized")
	}
	if strings.ToLower(strings.TrimSpace(os.Getenv("INVENTORY_STRICT_SCHEMA"))) == "false" {
		return nil
	}

	// Stock never goes below zero. A negative row means a writer bypassed the
	// versioned update and must be repaired before the engine starts.
	var badCount int64
	if err := db.Model(&Material{}).
		Where("current_quantity < 0").
		Count(&badCount).Error; err != nil {
		return err
	}
	if badCount > 0 {
		return fmt.Errorf("materials has %d rows with negative current_quantity; repair them before enforcing schema", badCount)
	}

	var idxCount int64
	if err := db.Raw(`
		SELECT COUNT(1)
		FROM INFORMATION_SCHEMA.STATISTICS
		WHERE TABLE_SCHEMA = DATABASE()
		  AND TABLE_NAME = 'material_ledger_entries'
		  AND INDEX_NAME = 'idx_material_ledger_cursor'
	`).Scan(&idxCount).Error; err != nil {
		return err
	}
	if idxCount == 0 {
		if err := db.Exec(`
			CREATE INDEX idx_material_ledger_cursor
			ON material_ledger_entries (artisan_id, material_id, id)
		`).Error; err != nil {
			return err
		}
	}

	// the replay dedupe resolves (reference_type, reference_id) per artisan
	var refIdxCount int64
	if err := db.Raw(`
		SELECT COUNT(1)
		FROM INFORMATION_SCHEMA.STATISTICS
		WHERE TABLE_SCHEMA = DATABASE()
		  AND TABLE_NAME = 'material_ledger_entries'
		  AND INDEX_NAME = 'idx_material_ledger_reference'
	`).Scan(&refIdxCount).Error; err != nil {
		return err
	}
	if refIdxCount == 0 {
		if err := db.Exec(`
			CREATE INDEX idx_material_ledger_reference
			ON material_ledger_entries (artisan_id, reference_type, reference_id)
		`).Error; err != nil {
			return err
		}
	}
	return nil
}
