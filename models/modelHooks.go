package models

import (
	"errors"

	"gorm.io/gorm"
)

func (m *Material) AfterCreate(tx *gorm.DB) (err error) {
	if err := SaveHistoryCreate(tx, m.ID, m, "Created Material"); err != nil {
		return err
	}
	if err := m.RemoveAllRedis(); err != nil {
		return err
	}

	return nil
}

// Quantity changes go through the versioned raw update in AdjustMaterialTx
// and are audited by the material ledger, not by this hook. Only metadata
// updates land here.
func (m *Material) BeforeUpdate(tx *gorm.DB) (err error) {
	if err := SaveHistoryUpdate(tx, m.ID, m, "Updated Material"); err != nil {
		return err
	}
	if err := RemoveRedisBoth(m); err != nil {
		return err
	}

	return nil
}

func (m *Material) AfterDelete(tx *gorm.DB) (err error) {
	if err := SaveHistoryDelete(tx, m.ID, m, "Deleted Material"); err != nil {
		return err
	}
	if err := RemoveRedisBoth(m); err != nil {
		return err
	}

	return nil
}

// The material ledger is append-only.

func (e *MaterialLedgerEntry) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("immutable ledger: material_ledger_entries cannot be updated")
}

func (e *MaterialLedgerEntry) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable ledger: material_ledger_entries cannot be deleted")
}

func (p *Product) AfterCreate(tx *gorm.DB) (err error) {
	if err := SaveHistoryCreate(tx, p.ID, p, "Created Product"); err != nil {
		return err
	}
	if err := p.RemoveAllRedis(); err != nil {
		return err
	}

	return nil
}

func (p *Product) BeforeUpdate(tx *gorm.DB) (err error) {
	if err := SaveHistoryUpdate(tx, p.ID, p, "Updated Product"); err != nil {
		return err
	}
	if err := RemoveRedisBoth(p); err != nil {
		return err
	}

	return nil
}

func (p *Product) AfterDelete(tx *gorm.DB) (err error) {
	if err := SaveHistoryDelete(tx, p.ID, p, "Deleted Product"); err != nil {
		return err
	}
	if err := RemoveRedisBoth(p); err != nil {
		return err
	}

	return nil
}

func (o *Order) AfterCreate(tx *gorm.DB) (err error) {
	if err := SaveHistoryCreate(tx, o.ID, o, "Created Order"); err != nil {
		return err
	}
	if err := o.RemoveAllRedis(); err != nil {
		return err
	}

	return nil
}

func (o *Order) BeforeUpdate(tx *gorm.DB) (err error) {
	if err := SaveHistoryUpdate(tx, o.ID, o, "Updated Order"); err != nil {
		return err
	}
	if err := RemoveRedisBoth(o); err != nil {
		return err
	}

	return nil
}

func (o *Order) AfterDelete(tx *gorm.DB) (err error) {
	if err := SaveHistoryDelete(tx, o.ID, o, "Deleted Order"); err != nil {
		return err
	}
	if err := RemoveRedisBoth(o); err != nil {
		return err
	}

	return nil
}

// Deductions are the completion dedupe record. Removing one would let the
// same order deduct the same material twice on resume.
func (d *OrderDeduction) BeforeDelete(tx *gorm.DB) error {
	return errors.New("order_deductions cannot be deleted")
}
