package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/utils"
)

// InventoryAlert is a low stock warning. At most one open alert exists per
// material: callers evaluate inside the same transaction that mutated the
// material row, so evaluations serialize on the row lock.
type InventoryAlert struct {
	ID               int             `gorm:"primary_key" json:"id"`
	ArtisanId        string          `gorm:"size:64;not null;index:idx_alert_status,priority:1" json:"artisan_id"`
	MaterialId       int             `gorm:"not null;index" json:"material_id"`
	MaterialName     string          `gorm:"size:100;not null" json:"material_name"`
	QuantityAtRaise  decimal.Decimal `gorm:"type:decimal(20,4)" json:"quantity_at_raise"`
	ThresholdAtRaise decimal.Decimal `gorm:"type:decimal(20,4)" json:"threshold_at_raise"`
	Status           AlertStatus     `gorm:"size:10;not null;default:open;index:idx_alert_status,priority:2" json:"status"`
	RaisedAt         time.Time       `json:"raised_at"`
	ClearedAt        *time.Time      `json:"cleared_at"`
	NotifiedAt       *time.Time      `json:"notified_at"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (alert InventoryAlert) GetId() int {
	return alert.ID
}

func (alert InventoryAlert) GetArtisanId() string {
	return alert.ArtisanId
}

// EvaluateLowStockTx raises or clears the alert for a material after a
// mutation. Below the reorder threshold it opens an alert unless one is
// already open; at or above it clears the open one. Must run in the same
// transaction as the stock change.
func EvaluateLowStockTx(ctx context.Context, tx *gorm.DB, material *Material) error {
	threshold := material.ReorderThreshold()

	var open InventoryAlert
	err := tx.Where("artisan_id = ? AND material_id = ? AND status = ?",
		material.ArtisanId, material.ID, AlertStatusOpen).Take(&open).Error
	hasOpen := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if material.CurrentQuantity.LessThan(threshold) {
		if hasOpen {
			// one open alert per material, repeated drops stay quiet
			return nil
		}
		now := time.Now()
		alert := InventoryAlert{
			ArtisanId:        material.ArtisanId,
			MaterialId:       material.ID,
			MaterialName:     material.Name,
			QuantityAtRaise:  material.CurrentQuantity,
			ThresholdAtRaise: threshold,
			Status:           AlertStatusOpen,
			RaisedAt:         now,
		}
		if err := tx.Create(&alert).Error; err != nil {
			return err
		}
		return PublishInventoryChange(ctx, tx, material.ArtisanId, now, alert.ID,
			InventoryReferenceTypeAlert, alert, nil, PubSubMessageActionCreate)
	}

	if hasOpen {
		now := time.Now()
		before := open
		if err := tx.Model(&open).Updates(map[string]interface{}{
			"Status":    AlertStatusCleared,
			"ClearedAt": now,
		}).Error; err != nil {
			return err
		}
		open.Status = AlertStatusCleared
		open.ClearedAt = &now
		return PublishInventoryChange(ctx, tx, material.ArtisanId, now, open.ID,
			InventoryReferenceTypeAlert, open, before, PubSubMessageActionUpdate)
	}
	return nil
}

func GetAlerts(ctx context.Context, status AlertStatus) ([]InventoryAlert, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	db := config.GetDB()
	var alerts []InventoryAlert
	dbCtx := db.WithContext(ctx).Model(&InventoryAlert{}).
		Where("artisan_id = ?", artisanId).
		Order("raised_at DESC")
	if status != "" {
		dbCtx = dbCtx.Where("status = ?", status)
	}
	if err := dbCtx.Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

func GetAlert(ctx context.Context, id int) (*InventoryAlert, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}
	return utils.FetchModel[InventoryAlert](ctx, artisanId, id)
}

func CountOpenAlerts(ctx context.Context) (int64, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return 0, errors.New("artisan id is required")
	}

	db := config.GetDB()
	var count int64
	if err := db.WithContext(ctx).Model(&InventoryAlert{}).
		Where("artisan_id = ? AND status = ?", artisanId, AlertStatusOpen).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// MarkAlertNotifiedTx is written by the async event consumer once the alert
// left the building, it never changes the open/cleared state.
func MarkAlertNotifiedTx(tx *gorm.DB, artisanId string, alertId int, notifiedAt time.Time) error {
	return tx.Model(&InventoryAlert{}).
		Where("artisan_id = ? AND id = ? AND notified_at IS NULL", artisanId, alertId).
		UpdateColumn("notified_at", notifiedAt).Error
}
