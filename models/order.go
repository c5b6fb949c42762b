package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/artisanhq/atelier_backend/config"
	"github.com/artisanhq/atelier_backend/utils"
)

// Order is a customer commission for one product. Priority for stock
// reservation is order date first, then id, nothing else.
type Order struct {
	ID           int             `gorm:"primary_key" json:"id"`
	ArtisanId    string          `gorm:"size:64;not null;index" json:"artisan_id"`
	ProductId    int             `gorm:"not null;index" json:"product_id"`
	CustomerName string          `gorm:"size:100" json:"customer_name"`
	Quantity     int             `gorm:"not null;default:1" json:"quantity"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	OrderDate    time.Time       `gorm:"index;not null" json:"order_date"`
	Status       OrderStatus     `gorm:"size:20;not null;default:pending" json:"status"`
	CompletedAt  *time.Time      `json:"completed_at"`
	Notes        *string         `gorm:"type:text" json:"notes"`
	Product      *Product        `gorm:"foreignKey:ProductId;references:ID" json:"product,omitempty"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (order Order) GetId() int {
	return order.ID
}

func (order Order) GetArtisanId() string {
	return order.ArtisanId
}

func (order Order) GetCursor() string {
	return order.OrderDate.Format("2006-01-02 15:04:05")
}

// OrderDeduction records one applied stock deduction of a completed order.
// The unique index on (artisan_id, order_id, material_name) makes completion
// idempotent per material: a replayed completion inserts nothing twice.
type OrderDeduction struct {
	ID           int             `gorm:"primary_key" json:"id"`
	ArtisanId    string          `gorm:"size:64;not null;uniqueIndex:uniq_order_deduction" json:"artisan_id"`
	OrderId      int             `gorm:"not null;uniqueIndex:uniq_order_deduction" json:"order_id"`
	MaterialName string          `gorm:"size:100;not null;uniqueIndex:uniq_order_deduction" json:"material_name"`
	Quantity     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	VersionAfter int64           `json:"version_after"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewOrder struct {
	ProductId    int             `json:"product_id" binding:"required"`
	CustomerName string          `json:"customer_name"`
	Quantity     int             `json:"quantity" binding:"required"`
	Amount       decimal.Decimal `json:"amount"`
	OrderDate    time.Time       `json:"order_date"`
	Notes        string          `json:"notes"`
}

func (input *NewOrder) validate(ctx context.Context, artisanId string) error {
	if err := utils.ValidateResourceId[Product](ctx, artisanId, input.ProductId); err != nil {
		return errors.New("product not found")
	}
	if input.Quantity < 1 {
		return errors.New("quantity must be at least 1")
	}
	if input.Amount.IsNegative() {
		return errors.New("amount cannot be negative")
	}
	return nil
}

func CreateOrder(ctx context.Context, input NewOrder) (*Order, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}
	if err := input.validate(ctx, artisanId); err != nil {
		return nil, err
	}

	if input.OrderDate.IsZero() {
		input.OrderDate = time.Now()
	}
	order := Order{
		ArtisanId:    artisanId,
		ProductId:    input.ProductId,
		CustomerName: input.CustomerName,
		Quantity:     input.Quantity,
		Amount:       input.Amount,
		OrderDate:    input.OrderDate,
		Status:       OrderStatusPending,
		Notes:        utils.NilIfEmpty(input.Notes),
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&order).Error; err != nil {
			return err
		}
		return PublishInventoryChange(ctx, tx, artisanId, order.OrderDate, order.ID,
			InventoryReferenceTypeOrder, order, nil, PubSubMessageActionCreate)
	})
	if err != nil {
		return nil, err
	}

	// caching, a new pending order shifts every lower priority classification
	if err := order.RemoveAllRedis(); err != nil {
		return nil, err
	}
	if err := InvalidateFeasibilityCache(artisanId); err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrder edits an order while it is still pending. Once work started
// the commitment is fixed, only cancel or complete remain.
func UpdateOrder(ctx context.Context, id int, input NewOrder) (*Order, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	result, err := utils.FetchModel[Order](ctx, artisanId, id)
	if err != nil {
		return nil, err
	}
	if result.Status != OrderStatusPending {
		return nil, fmt.Errorf("order is %s, only pending orders can be edited", result.Status)
	}
	if err := input.validate(ctx, artisanId); err != nil {
		return nil, err
	}
	if input.OrderDate.IsZero() {
		input.OrderDate = result.OrderDate
	}

	before := *result
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(result).Updates(map[string]interface{}{
			"ProductId":    input.ProductId,
			"CustomerName": input.CustomerName,
			"Quantity":     input.Quantity,
			"Amount":       input.Amount,
			"OrderDate":    input.OrderDate,
			"Notes":        utils.NilIfEmpty(input.Notes),
		}).Error; err != nil {
			return err
		}
		result.ProductId = input.ProductId
		result.Quantity = input.Quantity
		result.OrderDate = input.OrderDate
		return PublishInventoryChange(ctx, tx, artisanId, time.Now(), id,
			InventoryReferenceTypeOrder, result, before, PubSubMessageActionUpdate)
	})
	if err != nil {
		return nil, err
	}

	// caching
	if err := RemoveRedisBoth[Order](*result); err != nil {
		return nil, err
	}
	if err := InvalidateFeasibilityCache(artisanId); err != nil {
		return nil, err
	}
	return result, nil
}

func setOrderStatus(ctx context.Context, id int, from []OrderStatus, to OrderStatus) (*Order, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	result, err := utils.FetchModel[Order](ctx, artisanId, id)
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, status := range from {
		if result.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("order is %s, cannot move to %s", result.Status, to)
	}

	before := *result
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(result).Updates(map[string]interface{}{"Status": to}).Error; err != nil {
			return err
		}
		result.Status = to
		return PublishInventoryChange(ctx, tx, artisanId, time.Now(), id,
			InventoryReferenceTypeOrder, result, before, PubSubMessageActionUpdate)
	})
	if err != nil {
		return nil, err
	}

	// caching
	if err := RemoveRedisBoth[Order](*result); err != nil {
		return nil, err
	}
	if err := InvalidateFeasibilityCache(artisanId); err != nil {
		return nil, err
	}
	return result, nil
}

func StartOrder(ctx context.Context, id int) (*Order, error) {
	return setOrderStatus(ctx, id, []OrderStatus{OrderStatusPending}, OrderStatusInProgress)
}

// CancelOrder releases the order's reservation. Completed orders cannot be
// cancelled, their stock is already deducted.
func CancelOrder(ctx context.Context, id int) (*Order, error) {
	return setOrderStatus(ctx, id,
		[]OrderStatus{OrderStatusPending, OrderStatusInProgress}, OrderStatusCancelled)
}

func DeleteOrder(ctx context.Context, id int) (*Order, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	result, err := utils.FetchModel[Order](ctx, artisanId, id)
	if err != nil {
		return nil, err
	}
	if result.Status != OrderStatusPending && result.Status != OrderStatusCancelled {
		return nil, fmt.Errorf("order is %s, only pending or cancelled orders can be deleted", result.Status)
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(result).Error; err != nil {
			return err
		}
		return PublishInventoryChange(ctx, tx, artisanId, time.Now(), id,
			InventoryReferenceTypeOrder, nil, result, PubSubMessageActionDelete)
	})
	if err != nil {
		return nil, err
	}

	// caching
	if err := RemoveRedisBoth[Order](*result); err != nil {
		return nil, err
	}
	if err := InvalidateFeasibilityCache(artisanId); err != nil {
		return nil, err
	}
	return result, nil
}

func GetOrder(ctx context.Context, id int) (*Order, error) {
	return GetResource[Order](ctx, id, "Product", "Product.Materials")
}

func GetOrders(ctx context.Context, status OrderStatus, customerName string) ([]Order, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	db := config.GetDB()
	var orders []Order
	dbCtx := db.WithContext(ctx).Model(&Order{}).Preload("Product").
		Where("artisan_id = ?", artisanId).
		Order("order_date ASC, id ASC")
	if status != "" {
		dbCtx = dbCtx.Where("status = ?", status)
	}
	if customerName != "" {
		dbCtx = dbCtx.Where("customer_name LIKE ?", "%"+customerName+"%")
	}
	if err := dbCtx.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func PaginateOrders(ctx context.Context, status OrderStatus, limit int, after *string) ([]Edge[Order], *PageInfo, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, nil, errors.New("artisan id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&Order{}).Where("artisan_id = ?", artisanId)
	if status != "" {
		dbCtx = dbCtx.Where("status = ?", status)
	}
	return FetchPageCompositeCursor[Order](dbCtx, limit, after, "order_date", "<")
}

func GetOrderDeductions(ctx context.Context, orderId int) ([]OrderDeduction, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}

	db := config.GetDB()
	var deductions []OrderDeduction
	if err := db.WithContext(ctx).
		Where("artisan_id = ? AND order_id = ?", artisanId, orderId).
		Order("material_name ASC").
		Find(&deductions).Error; err != nil {
		return nil, err
	}
	return deductions, nil
}

/*
	order completion
*/

var errDeductionExists = errors.New("deduction already applied")

type OrderCompletionResult struct {
	OrderId          int              `json:"order_id"`
	Applied          bool             `json:"applied"`
	AlreadyApplied   bool             `json:"already_applied"`
	Deductions       []OrderDeduction `json:"deductions"`
	ResumedMaterials []string         `json:"resumed_materials,omitempty"`
}

// CompleteOrder deducts every required material and marks the order
// completed. Each material is its own transaction: the deduction row insert
// doubles as the idempotency guard, so a crash mid-way resumes where it
// stopped and never deducts a material twice for the same order. Version
// conflicts retry a bounded number of times with randomized backoff.
func CompleteOrder(ctx context.Context, orderId int) (*OrderCompletionResult, error) {
	artisanId, ok := utils.GetArtisanIdFromContext(ctx)
	if !ok || artisanId == "" {
		return nil, errors.New("artisan id is required")
	}
	unlock, err := utils.ArtisanLock(ctx, artisanId, "lock", "order.go", "CompleteOrder")
	if err != nil {
		return nil, err
	}
	defer unlock()

	db := config.GetDB()
	order, err := utils.FetchModel[Order](ctx, artisanId, orderId)
	if err != nil {
		return nil, err
	}

	result := &OrderCompletionResult{OrderId: orderId}
	if order.Status == OrderStatusCompleted {
		result.AlreadyApplied = true
		if err := db.WithContext(ctx).
			Where("artisan_id = ? AND order_id = ?", artisanId, orderId).
			Find(&result.Deductions).Error; err != nil {
			return nil, err
		}
		return result, nil
	}
	if order.Status == OrderStatusCancelled {
		return nil, errors.New("order is cancelled")
	}

	requirement, err := ResolveMaterialRequirements(ctx, order)
	if err != nil {
		return nil, err
	}

	// materials already deducted by an earlier, interrupted run
	var existing []OrderDeduction
	if err := db.WithContext(ctx).
		Where("artisan_id = ? AND order_id = ?", artisanId, orderId).
		Find(&existing).Error; err != nil {
		return nil, err
	}
	alreadyDeducted := make(map[string]bool, len(existing))
	for _, deduction := range existing {
		alreadyDeducted[deduction.MaterialName] = true
	}

	// pre-flight so the caller sees every short material at once, the swap
	// below still guards against races
	snapshot, err := SnapshotStockLevels(ctx)
	if err != nil {
		return nil, err
	}
	var insufficient []string
	for _, name := range requirement.SortedNames() {
		if alreadyDeducted[name] {
			continue
		}
		if snapshot[name].LessThan(requirement.Lines[name]) {
			insufficient = append(insufficient, name)
		}
	}
	if len(insufficient) > 0 {
		return nil, fmt.Errorf("%w for %s", utils.ErrorInsufficientStock, strings.Join(insufficient, ", "))
	}

	maxRetries := adjustMaxRetries()
	var adjustedMaterialIds []int
	for _, name := range requirement.SortedNames() {
		required := requirement.Lines[name]
		if alreadyDeducted[name] {
			result.ResumedMaterials = append(result.ResumedMaterials, name)
			continue
		}

		var deduction OrderDeduction
		var lastErr error
		applied := false
		for attempt := 0; attempt < maxRetries; attempt++ {
			deduction = OrderDeduction{
				ArtisanId:    artisanId,
				OrderId:      orderId,
				MaterialName: name,
				Quantity:     required,
			}
			err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				if err := tx.Create(&deduction).Error; err != nil {
					if utils.IsDuplicateKeyError(err) {
						return errDeductionExists
					}
					return err
				}
				var material Material
				if err := tx.Where("artisan_id = ? AND name = ?", artisanId, name).
					Take(&material).Error; err != nil {
					return fmt.Errorf("material %s not found", name)
				}
				updated, err := AdjustMaterialTx(ctx, tx, artisanId, AdjustMaterialInput{
					Name:            name,
					Delta:           required.Neg(),
					ExpectedVersion: material.Version,
					Reason:          StockMovementDeduction,
					ReferenceType:   InventoryReferenceTypeOrder,
					ReferenceId:     fmt.Sprint(orderId),
				})
				if err != nil {
					return err
				}
				deduction.VersionAfter = updated.Version
				adjustedMaterialIds = append(adjustedMaterialIds, updated.ID)
				return tx.Model(&OrderDeduction{}).Where("id = ?", deduction.ID).
					UpdateColumn("version_after", updated.Version).Error
			})
			if err == nil {
				result.Deductions = append(result.Deductions, deduction)
				applied = true
				break
			}
			if errors.Is(err, errDeductionExists) {
				result.ResumedMaterials = append(result.ResumedMaterials, name)
				applied = true
				break
			}
			if errors.Is(err, utils.ErrorVersionConflict) {
				lastErr = err
				time.Sleep(adjustRetryBackoff(attempt))
				continue
			}
			if errors.Is(err, utils.ErrorInsufficientStock) {
				return nil, fmt.Errorf("%w for %s", utils.ErrorInsufficientStock, name)
			}
			return nil, err
		}
		if !applied {
			return nil, fmt.Errorf("%w deducting %s for order %d: %v",
				utils.ErrorRetryExhausted, name, orderId, lastErr)
		}
	}

	before := *order
	now := time.Now()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(order).
			Where("artisan_id = ?", artisanId).
			Updates(map[string]interface{}{"Status": OrderStatusCompleted, "CompletedAt": now}).Error; err != nil {
			return err
		}
		order.Status = OrderStatusCompleted
		order.CompletedAt = &now
		return PublishInventoryChange(ctx, tx, artisanId, now, orderId,
			InventoryReferenceTypeOrder, order, before, PubSubMessageActionUpdate)
	})
	if err != nil {
		return nil, err
	}
	result.Applied = true

	// caching
	for _, materialId := range adjustedMaterialIds {
		if err := utils.RemoveRedisItem[Material](materialId); err != nil {
			return nil, err
		}
	}
	if err := utils.RemoveRedisList[AllMaterial](artisanId); err != nil {
		return nil, err
	}
	if err := RemoveRedisBoth[Order](*order); err != nil {
		return nil, err
	}
	if err := InvalidateFeasibilityCache(artisanId); err != nil {
		return nil, err
	}
	return result, nil
}
